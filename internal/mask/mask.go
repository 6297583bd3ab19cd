// Package mask applies a band profile's quality-layer codes to a loaded band set.
package mask

import (
	"fmt"
	"math"

	"github.com/astroAycha/geospatial-mlops/internal/bands"
	"github.com/astroAycha/geospatial-mlops/internal/raster"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// Apply returns a new band set where raw no-observation values and pixels flagged by
// the quality layer are NaN. The quality band is dropped from the output and the
// input is left untouched.
func Apply(bs *raster.BandSet, p bands.Profile) (*raster.BandSet, error) {
	shape, err := bs.Shape()
	if err != nil {
		return nil, fmt.Errorf("masking: %v: %w", err, series.ErrInvalidArgument)
	}

	invalid := make([]bool, shape.Len())
	if bs.Quality != nil {
		for i, q := range bs.Quality.Data {
			if math.IsNaN(q) || q == p.NoDataValue {
				continue
			}
			invalid[i] = p.IsInvalid(int(q))
		}
	}

	out := &raster.BandSet{
		Times: append(bs.Times[:0:0], bs.Times...),
		Red:   maskBand(bs.Red, invalid, p.NoDataValue),
		Blue:  maskBand(bs.Blue, invalid, p.NoDataValue),
		NIR:   maskBand(bs.NIR, invalid, p.NoDataValue),
		SWIR1: maskBand(bs.SWIR1, invalid, p.NoDataValue),
		SWIR2: maskBand(bs.SWIR2, invalid, p.NoDataValue),
	}
	return out, nil
}

func maskBand(c *raster.Cube, invalid []bool, nodata float64) *raster.Cube {
	out := c.Clone()
	for i, v := range out.Data {
		if invalid[i] || v == nodata {
			out.Data[i] = math.NaN()
		}
	}
	return out
}

// ValidFraction returns the share of non-NaN cells in c.
func ValidFraction(c *raster.Cube) float64 {
	if len(c.Data) == 0 {
		return 0
	}
	n := 0
	for _, v := range c.Data {
		if !math.IsNaN(v) {
			n++
		}
	}
	return float64(n) / float64(len(c.Data))
}
