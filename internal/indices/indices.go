// Package indices computes normalized-difference spectral indices over masked bands.
// Zero denominators and NaN operands yield NaN; nothing here returns an arithmetic error.
package indices

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/astroAycha/geospatial-mlops/internal/raster"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// DefaultWorkers bounds how many index cubes are computed at once.
const DefaultWorkers = 4

// NDVI is (nir - red) / (nir + red).
func NDVI(nir, red float64) float64 {
	return ratio(nir-red, nir+red)
}

// BSI is ((swir1 + red) - (nir + blue)) / ((swir1 + red) + (nir + blue)).
func BSI(swir1, red, nir, blue float64) float64 {
	a, b := swir1+red, nir+blue
	return ratio(a-b, a+b)
}

// NDMI is (nir - swir1) / (nir + swir1).
func NDMI(nir, swir1 float64) float64 {
	return ratio(nir-swir1, nir+swir1)
}

// NBR is (nir - swir2) / (nir + swir2).
func NBR(nir, swir2 float64) float64 {
	return ratio(nir-swir2, nir+swir2)
}

func ratio(num, den float64) float64 {
	if den == 0 || math.IsNaN(num) || math.IsNaN(den) {
		return math.NaN()
	}
	return num / den
}

// Cube computes one index over a masked band set into a new cube.
func Cube(bs *raster.BandSet, idx series.Index) (*raster.Cube, error) {
	shape, err := bs.Shape()
	if err != nil {
		return nil, fmt.Errorf("computing %s: %v: %w", idx, err, series.ErrInvalidArgument)
	}
	out := raster.NewCube(shape)
	red, blue, nir, swir1, swir2 := bs.Red.Data, bs.Blue.Data, bs.NIR.Data, bs.SWIR1.Data, bs.SWIR2.Data

	switch idx {
	case series.NDVI:
		for i := range out.Data {
			out.Data[i] = NDVI(nir[i], red[i])
		}
	case series.BSI:
		for i := range out.Data {
			out.Data[i] = BSI(swir1[i], red[i], nir[i], blue[i])
		}
	case series.NDMI:
		for i := range out.Data {
			out.Data[i] = NDMI(nir[i], swir1[i])
		}
	case series.NBR:
		for i := range out.Data {
			out.Data[i] = NBR(nir[i], swir2[i])
		}
	default:
		return nil, fmt.Errorf("unknown index %q: %w", idx, series.ErrInvalidArgument)
	}
	return out, nil
}

// Compute evaluates the enabled indices concurrently, at most workers at a time.
// Each index writes only to its own cube.
func Compute(ctx context.Context, bs *raster.BandSet, enabled []series.Index, workers int) (map[series.Index]*raster.Cube, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no indices enabled: %w", series.ErrInvalidArgument)
	}

	results := make([]*raster.Cube, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, idx := range enabled {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := Cube(bs, idx)
			if err != nil {
				return err
			}
			results[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[series.Index]*raster.Cube, len(enabled))
	for i, idx := range enabled {
		out[idx] = results[i]
	}
	return out, nil
}
