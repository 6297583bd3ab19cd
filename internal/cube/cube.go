// Package cube turns catalog items into co-registered band cubes on the AOI's UTM grid.
package cube

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/astroAycha/geospatial-mlops/internal/aggregate"
	"github.com/astroAycha/geospatial-mlops/internal/bands"
	"github.com/astroAycha/geospatial-mlops/internal/catalog"
	"github.com/astroAycha/geospatial-mlops/internal/geometry"
	"github.com/astroAycha/geospatial-mlops/internal/raster"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

const (
	DefaultResolution = 20.0
	DefaultTileSize   = 2048
)

// LoadRequest describes the grid and assets to load.
type LoadRequest struct {
	Assets           map[bands.Band]string
	BBox             series.BBox
	ResolutionMeters float64
	TileSize         int
	NoData           float64
}

func (r LoadRequest) withDefaults() LoadRequest {
	if r.ResolutionMeters <= 0 {
		r.ResolutionMeters = DefaultResolution
	}
	if r.TileSize <= 0 {
		r.TileSize = DefaultTileSize
	}
	return r
}

// Loader reads the requested assets of items into a band set with one time step per solar day.
type Loader interface {
	Load(ctx context.Context, items []catalog.Item, req LoadRequest) (*raster.BandSet, error)
}

// Group is the set of items acquired on one solar day.
type Group struct {
	Day   time.Time
	Items []catalog.Item
}

// GroupBySolarDay groups items by the solar day of their acquisition at longitude lon.
// Groups are ordered by day and items within a group by acquisition time.
func GroupBySolarDay(items []catalog.Item, lon float64) []Group {
	byDay := make(map[time.Time][]catalog.Item)
	for _, it := range items {
		d := aggregate.SolarDay(it.Properties.Datetime, lon)
		byDay[d] = append(byDay[d], it)
	}

	groups := make([]Group, 0, len(byDay))
	for d, its := range byDay {
		sort.SliceStable(its, func(i, j int) bool {
			return its[i].Properties.Datetime.Before(its[j].Properties.Datetime)
		})
		groups = append(groups, Group{Day: d, Items: its})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Day.Before(groups[j].Day) })
	return groups
}

// warpSwitches builds the gdalwarp arguments that resample a scene onto the AOI grid.
func warpSwitches(req LoadRequest, zone geometry.Zone) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		"-t_srs", fmt.Sprintf("EPSG:%d", zone.EPSG()),
		"-te", f(req.BBox.MinLon), f(req.BBox.MinLat), f(req.BBox.MaxLon), f(req.BBox.MaxLat),
		"-te_srs", series.CRS,
		"-tr", f(req.ResolutionMeters), f(req.ResolutionMeters),
		"-tap",
		"-r", "near",
		"-dstnodata", f(req.NoData),
		"-ot", "Float64",
		"-of", "MEM",
	}
}

// fuseFirstValid copies src into dst wherever dst has no valid value yet.
func fuseFirstValid(dst, src []float64, nodata float64) {
	for i, v := range src {
		if valid(dst[i], nodata) || !valid(v, nodata) {
			continue
		}
		dst[i] = v
	}
}

func valid(v, nodata float64) bool {
	return !math.IsNaN(v) && v != nodata
}

// assemble stacks one (y, x) plane per day into a cube. Days without a plane are
// left at nodata.
func assemble(planes [][]float64, h, w int, nodata float64) *raster.Cube {
	c := raster.NewCubeFilled(raster.Shape{T: len(planes), Y: h, X: w}, nodata)
	for t, p := range planes {
		if p != nil {
			copy(c.Slice(t), p)
		}
	}
	return c
}
