package cube

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/airbusgeo/godal"
	"golang.org/x/sync/errgroup"

	"github.com/astroAycha/geospatial-mlops/internal/bands"
	"github.com/astroAycha/geospatial-mlops/internal/catalog"
	"github.com/astroAycha/geospatial-mlops/internal/geometry"
	"github.com/astroAycha/geospatial-mlops/internal/raster"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

var registerOnce sync.Once

var vsiConfig = []string{
	"GDAL_DISABLE_READDIR_ON_OPEN=EMPTY_DIR",
	"CPL_VSIL_CURL_ALLOWED_EXTENSIONS=.tif,.TIF,.tiff",
	"GDAL_HTTP_MAX_RETRY=3",
	"GDAL_HTTP_RETRY_DELAY=2",
}

// GDALLoader reads cloud-optimized GeoTIFF assets over HTTP with GDAL.
type GDALLoader struct {
	workers int
	logger  *slog.Logger
}

// NewGDALLoader registers the GDAL drivers and returns a loader reading up to workers
// bands concurrently.
func NewGDALLoader(workers int, logger *slog.Logger) *GDALLoader {
	registerOnce.Do(godal.RegisterAll)
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GDALLoader{workers: workers, logger: logger}
}

// Load warps every item onto the AOI grid and fuses same-day scenes, first valid pixel wins.
func (l *GDALLoader) Load(ctx context.Context, items []catalog.Item, req LoadRequest) (*raster.BandSet, error) {
	req = req.withDefaults()
	if err := req.BBox.Validate(); err != nil {
		return nil, err
	}
	lon, lat := req.BBox.Center()
	zone, err := geometry.UTMZone(lat, lon)
	if err != nil {
		return nil, err
	}
	for _, b := range bands.AllBands {
		if req.Assets[b] == "" {
			return nil, fmt.Errorf("no asset mapped for band %s: %w", b, series.ErrInvalidArgument)
		}
	}

	groups := GroupBySolarDay(items, lon)
	switches := warpSwitches(req, zone)
	start := time.Now()

	cubes := make([]*raster.Cube, len(bands.AllBands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, b := range bands.AllBands {
		i, b := i, b
		g.Go(func() error {
			c, err := l.loadBand(gctx, groups, req.Assets[b], switches, req)
			if err != nil {
				return fmt.Errorf("loading band %s: %w", b, err)
			}
			cubes[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	times := make([]time.Time, len(groups))
	for i, grp := range groups {
		times[i] = grp.Day
	}
	bs := &raster.BandSet{
		Times:   times,
		Red:     cubes[0],
		Blue:    cubes[1],
		NIR:     cubes[2],
		SWIR1:   cubes[3],
		SWIR2:   cubes[4],
		Quality: cubes[5],
	}
	if _, err := bs.Shape(); err != nil {
		return nil, fmt.Errorf("assembling bands: %v: %w", err, series.ErrUpstreamUnavailable)
	}

	l.logger.Info("cube loaded",
		"items", len(items),
		"days", len(groups),
		"epsg", zone.EPSG(),
		"shape", fmt.Sprintf("%dx%dx%d", bs.Red.Shape.T, bs.Red.Shape.Y, bs.Red.Shape.X),
		"duration", time.Since(start).String(),
	)
	return bs, nil
}

func (l *GDALLoader) loadBand(ctx context.Context, groups []Group, asset string, switches []string, req LoadRequest) (*raster.Cube, error) {
	planes := make([][]float64, 0, len(groups))
	w, h := 0, 0
	for _, grp := range groups {
		var plane []float64
		for _, it := range grp.Items {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			a, ok := it.Assets[asset]
			if !ok {
				l.logger.Warn("item missing asset", "item", it.ID, "asset", asset)
				continue
			}
			data, sw, sh, err := l.readScene(a.Href, switches, req.TileSize)
			if err != nil {
				return nil, fmt.Errorf("item %s: %v: %w", it.ID, err, series.ErrUpstreamUnavailable)
			}
			if w == 0 {
				w, h = sw, sh
			}
			if sw != w || sh != h {
				return nil, fmt.Errorf("item %s warped to %dx%d, want %dx%d: %w", it.ID, sw, sh, w, h, series.ErrUpstreamUnavailable)
			}
			if plane == nil {
				plane = data
				continue
			}
			fuseFirstValid(plane, data, req.NoData)
		}
		planes = append(planes, plane)
	}
	return assemble(planes, h, w, req.NoData), nil
}

// readScene warps one asset into memory and reads it in tile-sized windows.
func (l *GDALLoader) readScene(href string, switches []string, tile int) ([]float64, int, int, error) {
	src, err := godal.Open(vsiPath(href), godal.ConfigOption(vsiConfig...))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("opening %s: %w", href, err)
	}
	defer src.Close()

	dst, err := src.Warp("", switches, godal.ConfigOption(vsiConfig...))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("warping %s: %w", href, err)
	}
	defer dst.Close()

	st := dst.Structure()
	w, h := st.SizeX, st.SizeY
	band := dst.Bands()[0]
	out := make([]float64, w*h)
	buf := make([]float64, tile*tile)
	for y0 := 0; y0 < h; y0 += tile {
		bh := min(tile, h-y0)
		for x0 := 0; x0 < w; x0 += tile {
			bw := min(tile, w-x0)
			if err := band.Read(x0, y0, buf[:bw*bh], bw, bh); err != nil {
				return nil, 0, 0, fmt.Errorf("reading %s window (%d,%d): %w", href, x0, y0, err)
			}
			for row := 0; row < bh; row++ {
				copy(out[(y0+row)*w+x0:(y0+row)*w+x0+bw], buf[row*bw:(row+1)*bw])
			}
		}
	}
	return out, w, h, nil
}

func vsiPath(href string) string {
	switch {
	case strings.HasPrefix(href, "s3://"):
		return "/vsis3/" + strings.TrimPrefix(href, "s3://")
	case strings.HasPrefix(href, "gs://"):
		return "/vsigs/" + strings.TrimPrefix(href, "gs://")
	case strings.HasPrefix(href, "http://"), strings.HasPrefix(href, "https://"):
		return "/vsicurl/" + href
	}
	return href
}

