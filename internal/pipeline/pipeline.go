// Package pipeline drives extraction and incremental updates of AOI index series.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astroAycha/geospatial-mlops/internal/aggregate"
	"github.com/astroAycha/geospatial-mlops/internal/bands"
	"github.com/astroAycha/geospatial-mlops/internal/catalog"
	"github.com/astroAycha/geospatial-mlops/internal/cube"
	"github.com/astroAycha/geospatial-mlops/internal/geometry"
	"github.com/astroAycha/geospatial-mlops/internal/indices"
	"github.com/astroAycha/geospatial-mlops/internal/mask"
	"github.com/astroAycha/geospatial-mlops/internal/notify"
	"github.com/astroAycha/geospatial-mlops/internal/series"
	"github.com/astroAycha/geospatial-mlops/internal/store"
)

// State is a pipeline stage.
type State string

const (
	Idle        State = "idle"
	Searching   State = "searching"
	Loading     State = "loading"
	Masking     State = "masking"
	Indexing    State = "indexing"
	Aggregating State = "aggregating"
	Persisting  State = "persisting"
	Failed      State = "failed"
)

// Result is the outcome of one extraction or update.
type Result struct {
	AOI     series.AOI     `json:"aoi"`
	Start   time.Time      `json:"start"`
	End     time.Time      `json:"end"`
	Points  []series.Point `json:"points"`
	BatchID uuid.UUID      `json:"batch_id"`
	NoOp    bool           `json:"noop"`
}

// Settings tune the extraction.
type Settings struct {
	Granularity      aggregate.Granularity
	Indices          []series.Index
	ResolutionMeters float64
	TileSize         int
	Workers          int
	FillGaps         bool
}

// Coordinator runs the search → load → mask → index → aggregate → persist pipeline.
// Concurrent updates of the same AOI must be serialized by the caller.
type Coordinator struct {
	catalog   catalog.Searcher
	loader    cube.Loader
	store     store.Store
	profile   bands.Profile
	settings  Settings
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	state State
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now, which determines "today" for updates.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithPublisher announces every persisted batch.
func WithPublisher(p notify.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// New creates a coordinator. Zero settings fall back to weekly buckets, all four
// indices, 20 m resolution and four index workers.
func New(searcher catalog.Searcher, loader cube.Loader, st store.Store, profile bands.Profile, settings Settings, opts ...Option) *Coordinator {
	if settings.Granularity == "" {
		settings.Granularity = aggregate.Week
	}
	if len(settings.Indices) == 0 {
		settings.Indices = series.AllIndices
	}
	if settings.ResolutionMeters <= 0 {
		settings.ResolutionMeters = cube.DefaultResolution
	}
	if settings.TileSize <= 0 {
		settings.TileSize = cube.DefaultTileSize
	}
	if settings.Workers <= 0 {
		settings.Workers = indices.DefaultWorkers
	}

	c := &Coordinator{
		catalog:   searcher,
		loader:    loader,
		store:     st,
		profile:   profile,
		settings:  settings,
		publisher: notify.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
		state:     Idle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current pipeline stage.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	stateTransitions.WithLabelValues(string(s)).Inc()
	c.logger.Debug("pipeline state", "from", prev, "to", s)
}

// Today returns the current UTC date.
func (c *Coordinator) Today() time.Time {
	return series.Date(c.now())
}

// Extract runs the full pipeline for aoi over [start, end] and appends the result as a
// new batch. When only the write fails, the computed result is returned together with
// an error wrapping series.ErrPersistence.
func (c *Coordinator) Extract(ctx context.Context, aoi series.AOI, start, end time.Time) (*Result, error) {
	began := time.Now()
	res, err := c.extract(ctx, aoi, start, end)
	extractionDuration.Observe(time.Since(began).Seconds())

	switch {
	case err == nil:
		extractions.WithLabelValues("ok").Inc()
		c.setState(Idle)
	default:
		extractions.WithLabelValues(outcome(err)).Inc()
		c.setState(Failed)
	}
	return res, err
}

func (c *Coordinator) extract(ctx context.Context, aoi series.AOI, start, end time.Time) (*Result, error) {
	if err := series.ValidateAOIName(aoi.Name); err != nil {
		return nil, err
	}
	if err := aoi.BBox.Validate(); err != nil {
		return nil, err
	}
	start, end = series.Date(start), series.Date(end)
	if start.After(end) {
		return nil, fmt.Errorf("start %s after end %s: %w",
			start.Format(time.DateOnly), end.Format(time.DateOnly), series.ErrInvalidArgument)
	}

	log := c.logger.With("aoi", aoi.Name, "start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly))

	c.setState(Searching)
	items, err := c.catalog.Search(ctx, catalog.SearchRequest{
		Collections: c.profile.Collections,
		BBox:        aoi.BBox,
		Start:       start,
		End:         end,
	})
	if err != nil {
		return nil, upstream("searching catalog", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no %s items for %s between %s and %s: %w",
			c.profile.Source, aoi.BBox, start.Format(time.DateOnly), end.Format(time.DateOnly), series.ErrNoDataFound)
	}
	log.Info("catalog items found", "items", len(items))

	c.setState(Loading)
	bs, err := c.loader.Load(ctx, items, cube.LoadRequest{
		Assets:           c.profile.Assets,
		BBox:             aoi.BBox,
		ResolutionMeters: c.settings.ResolutionMeters,
		TileSize:         c.settings.TileSize,
		NoData:           c.profile.NoDataValue,
	})
	if err != nil {
		return nil, upstream("loading cube", err)
	}

	c.setState(Masking)
	masked, err := mask.Apply(bs, c.profile)
	if err != nil {
		return nil, err
	}
	log.Info("clouds masked", "days", len(masked.Times), "clear_fraction", mask.ValidFraction(masked.Red))

	c.setState(Indexing)
	cubes, err := indices.Compute(ctx, masked, c.settings.Indices, c.settings.Workers)
	if err != nil {
		return nil, err
	}

	c.setState(Aggregating)
	points, err := aggregate.Aggregate(masked.Times, cubes, aggregate.Bucketing{
		Granularity: c.settings.Granularity,
		Start:       start,
		End:         end,
		FillGaps:    c.settings.FillGaps,
	})
	if err != nil {
		return nil, err
	}

	batch := series.NewBatch(aoi, start, end, points)
	batch.CreatedAt = c.now().UTC()
	res := &Result{AOI: aoi, Start: start, End: end, Points: points, BatchID: batch.ID}

	missing := missingPerIndex(points, c.settings.Indices)
	for idx, n := range missing {
		missingValues.WithLabelValues(string(idx)).Add(float64(n))
	}
	log.Info("series aggregated",
		"granularity", c.settings.Granularity,
		"records", len(points),
		"missing", missing,
	)

	c.setState(Persisting)
	if err := c.store.WriteBatch(ctx, batch); err != nil {
		if !errors.Is(err, series.ErrPersistence) {
			err = fmt.Errorf("%w: %w", series.ErrPersistence, err)
		}
		return res, fmt.Errorf("persisting batch %s: %w", batch.ID, err)
	}
	pointsWritten.Add(float64(len(points)))
	log.Info("batch persisted", "batch_id", batch.ID, "records", len(points))

	c.announce(ctx, batch)
	return res, nil
}

// Update extends the persisted series of aoiName from the day after its watermark to
// today. A series that is already current yields a NoOp result without searching.
func (c *Coordinator) Update(ctx context.Context, aoiName string) (*Result, error) {
	wm, err := c.store.Watermark(ctx, aoiName)
	if err != nil {
		c.setState(Failed)
		extractions.WithLabelValues("persistence").Inc()
		if !errors.Is(err, series.ErrPersistence) {
			err = fmt.Errorf("%w: %w", series.ErrPersistence, err)
		}
		return nil, fmt.Errorf("reading watermark for %s: %w", aoiName, err)
	}
	if wm == nil {
		return nil, fmt.Errorf("no persisted series for %q: %w", aoiName, series.ErrInvalidArgument)
	}

	aoi := series.AOI{Name: aoiName, BBox: wm.BBox}
	today := c.Today()
	if !wm.LastDate.Before(today) {
		c.logger.Info("series already current", "aoi", aoiName, "watermark", wm.LastDate.Format(time.DateOnly))
		extractions.WithLabelValues("noop").Inc()
		return &Result{AOI: aoi, Start: wm.LastDate, End: today, NoOp: true}, nil
	}
	return c.Extract(ctx, aoi, wm.LastDate.AddDate(0, 0, 1), today)
}

// ExtractPoint buffers (lat, lon) by radiusMeters and extracts the resulting AOI.
func (c *Coordinator) ExtractPoint(ctx context.Context, name string, lat, lon, radiusMeters float64, start, end time.Time) (*Result, error) {
	bbox, err := geometry.BuildBBox(lat, lon, radiusMeters)
	if err != nil {
		return nil, err
	}
	return c.Extract(ctx, series.AOI{Name: name, BBox: bbox}, start, end)
}

func (c *Coordinator) announce(ctx context.Context, b *series.Batch) {
	ev := notify.BatchEvent{
		AOIName: b.AOIName,
		BatchID: b.ID.String(),
		Start:   b.Start.Format(time.DateOnly),
		End:     b.End.Format(time.DateOnly),
		Points:  len(b.Records),
	}
	if n := len(b.Records); n > 0 {
		ev.LastDate = b.Records[n-1].Time.Format(time.DateOnly)
	}
	if err := c.publisher.PublishBatch(ctx, ev); err != nil {
		c.logger.Warn("publishing batch event", "batch_id", ev.BatchID, "error", err)
	}
}

func missingPerIndex(points []series.Point, enabled []series.Index) map[series.Index]int {
	out := make(map[series.Index]int, len(enabled))
	for _, idx := range enabled {
		out[idx] = 0
		for _, p := range points {
			if _, ok := p.Value(idx); !ok {
				out[idx]++
			}
		}
	}
	return out
}

// upstream classifies collaborator failures. Invalid arguments and cancellation pass
// through unchanged.
func upstream(op string, err error) error {
	switch {
	case errors.Is(err, series.ErrUpstreamUnavailable),
		errors.Is(err, series.ErrInvalidArgument),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, series.ErrUpstreamUnavailable, err)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, series.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, series.ErrNoDataFound):
		return "no_data"
	case errors.Is(err, series.ErrUpstreamUnavailable):
		return "upstream"
	case errors.Is(err, series.ErrPersistence):
		return "persistence"
	default:
		return "error"
	}
}
