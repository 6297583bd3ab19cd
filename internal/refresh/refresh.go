// Package refresh keeps the configured AOIs' series current.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astroAycha/geospatial-mlops/internal/pipeline"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

const defaultBootstrapDays = 365

// Runner is the part of the pipeline coordinator the refresher drives.
type Runner interface {
	Extract(ctx context.Context, aoi series.AOI, start, end time.Time) (*pipeline.Result, error)
	Update(ctx context.Context, aoiName string) (*pipeline.Result, error)
	Today() time.Time
}

// WatermarkReader reports how far an AOI's persisted series reaches.
type WatermarkReader interface {
	Watermark(ctx context.Context, aoiName string) (*series.Watermark, error)
}

// AOIStatus tracks the refresh state of one AOI.
type AOIStatus struct {
	Name          string    `json:"name"`
	Running       bool      `json:"running"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	LastPointDate string    `json:"last_point_date,omitempty"`
	LastBatchID   string    `json:"last_batch_id,omitempty"`
	ErrorCount    int       `json:"error_count"`
	LastError     string    `json:"last_error,omitempty"`
}

// Refresher runs updates for a fixed set of AOIs, one at a time.
type Refresher struct {
	runner        Runner
	watermarks    WatermarkReader
	logger        *slog.Logger
	interval      time.Duration
	onStartup     bool
	bootstrapDays int

	mu       sync.Mutex
	aois     []series.AOI
	statuses map[string]*AOIStatus
	locks    map[string]*aoiLock
}

// aoiLock serializes work on one AOI. refs counts holders and waiters so locks of
// unregistered names can be dropped once idle.
type aoiLock struct {
	sync.Mutex
	refs int
}

// Options tune a Refresher. A zero Interval disables periodic runs.
type Options struct {
	Interval      time.Duration
	OnStartup     bool
	BootstrapDays int
}

// New creates a refresher.
func New(r Runner, wm WatermarkReader, opts Options, logger *slog.Logger) *Refresher {
	if opts.BootstrapDays <= 0 {
		opts.BootstrapDays = defaultBootstrapDays
	}
	return &Refresher{
		runner:        r,
		watermarks:    wm,
		logger:        logger,
		interval:      opts.Interval,
		onStartup:     opts.OnStartup,
		bootstrapDays: opts.BootstrapDays,
		statuses:      make(map[string]*AOIStatus),
		locks:         make(map[string]*aoiLock),
	}
}

// AddAOI registers an AOI to keep current.
func (r *Refresher) AddAOI(aoi series.AOI) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.aois = append(r.aois, aoi)
	r.statuses[aoi.Name] = &AOIStatus{Name: aoi.Name}
}

// Start refreshes on startup if enabled, then every interval, and blocks until the
// context is cancelled.
func (r *Refresher) Start(ctx context.Context) error {
	if r.onStartup {
		r.RunOnce(ctx)
	}
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce refreshes every registered AOI sequentially. Failures are recorded in the
// AOI's status and do not stop the remaining AOIs.
func (r *Refresher) RunOnce(ctx context.Context) {
	r.mu.Lock()
	aois := append([]series.AOI(nil), r.aois...)
	r.mu.Unlock()

	for _, aoi := range aois {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.refresh(ctx, aoi); err != nil {
			r.logger.Error("refresh failed", "aoi", aoi.Name, "error", err)
		}
	}
}

// Update runs an incremental update of a persisted AOI, serialized with any refresh of
// the same AOI. Only registered AOIs have their outcome recorded in Status.
func (r *Refresher) Update(ctx context.Context, aoiName string) (*pipeline.Result, error) {
	unlock := r.lock(aoiName)
	defer unlock()

	r.begin(aoiName)
	res, err := r.runner.Update(ctx, aoiName)
	r.finish(aoiName, res, err)
	return res, err
}

func (r *Refresher) refresh(ctx context.Context, aoi series.AOI) (*pipeline.Result, error) {
	unlock := r.lock(aoi.Name)
	defer unlock()

	r.begin(aoi.Name)
	res, err := r.refreshLocked(ctx, aoi)
	r.finish(aoi.Name, res, err)
	return res, err
}

func (r *Refresher) refreshLocked(ctx context.Context, aoi series.AOI) (*pipeline.Result, error) {
	wm, err := r.watermarks.Watermark(ctx, aoi.Name)
	if err != nil {
		return nil, fmt.Errorf("reading watermark: %w", err)
	}

	if wm == nil {
		today := r.runner.Today()
		from := today.AddDate(0, 0, -r.bootstrapDays)
		r.logger.Info("no existing series, bootstrapping",
			"aoi", aoi.Name,
			"days", r.bootstrapDays,
			"from", from.Format(time.DateOnly),
		)
		return r.runner.Extract(ctx, aoi, from, today)
	}

	r.logger.Info("updating series", "aoi", aoi.Name, "watermark", wm.LastDate.Format(time.DateOnly))
	return r.runner.Update(ctx, aoi.Name)
}

// lock serializes work on one AOI.
func (r *Refresher) lock(name string) func() {
	r.mu.Lock()
	l, ok := r.locks[name]
	if !ok {
		l = &aoiLock{}
		r.locks[name] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		r.mu.Lock()
		defer r.mu.Unlock()
		l.refs--
		if _, registered := r.statuses[name]; l.refs == 0 && !registered {
			delete(r.locks, name)
		}
	}
}

func (r *Refresher) begin(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[name]; ok {
		s.Running = true
	}
}

func (r *Refresher) finish(name string, res *pipeline.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.statuses[name]
	if !ok {
		return
	}
	s.Running = false
	s.LastRunAt = time.Now().UTC()
	if err != nil {
		s.ErrorCount++
		s.LastError = err.Error()
		return
	}
	s.LastError = ""
	if res == nil || res.NoOp {
		return
	}
	s.LastBatchID = res.BatchID.String()
	if n := len(res.Points); n > 0 {
		s.LastPointDate = res.Points[n-1].Time.Format(time.DateOnly)
	}
}

// Status returns a snapshot of all AOI statuses ordered by name.
func (r *Refresher) Status() []AOIStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AOIStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
