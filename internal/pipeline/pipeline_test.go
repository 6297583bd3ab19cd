package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/astroAycha/geospatial-mlops/internal/aggregate"
	"github.com/astroAycha/geospatial-mlops/internal/bands"
	"github.com/astroAycha/geospatial-mlops/internal/catalog"
	"github.com/astroAycha/geospatial-mlops/internal/cube"
	"github.com/astroAycha/geospatial-mlops/internal/notify"
	"github.com/astroAycha/geospatial-mlops/internal/raster"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// --- fakes ---

type fakeSearcher struct {
	mu    sync.Mutex
	items []catalog.Item
	err   error
	calls []catalog.SearchRequest
}

func (f *fakeSearcher) Search(_ context.Context, req catalog.SearchRequest) ([]catalog.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.items, f.err
}

// pixel holds uniform band values for one scene.
type pixel struct {
	red, blue, nir, swir1, swir2, quality float64
}

// fakeLoader builds a 2x2 cube per solar day; each day takes the pixel values of its
// first scene.
type fakeLoader struct {
	scenes map[string]pixel
	err    error
	calls  int
	req    cube.LoadRequest
}

func (f *fakeLoader) Load(_ context.Context, items []catalog.Item, req cube.LoadRequest) (*raster.BandSet, error) {
	f.calls++
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	lon, _ := req.BBox.Center()
	groups := cube.GroupBySolarDay(items, lon)
	shape := raster.Shape{T: len(groups), Y: 2, X: 2}
	bs := &raster.BandSet{
		Red: raster.NewCube(shape), Blue: raster.NewCube(shape), NIR: raster.NewCube(shape),
		SWIR1: raster.NewCube(shape), SWIR2: raster.NewCube(shape), Quality: raster.NewCube(shape),
	}
	for t, g := range groups {
		bs.Times = append(bs.Times, g.Day)
		p := f.scenes[g.Items[0].ID]
		for i := range bs.Red.Slice(t) {
			bs.Red.Slice(t)[i] = p.red
			bs.Blue.Slice(t)[i] = p.blue
			bs.NIR.Slice(t)[i] = p.nir
			bs.SWIR1.Slice(t)[i] = p.swir1
			bs.SWIR2.Slice(t)[i] = p.swir2
			bs.Quality.Slice(t)[i] = p.quality
		}
	}
	return bs, nil
}

type fakeStore struct {
	mu        sync.Mutex
	batches   []*series.Batch
	watermark *series.Watermark
	wmErr     error
	writeErr  error
}

func (f *fakeStore) WriteBatch(_ context.Context, b *series.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeStore) Watermark(context.Context, string) (*series.Watermark, error) {
	return f.watermark, f.wmErr
}

func (f *fakeStore) ReadSeries(context.Context, string, time.Time, time.Time) ([]series.Record, error) {
	return nil, nil
}

func (f *fakeStore) ListAOIs(context.Context) ([]string, error) { return nil, nil }
func (f *fakeStore) Close() error { return nil }

type fakePublisher struct {
	events []notify.BatchEvent
}

func (f *fakePublisher) PublishBatch(_ context.Context, ev notify.BatchEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

// --- helpers ---

var (
	testBBox = series.BBox{MinLon: 36.0, MinLat: 33.4, MaxLon: 36.6, MaxLat: 33.6}
	testAOI  = series.AOI{Name: "damascus", BBox: testBBox}
	now      = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	today    = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

func item(id string, ts time.Time) catalog.Item {
	return catalog.Item{ID: id, Collection: "sentinel-2-l2a", Properties: catalog.Properties{Datetime: ts}}
}

func at(d int, h int) time.Time {
	return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC)
}

var (
	sunny   = pixel{red: 0.1, blue: 0.05, nir: 0.5, swir1: 0.3, swir2: 0.2, quality: 4}
	sunny2  = pixel{red: 0.2, blue: 0.05, nir: 0.6, swir1: 0.3, swir2: 0.2, quality: 5}
	clouded = pixel{red: 0.5, blue: 0.5, nir: 0.05, swir1: 0.5, swir2: 0.5, quality: 9}
)

// fiveItems spans three solar days: Jan 3 and Jan 5 (ISO week 1) and Jan 9 (week 2).
func fiveItems() []catalog.Item {
	return []catalog.Item{
		item("a", at(3, 8)), item("b", at(3, 9)),
		item("c", at(5, 8)), item("d", at(5, 9)),
		item("e", at(9, 8)),
	}
}

type fixture struct {
	searcher  *fakeSearcher
	loader    *fakeLoader
	store     *fakeStore
	publisher *fakePublisher
	coord     *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	profile, err := bands.Lookup("sentinel-2")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	f := &fixture{
		searcher: &fakeSearcher{items: fiveItems()},
		loader: &fakeLoader{scenes: map[string]pixel{
			"a": sunny, "b": sunny, "c": sunny2, "d": sunny2, "e": sunny,
		}},
		store:     &fakeStore{},
		publisher: &fakePublisher{},
	}
	f.coord = New(f.searcher, f.loader, f.store, profile,
		Settings{Granularity: aggregate.Week},
		WithClock(func() time.Time { return now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPublisher(f.publisher),
	)
	return f
}

func ndvi(nir, red float64) float64 { return (nir - red) / (nir + red) }

// --- tests ---

func TestExtract_EndToEnd(t *testing.T) {
	f := newFixture(t)
	res, err := f.coord.Extract(context.Background(), testAOI, at(1, 0), today)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(f.searcher.calls) != 1 || f.loader.calls != 1 {
		t.Errorf("searches = %d, loads = %d; want exactly one of each", len(f.searcher.calls), f.loader.calls)
	}
	if got := f.searcher.calls[0].Collections; len(got) != 1 || got[0] != "sentinel-2-l2a" {
		t.Errorf("collections = %v", got)
	}
	if f.loader.req.ResolutionMeters != 20 {
		t.Errorf("resolution = %v, want 20", f.loader.req.ResolutionMeters)
	}

	if len(res.Points) != 2 {
		t.Fatalf("got %d points, want one per ISO week (2)", len(res.Points))
	}
	wantTimes := []time.Time{at(1, 0), at(8, 0)}
	for i, p := range res.Points {
		if !p.Time.Equal(wantTimes[i]) {
			t.Errorf("point %d time = %s, want %s", i, p.Time, wantTimes[i])
		}
		if _, ok := p.Value(series.NDVI); !ok {
			t.Errorf("point %d has no ndvi", i)
		}
	}
	week1 := (ndvi(0.5, 0.1) + ndvi(0.6, 0.2)) / 2
	if v, _ := res.Points[0].Value(series.NDVI); math.Abs(v-week1) > 1e-9 {
		t.Errorf("week 1 ndvi = %v, want %v", v, week1)
	}

	if len(f.store.batches) != 1 {
		t.Fatalf("got %d batches written, want 1", len(f.store.batches))
	}
	b := f.store.batches[0]
	if b.ID != res.BatchID || len(b.Records) != 2 || b.AOIName != "damascus" {
		t.Errorf("batch = %+v", b)
	}
	if !b.CreatedAt.Equal(now) {
		t.Errorf("batch created_at = %s, want injected clock %s", b.CreatedAt, now)
	}
	if len(f.publisher.events) != 1 || f.publisher.events[0].LastDate != "2024-01-08" {
		t.Errorf("events = %+v", f.publisher.events)
	}
	if f.coord.State() != Idle {
		t.Errorf("state = %s, want idle", f.coord.State())
	}
}

func TestExtract_InvalidSceneContributesNoData(t *testing.T) {
	f := newFixture(t)
	f.loader.scenes["c"] = clouded
	f.loader.scenes["d"] = clouded

	res, err := f.coord.Extract(context.Background(), testAOI, at(1, 0), today)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// Week 1 holds Jan 3 (sunny) and Jan 5 (fully clouded): only Jan 3 counts.
	if v, _ := res.Points[0].Value(series.NDVI); math.Abs(v-ndvi(0.5, 0.1)) > 1e-9 {
		t.Errorf("week 1 ndvi = %v, want %v (clouded scene excluded)", v, ndvi(0.5, 0.1))
	}
}

func TestExtract_FullyCloudedWeekKeepsNullValue(t *testing.T) {
	f := newFixture(t)
	f.loader.scenes["e"] = clouded

	res, err := f.coord.Extract(context.Background(), testAOI, at(1, 0), today)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Points) != 2 {
		t.Fatalf("got %d points, want 2", len(res.Points))
	}
	if _, ok := res.Points[1].Value(series.NDVI); ok {
		t.Error("fully clouded week should keep a null ndvi")
	}
}

func TestExtract_NoItems(t *testing.T) {
	f := newFixture(t)
	f.searcher.items = nil

	_, err := f.coord.Extract(context.Background(), testAOI, at(1, 0), today)
	if !errors.Is(err, series.ErrNoDataFound) {
		t.Errorf("error = %v, want ErrNoDataFound", err)
	}
	if f.loader.calls != 0 {
		t.Error("loader should not be called without items")
	}
	if len(f.store.batches) != 0 {
		t.Error("no batch should be written")
	}
	if f.coord.State() != Failed {
		t.Errorf("state = %s, want failed", f.coord.State())
	}
}

func TestExtract_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.coord.Extract(ctx, testAOI, today, at(1, 0)); !errors.Is(err, series.ErrInvalidArgument) {
		t.Errorf("start after end: error = %v, want ErrInvalidArgument", err)
	}
	bad := series.AOI{Name: "x", BBox: series.BBox{MinLon: 36.6, MinLat: 33.4, MaxLon: 36.0, MaxLat: 33.6}}
	if _, err := f.coord.Extract(ctx, bad, at(1, 0), today); !errors.Is(err, series.ErrInvalidArgument) {
		t.Errorf("inverted bbox: error = %v, want ErrInvalidArgument", err)
	}
	if _, err := f.coord.ExtractPoint(ctx, "x", 33.5, 36.3, -5, at(1, 0), today); !errors.Is(err, series.ErrInvalidArgument) {
		t.Errorf("negative radius: error = %v, want ErrInvalidArgument", err)
	}
	escaping := series.AOI{Name: "../escaped", BBox: testAOI.BBox}
	if _, err := f.coord.Extract(ctx, escaping, at(1, 0), today); !errors.Is(err, series.ErrInvalidArgument) {
		t.Errorf("path-like name: error = %v, want ErrInvalidArgument", err)
	}
	if len(f.searcher.calls) != 0 {
		t.Errorf("invalid arguments issued %d searches, want 0", len(f.searcher.calls))
	}
}

func TestExtract_UpstreamFailure(t *testing.T) {
	t.Run("search", func(t *testing.T) {
		f := newFixture(t)
		f.searcher.err = errors.New("connection reset")
		_, err := f.coord.Extract(context.Background(), testAOI, at(1, 0), today)
		if !errors.Is(err, series.ErrUpstreamUnavailable) {
			t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
		}
	})
	t.Run("load", func(t *testing.T) {
		f := newFixture(t)
		f.loader.err = errors.New("vsicurl: 403")
		_, err := f.coord.Extract(context.Background(), testAOI, at(1, 0), today)
		if !errors.Is(err, series.ErrUpstreamUnavailable) {
			t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
		}
		if len(f.store.batches) != 0 {
			t.Error("no batch should be written")
		}
	})
}

func TestExtract_PersistenceFailureReturnsResult(t *testing.T) {
	f := newFixture(t)
	f.store.writeErr = errors.New("bucket not writable")

	res, err := f.coord.Extract(context.Background(), testAOI, at(1, 0), today)
	if !errors.Is(err, series.ErrPersistence) {
		t.Fatalf("error = %v, want ErrPersistence", err)
	}
	if res == nil || len(res.Points) != 2 {
		t.Fatalf("computed result should still be returned, got %+v", res)
	}
	if len(f.publisher.events) != 0 {
		t.Error("no event should be published for an unpersisted batch")
	}
}

func TestExtractPoint(t *testing.T) {
	f := newFixture(t)
	res, err := f.coord.ExtractPoint(context.Background(), "damascus", 33.5138, 36.2765, 1000, at(1, 0), today)
	if err != nil {
		t.Fatalf("ExtractPoint: %v", err)
	}
	if !res.AOI.BBox.Contains(36.2765, 33.5138) {
		t.Errorf("bbox %v does not contain the point", res.AOI.BBox)
	}
	if f.searcher.calls[0].BBox != res.AOI.BBox {
		t.Errorf("search bbox = %v, want %v", f.searcher.calls[0].BBox, res.AOI.BBox)
	}
}

func TestUpdate_NoOpWhenCurrent(t *testing.T) {
	f := newFixture(t)
	f.store.watermark = &series.Watermark{AOIName: "damascus", LastDate: today, BBox: testBBox}

	res, err := f.coord.Update(context.Background(), "damascus")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.NoOp {
		t.Error("expected NoOp result")
	}
	if len(f.searcher.calls) != 0 {
		t.Errorf("issued %d searches, want 0", len(f.searcher.calls))
	}
	if len(f.store.batches) != 0 {
		t.Error("no batch should be written")
	}
}

func TestUpdate_ExtractsFromDayAfterWatermark(t *testing.T) {
	f := newFixture(t)
	f.store.watermark = &series.Watermark{AOIName: "damascus", LastDate: today.AddDate(0, 0, -3), BBox: testBBox}
	f.searcher.items = []catalog.Item{item("e", time.Date(2024, 1, 30, 8, 0, 0, 0, time.UTC))}

	res, err := f.coord.Update(context.Background(), "damascus")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(f.searcher.calls) != 1 {
		t.Fatalf("issued %d searches, want 1", len(f.searcher.calls))
	}
	call := f.searcher.calls[0]
	if want := today.AddDate(0, 0, -2); !call.Start.Equal(want) {
		t.Errorf("search start = %s, want %s", call.Start, want)
	}
	if !call.End.Equal(today) {
		t.Errorf("search end = %s, want %s", call.End, today)
	}
	if call.BBox != testBBox {
		t.Errorf("search bbox = %v, want watermark bbox", call.BBox)
	}
	if res.NoOp || len(f.store.batches) != 1 {
		t.Errorf("expected one new batch, got noop=%v batches=%d", res.NoOp, len(f.store.batches))
	}
	if b := f.store.batches[0]; !b.Start.Equal(call.Start) || !b.End.Equal(today) {
		t.Errorf("batch range = %s..%s", b.Start, b.End)
	}
	// The only bucket starts before the range and is labeled with the range start.
	if len(res.Points) != 1 || !res.Points[0].Time.Equal(call.Start) {
		t.Errorf("points = %+v", res.Points)
	}
}

func TestUpdate_WatermarkReadFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.store.wmErr = errors.New("permission denied")

	_, err := f.coord.Update(context.Background(), "damascus")
	if !errors.Is(err, series.ErrPersistence) {
		t.Errorf("error = %v, want ErrPersistence", err)
	}
	if len(f.searcher.calls) != 0 || f.loader.calls != 0 {
		t.Error("no extraction should be attempted after a watermark read failure")
	}
}

func TestUpdate_UnknownAOI(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Update(context.Background(), "nowhere")
	if !errors.Is(err, series.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
	if len(f.searcher.calls) != 0 {
		t.Error("no search should be issued")
	}
}

func TestMissingPerIndex(t *testing.T) {
	v := 0.5
	points := []series.Point{
		{Values: map[series.Index]*float64{series.NDVI: &v, series.NBR: nil}},
		{Values: map[series.Index]*float64{series.NDVI: nil, series.NBR: nil}},
	}
	got := missingPerIndex(points, []series.Index{series.NDVI, series.NBR})
	if got[series.NDVI] != 1 || got[series.NBR] != 2 {
		t.Errorf("missing = %v", got)
	}
}
