package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/astroAycha/geospatial-mlops/internal/series"
)

var testAOI = series.AOI{
	Name: "damascus",
	BBox: series.BBox{MinLon: 36.27, MinLat: 33.50, MaxLon: 36.30, MaxLat: 33.53},
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func f(v float64) *float64 { return &v }

func makeBatch(aoi series.AOI, start, end time.Time, days ...time.Time) *series.Batch {
	points := make([]series.Point, 0, len(days))
	for i, d := range days {
		points = append(points, series.Point{
			Time: d,
			Values: map[series.Index]*float64{
				series.NDVI: f(0.1 * float64(i+1)),
				series.BSI:  f(-0.2),
				series.NDMI: nil,
				series.NBR:  f(0.3),
			},
		})
	}
	return series.NewBatch(aoi, start, end, points)
}

// testStoreContract exercises the behavior every Store implementation shares.
func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	wm, err := s.Watermark(ctx, testAOI.Name)
	if err != nil {
		t.Fatalf("Watermark on empty store: %v", err)
	}
	if wm != nil {
		t.Fatalf("Watermark on empty store = %+v, want nil", wm)
	}

	first := makeBatch(testAOI, date(2024, 1, 1), date(2024, 1, 14), date(2024, 1, 1), date(2024, 1, 8))
	if err := s.WriteBatch(ctx, first); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	second := makeBatch(testAOI, date(2024, 1, 15), date(2024, 1, 20), date(2024, 1, 15))
	if err := s.WriteBatch(ctx, second); err != nil {
		t.Fatalf("WriteBatch second: %v", err)
	}

	wm, err = s.Watermark(ctx, testAOI.Name)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm == nil {
		t.Fatal("expected watermark, got nil")
	}
	if !wm.LastDate.Equal(date(2024, 1, 15)) {
		t.Errorf("LastDate = %s, want 2024-01-15", wm.LastDate)
	}
	if math.Abs(wm.BBox.MinLon-testAOI.BBox.MinLon) > 1e-9 || math.Abs(wm.BBox.MaxLat-testAOI.BBox.MaxLat) > 1e-9 {
		t.Errorf("BBox = %+v, want %+v", wm.BBox, testAOI.BBox)
	}

	recs, err := s.ReadSeries(ctx, testAOI.Name, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ReadSeries: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if !recs[i].Time.After(recs[i-1].Time) {
			t.Errorf("records not ordered: %s then %s", recs[i-1].Time, recs[i].Time)
		}
	}
	if v := recs[1].Values[series.NDVI]; v == nil || math.Abs(*v-0.2) > 1e-9 {
		t.Errorf("record 1 ndvi = %v, want 0.2", v)
	}
	if recs[0].Values[series.NDMI] != nil {
		t.Errorf("ndmi = %v, want nil", *recs[0].Values[series.NDMI])
	}
	if recs[0].CRS != series.CRS {
		t.Errorf("crs = %q, want %q", recs[0].CRS, series.CRS)
	}

	recs, err = s.ReadSeries(ctx, testAOI.Name, date(2024, 1, 5), date(2024, 1, 10))
	if err != nil {
		t.Fatalf("ReadSeries range: %v", err)
	}
	if len(recs) != 1 || !recs[0].Time.Equal(date(2024, 1, 8)) {
		t.Errorf("range read = %+v, want the 2024-01-08 record", recs)
	}

	dup := makeBatch(testAOI, date(2024, 1, 1), date(2024, 1, 14), date(2024, 1, 1))
	err = s.WriteBatch(ctx, dup)
	if !errors.Is(err, ErrBatchExists) {
		t.Errorf("duplicate batch error = %v, want ErrBatchExists", err)
	}
	if !errors.Is(err, series.ErrPersistence) {
		t.Errorf("duplicate batch error = %v, want wrapping ErrPersistence", err)
	}
	recs, _ = s.ReadSeries(ctx, testAOI.Name, time.Time{}, time.Time{})
	if len(recs) != 3 {
		t.Errorf("duplicate write changed the corpus: %d records", len(recs))
	}

	other := series.AOI{Name: "vancouver", BBox: series.BBox{MinLon: -123.2, MinLat: 49.2, MaxLon: -123.1, MaxLat: 49.3}}
	if err := s.WriteBatch(ctx, makeBatch(other, date(2024, 1, 1), date(2024, 1, 7), date(2024, 1, 1))); err != nil {
		t.Fatalf("WriteBatch other: %v", err)
	}
	names, err := s.ListAOIs(ctx)
	if err != nil {
		t.Fatalf("ListAOIs: %v", err)
	}
	if len(names) != 2 || names[0] != "damascus" || names[1] != "vancouver" {
		t.Errorf("ListAOIs = %v, want [damascus vancouver]", names)
	}
}

func TestInRange(t *testing.T) {
	from, to := date(2024, 1, 1), date(2024, 1, 31)
	tests := []struct {
		t        time.Time
		from, to time.Time
		want     bool
	}{
		{date(2024, 1, 1), from, to, true},
		{date(2024, 1, 31), from, to, true},
		{date(2023, 12, 31), from, to, false},
		{date(2024, 2, 1), from, to, false},
		{date(1999, 1, 1), time.Time{}, to, true},
		{date(2099, 1, 1), from, time.Time{}, true},
	}
	for _, tt := range tests {
		if got := inRange(tt.t, tt.from, tt.to); got != tt.want {
			t.Errorf("inRange(%s) = %v, want %v", tt.t.Format(time.DateOnly), got, tt.want)
		}
	}
}

func TestReplacePlaceholders(t *testing.T) {
	got := replacePlaceholders("SELECT * FROM batches WHERE aoi_name = ? AND start_date = ?")
	want := "SELECT * FROM batches WHERE aoi_name = $1 AND start_date = $2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
