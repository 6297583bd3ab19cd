package mask

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/astroAycha/geospatial-mlops/internal/bands"
	"github.com/astroAycha/geospatial-mlops/internal/raster"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// newBandSet builds a 1x2x2 band set with uniform spectral values and the given quality codes.
func newBandSet(quality []float64) *raster.BandSet {
	s := raster.Shape{T: 1, Y: 2, X: 2}
	fill := func(v float64) *raster.Cube { return raster.NewCubeFilled(s, v) }
	q := raster.NewCube(s)
	copy(q.Data, quality)
	return &raster.BandSet{
		Times:   []time.Time{time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
		Red:     fill(500),
		Blue:    fill(300),
		NIR:     fill(2500),
		SWIR1:   fill(1500),
		SWIR2:   fill(900),
		Quality: q,
	}
}

func TestApply_MasksInvalidCodes(t *testing.T) {
	p, _ := bands.Lookup("sentinel-2")
	// 4 = vegetation (valid), 9 = cloud high probability, 3 = cloud shadow, 5 = bare soil.
	bs := newBandSet([]float64{4, 9, 3, 5})

	out, err := Apply(bs, p)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Quality != nil {
		t.Error("quality band should be dropped")
	}
	for _, c := range out.Spectral() {
		wantNaN := []bool{false, true, true, false}
		for i, v := range c.Data {
			if math.IsNaN(v) != wantNaN[i] {
				t.Errorf("cell %d = %v, want NaN=%v", i, v, wantNaN[i])
			}
		}
	}
}

func TestApply_NoObservationSentinel(t *testing.T) {
	p, _ := bands.Lookup("sentinel-2")
	bs := newBandSet([]float64{4, 4, 4, 4})
	bs.NIR.Data[2] = 0

	out, err := Apply(bs, p)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !math.IsNaN(out.NIR.Data[2]) {
		t.Errorf("nir[2] = %v, want NaN", out.NIR.Data[2])
	}
	if math.IsNaN(out.Red.Data[2]) {
		t.Error("sentinel in one band should not mask other bands")
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	p, _ := bands.Lookup("hls")
	bs := newBandSet([]float64{1, 2, 3, 4})
	before := bs.Red.Clone()

	if _, err := Apply(bs, p); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bs.Red.Equal(before) {
		t.Error("input red band was mutated")
	}
	if bs.Quality == nil {
		t.Error("input quality band was dropped")
	}
}

func TestApply_Idempotent(t *testing.T) {
	p, _ := bands.Lookup("sentinel-2")
	bs := newBandSet([]float64{4, 9, 10, 6})
	bs.Blue.Data[0] = 0

	once, err := Apply(bs, p)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	twice, err := Apply(once, p)
	if err != nil {
		t.Fatalf("Apply (second): %v", err)
	}
	for i, c := range once.Spectral() {
		if !c.Equal(twice.Spectral()[i]) {
			t.Errorf("band %d differs after re-masking", i)
		}
	}
}

func TestApply_ShapeMismatch(t *testing.T) {
	p, _ := bands.Lookup("sentinel-2")
	bs := newBandSet([]float64{4, 4, 4, 4})
	bs.SWIR1 = raster.NewCube(raster.Shape{T: 2, Y: 2, X: 2})

	_, err := Apply(bs, p)
	if !errors.Is(err, series.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestValidFraction(t *testing.T) {
	c := raster.NewCubeFilled(raster.Shape{T: 1, Y: 1, X: 4}, 1)
	c.Data[0] = math.NaN()
	if got := ValidFraction(c); got != 0.75 {
		t.Errorf("ValidFraction = %v, want 0.75", got)
	}
}
