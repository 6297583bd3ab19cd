package series

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestParseBBox(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    BBox
		wantErr bool
	}{
		{name: "valid", in: "36.1,33.4,36.2,33.5", want: BBox{36.1, 33.4, 36.2, 33.5}},
		{name: "spaces", in: " 36.1, 33.4 ,36.2,33.5", want: BBox{36.1, 33.4, 36.2, 33.5}},
		{name: "three values", in: "36.1,33.4,36.2", wantErr: true},
		{name: "not a number", in: "a,33.4,36.2,33.5", wantErr: true},
		{name: "inverted", in: "36.2,33.4,36.1,33.5", wantErr: true},
		{name: "out of domain", in: "170,33.4,181,33.5", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBBox(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("err = %v, want ErrInvalidArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseBBox: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBBox_ValidateNonFinite(t *testing.T) {
	b := BBox{MinLon: math.NaN(), MinLat: 0, MaxLon: 1, MaxLat: 1}
	if err := b.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Validate() = %v, want ErrInvalidArgument", err)
	}
}

func TestParseIndex(t *testing.T) {
	if idx, err := ParseIndex(" NDVI "); err != nil || idx != NDVI {
		t.Errorf("ParseIndex(NDVI) = %q, %v", idx, err)
	}
	if _, err := ParseIndex("evi"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseIndex(evi) err = %v, want ErrInvalidArgument", err)
	}
}

func TestDate(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	got := Date(time.Date(2024, 1, 2, 1, 30, 0, 0, loc))
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Date() = %s, want %s", got, want)
	}
}

func TestFloat(t *testing.T) {
	if Float(math.NaN()) != nil {
		t.Error("Float(NaN) should be nil")
	}
	if v := Float(0.25); v == nil || *v != 0.25 {
		t.Errorf("Float(0.25) = %v", v)
	}
}

func TestNewBatch(t *testing.T) {
	aoi := AOI{Name: "damascus", BBox: BBox{36.26, 33.50, 36.29, 33.52}}
	start := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	b := NewBatch(aoi, start, end, []Point{{Time: start, Values: map[Index]*float64{NDVI: Float(0.3)}}})

	if b.FileName() != "indices_time_series_2024-01-01_to_2024-01-31" {
		t.Errorf("FileName() = %q", b.FileName())
	}
	if len(b.Records) != 1 || b.Records[0].AOIName != "damascus" || b.Records[0].CRS != CRS {
		t.Errorf("records = %+v", b.Records)
	}
	if b.BBox != aoi.BBox {
		t.Errorf("bbox = %v, want %v", b.BBox, aoi.BBox)
	}
}

func TestValidateAOIName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{"damascus", false},
		{"field-7.north", false},
		{"a..b", false},
		{".", true},
		{"..", true},
		{"../escaped", true},
		{"a/b", true},
		{`a\b`, true},
		{"nul\x00byte", true},
	}
	for _, tt := range tests {
		err := ValidateAOIName(tt.name)
		if tt.wantErr && !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ValidateAOIName(%q) = %v, want ErrInvalidArgument", tt.name, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("ValidateAOIName(%q) = %v, want nil", tt.name, err)
		}
	}
}
