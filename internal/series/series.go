// Package series holds the data model shared by the extraction pipeline and its stores.
package series

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CRS is the coordinate reference system of every persisted geometry.
const CRS = "EPSG:4326"

// BBox is a geographic bounding box in EPSG:4326 degrees.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Validate checks ordering and the WGS84 domain.
func (b BBox) Validate() error {
	for _, v := range []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bbox %v has non-finite coordinate: %w", b, ErrInvalidArgument)
		}
	}
	if b.MinLon < -180 || b.MaxLon > 180 || b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("bbox %v outside [-180,180]x[-90,90]: %w", b, ErrInvalidArgument)
	}
	if b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat {
		return fmt.Errorf("bbox %v is empty or inverted: %w", b, ErrInvalidArgument)
	}
	return nil
}

// Contains reports whether (lon, lat) lies inside the box, edges included.
func (b BBox) Contains(lon, lat float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// Center returns the box midpoint as (lon, lat).
func (b BBox) Center() (lon, lat float64) {
	return (b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2
}

// Slice returns the box as [minLon, minLat, maxLon, maxLat], the STAC order.
func (b BBox) Slice() []float64 {
	return []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

// ParseBBox parses "minLon,minLat,maxLon,maxLat".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("bbox %q: want 4 comma-separated values: %w", s, ErrInvalidArgument)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("bbox %q: %v: %w", s, err, ErrInvalidArgument)
		}
		v[i] = f
	}
	b := BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	return b, b.Validate()
}

func (b BBox) String() string {
	return fmt.Sprintf("(%g, %g, %g, %g)", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

// AOI is an area of interest. Name is optional.
type AOI struct {
	Name string `json:"name,omitempty"`
	BBox BBox   `json:"bbox"`
}

// ValidateAOIName rejects names that cannot be used as a single directory level.
// An empty name is valid and selects the flat layout.
func ValidateAOIName(name string) error {
	switch {
	case name == "":
		return nil
	case name == "." || name == "..":
		return fmt.Errorf("aoi name %q is reserved: %w", name, ErrInvalidArgument)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("aoi name %q must not contain path separators: %w", name, ErrInvalidArgument)
	}
	return nil
}

// Index names a spectral index.
type Index string

const (
	NDVI Index = "ndvi"
	BSI  Index = "bsi"
	NDMI Index = "ndmi"
	NBR  Index = "nbr"
)

// AllIndices lists every supported index in column order.
var AllIndices = []Index{NDVI, BSI, NDMI, NBR}

// ParseIndex resolves a case-insensitive index name.
func ParseIndex(s string) (Index, error) {
	idx := Index(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllIndices {
		if idx == known {
			return idx, nil
		}
	}
	return "", fmt.Errorf("unknown index %q: %w", s, ErrInvalidArgument)
}

// Point is one aggregated bucket. A nil value means no valid pixel contributed.
type Point struct {
	Time   time.Time          `json:"time"`
	Values map[Index]*float64 `json:"values"`
}

// Value returns the index value and whether it is present.
func (p Point) Value(idx Index) (float64, bool) {
	v, ok := p.Values[idx]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Record is the persisted unit: one point of one AOI.
type Record struct {
	AOIName string             `json:"aoi_name,omitempty"`
	Time    time.Time          `json:"time"`
	Values  map[Index]*float64 `json:"values"`
	BBox    BBox               `json:"bbox"`
	CRS     string             `json:"crs"`
}

// Batch is one immutable append to the persisted corpus of an AOI.
type Batch struct {
	ID        uuid.UUID
	AOIName   string
	Start     time.Time
	End       time.Time
	BBox      BBox
	Records   []Record
	CreatedAt time.Time
}

// NewBatch builds the records for points extracted over [start, end].
func NewBatch(aoi AOI, start, end time.Time, points []Point) *Batch {
	recs := make([]Record, 0, len(points))
	for _, p := range points {
		recs = append(recs, Record{
			AOIName: aoi.Name,
			Time:    p.Time,
			Values:  p.Values,
			BBox:    aoi.BBox,
			CRS:     CRS,
		})
	}
	return &Batch{
		ID:        uuid.New(),
		AOIName:   aoi.Name,
		Start:     Date(start),
		End:       Date(end),
		BBox:      aoi.BBox,
		Records:   recs,
		CreatedAt: time.Now().UTC(),
	}
}

// FileName is the batch file stem: indices_time_series_{start}_to_{end}.
func (b *Batch) FileName() string {
	return fmt.Sprintf("indices_time_series_%s_to_%s", b.Start.Format(time.DateOnly), b.End.Format(time.DateOnly))
}

// Watermark is derived from the persisted corpus of one AOI, never stored.
type Watermark struct {
	AOIName  string    `json:"aoi_name"`
	LastDate time.Time `json:"last_date"`
	BBox     BBox      `json:"bbox"`
}

// Date truncates t to its UTC calendar date.
func Date(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Float returns a pointer to v, or nil when v is NaN.
func Float(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
