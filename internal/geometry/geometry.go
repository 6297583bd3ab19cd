// Package geometry derives AOI bounding boxes and encodes the persisted geometry column.
package geometry

import (
	"encoding/binary"
	"fmt"
	"math"

	UTM "github.com/im7mortal/UTM"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// discVertices is the number of vertices used to approximate the buffer disc.
const discVertices = 64

// Zone identifies a UTM projection.
type Zone struct {
	Number int
	Letter string
}

// North reports whether the zone lies in the northern hemisphere.
func (z Zone) North() bool { return z.Letter >= "N" }

// EPSG returns the WGS84 / UTM EPSG code (326xx north, 327xx south).
func (z Zone) EPSG() int {
	if z.North() {
		return 32600 + z.Number
	}
	return 32700 + z.Number
}

// UTMZone selects the UTM zone for a point, including the Norway and Svalbard exceptions.
func UTMZone(lat, lon float64) (Zone, error) {
	_, _, num, letter, err := UTM.FromLatLon(lat, lon, lat >= 0)
	if err != nil {
		return Zone{}, fmt.Errorf("selecting utm zone for (%g, %g): %v: %w", lat, lon, err, series.ErrInvalidArgument)
	}
	return Zone{Number: num, Letter: letter}, nil
}

// BuildBBox buffers the point (lat, lon) by radiusMeters in its local UTM projection and
// returns the geographic envelope of the buffered disc.
func BuildBBox(lat, lon, radiusMeters float64) (series.BBox, error) {
	if !(radiusMeters > 0) || math.IsInf(radiusMeters, 0) {
		return series.BBox{}, fmt.Errorf("radius must be a positive value, got %g: %w", radiusMeters, series.ErrInvalidArgument)
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || lon < -180 || lon > 180 {
		return series.BBox{}, fmt.Errorf("point (%g, %g) outside the geographic domain: %w", lat, lon, series.ErrInvalidArgument)
	}

	north := lat >= 0
	easting, northing, num, _, err := UTM.FromLatLon(lat, lon, north)
	if err != nil {
		return series.BBox{}, fmt.Errorf("projecting (%g, %g): %v: %w", lat, lon, err, series.ErrInvalidArgument)
	}

	ring := make([]geom.Coord, 0, discVertices+1)
	for i := 0; i < discVertices; i++ {
		a := 2 * math.Pi * float64(i) / discVertices
		n, vnorth := crossEquator(northing+radiusMeters*math.Sin(a), north)
		vlat, vlon, err := UTM.ToLatLon(easting+radiusMeters*math.Cos(a), n, num, "", vnorth)
		if err != nil {
			return series.BBox{}, fmt.Errorf("unprojecting buffer of %gm around (%g, %g): %v: %w",
				radiusMeters, lat, lon, err, series.ErrInvalidArgument)
		}
		ring = append(ring, geom.Coord{vlon, vlat})
	}
	ring = append(ring, ring[0])

	disc, err := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{ring})
	if err != nil {
		return series.BBox{}, fmt.Errorf("building buffer polygon: %w", err)
	}
	b := boundsToBBox(disc.Bounds())

	// The vertices approximate the disc from inside; the point itself is always kept.
	b.MinLon = math.Min(b.MinLon, lon)
	b.MaxLon = math.Max(b.MaxLon, lon)
	b.MinLat = math.Min(b.MinLat, lat)
	b.MaxLat = math.Max(b.MaxLat, lat)

	if err := b.Validate(); err != nil {
		return series.BBox{}, err
	}
	return b, nil
}

// falseNorthing is the offset UTM adds to southern-hemisphere northings.
const falseNorthing = 10_000_000

// crossEquator re-expresses a northing that left its hemisphere's [0, falseNorthing]
// range in the other hemisphere's convention.
func crossEquator(northing float64, north bool) (float64, bool) {
	switch {
	case northing < 0:
		return northing + falseNorthing, false
	case northing > falseNorthing:
		return northing - falseNorthing, true
	}
	return northing, north
}

// Polygon returns the closed rectangle of b.
func Polygon(b series.BBox) *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{b.MinLon, b.MinLat},
		{b.MaxLon, b.MinLat},
		{b.MaxLon, b.MaxLat},
		{b.MinLon, b.MaxLat},
		{b.MinLon, b.MinLat},
	}})
}

// EncodeWKB encodes the bbox polygon as little-endian WKB.
func EncodeWKB(b series.BBox) ([]byte, error) {
	data, err := wkb.Marshal(Polygon(b), binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encoding wkb: %w", err)
	}
	return data, nil
}

// DecodeWKB decodes a WKB geometry and returns its envelope.
func DecodeWKB(data []byte) (series.BBox, error) {
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return series.BBox{}, fmt.Errorf("decoding wkb: %w", err)
	}
	return boundsToBBox(g.Bounds()), nil
}

// Extent accumulates the bounding extent of a set of boxes, like ST_Extent.
type Extent struct {
	bounds *geom.Bounds
}

// NewExtent returns an empty extent.
func NewExtent() *Extent {
	return &Extent{bounds: geom.NewBounds(geom.XY)}
}

// Add extends the extent by b.
func (e *Extent) Add(b series.BBox) {
	e.bounds.Extend(Polygon(b))
}

// Empty reports whether nothing was added.
func (e *Extent) Empty() bool { return e.bounds.IsEmpty() }

// BBox returns the accumulated extent.
func (e *Extent) BBox() series.BBox { return boundsToBBox(e.bounds) }

func boundsToBBox(b *geom.Bounds) series.BBox {
	return series.BBox{MinLon: b.Min(0), MinLat: b.Min(1), MaxLon: b.Max(0), MaxLat: b.Max(1)}
}
