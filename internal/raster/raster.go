// Package raster provides the in-memory (time, y, x) cubes the pipeline transforms.
package raster

import (
	"fmt"
	"math"
	"time"
)

// Shape is the extent of a cube along (time, y, x).
type Shape struct {
	T, Y, X int
}

// Len is the number of cells.
func (s Shape) Len() int { return s.T * s.Y * s.X }

// Cube is a dense float64 array indexed by (time, y, x). NaN is "no data".
type Cube struct {
	Shape Shape
	Data  []float64
}

// NewCube allocates a zeroed cube.
func NewCube(s Shape) *Cube {
	return &Cube{Shape: s, Data: make([]float64, s.Len())}
}

// NewCubeFilled allocates a cube with every cell set to v.
func NewCubeFilled(s Shape, v float64) *Cube {
	c := NewCube(s)
	for i := range c.Data {
		c.Data[i] = v
	}
	return c
}

// At returns the value at (t, y, x).
func (c *Cube) At(t, y, x int) float64 {
	return c.Data[c.offset(t, y, x)]
}

// Set stores v at (t, y, x).
func (c *Cube) Set(t, y, x int, v float64) {
	c.Data[c.offset(t, y, x)] = v
}

func (c *Cube) offset(t, y, x int) int {
	return (t*c.Shape.Y+y)*c.Shape.X + x
}

// Slice returns the cells of time step t. The slice aliases the cube.
func (c *Cube) Slice(t int) []float64 {
	n := c.Shape.Y * c.Shape.X
	return c.Data[t*n : (t+1)*n]
}

// Clone returns a deep copy.
func (c *Cube) Clone() *Cube {
	out := &Cube{Shape: c.Shape, Data: make([]float64, len(c.Data))}
	copy(out.Data, c.Data)
	return out
}

// Equal compares shape and data, treating NaN as equal to NaN.
func (c *Cube) Equal(o *Cube) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.Shape != o.Shape || len(c.Data) != len(o.Data) {
		return false
	}
	for i, v := range c.Data {
		w := o.Data[i]
		if math.IsNaN(v) && math.IsNaN(w) {
			continue
		}
		if v != w {
			return false
		}
	}
	return true
}

// BandSet holds the five spectral bands and the quality layer of one load, all with
// the same shape. Times labels the time axis (solar days).
type BandSet struct {
	Times   []time.Time
	Red     *Cube
	Blue    *Cube
	NIR     *Cube
	SWIR1   *Cube
	SWIR2   *Cube
	Quality *Cube // nil once masked
}

// Spectral returns the five spectral bands in a fixed order.
func (b *BandSet) Spectral() []*Cube {
	return []*Cube{b.Red, b.Blue, b.NIR, b.SWIR1, b.SWIR2}
}

// Shape returns the common shape, or an error when bands disagree or are missing.
func (b *BandSet) Shape() (Shape, error) {
	if b == nil || b.Red == nil {
		return Shape{}, fmt.Errorf("band set has no red band")
	}
	s := b.Red.Shape
	names := []string{"red", "blue", "nir", "swir1", "swir2"}
	for i, c := range b.Spectral() {
		if c == nil {
			return Shape{}, fmt.Errorf("band set missing %s band", names[i])
		}
		if c.Shape != s || len(c.Data) != s.Len() {
			return Shape{}, fmt.Errorf("band %s shape %v differs from %v", names[i], c.Shape, s)
		}
	}
	if b.Quality != nil && (b.Quality.Shape != s || len(b.Quality.Data) != s.Len()) {
		return Shape{}, fmt.Errorf("quality shape %v differs from %v", b.Quality.Shape, s)
	}
	if len(b.Times) != s.T {
		return Shape{}, fmt.Errorf("time axis has %d labels for %d steps", len(b.Times), s.T)
	}
	return s, nil
}
