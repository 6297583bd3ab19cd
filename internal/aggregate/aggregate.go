// Package aggregate reduces per-pixel index cubes to one value per calendar bucket.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/astroAycha/geospatial-mlops/internal/raster"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// Granularity is a calendar bucket size.
type Granularity string

const (
	Day   Granularity = "day" // solar day
	Week  Granularity = "week"
	Month Granularity = "month"
)

// ParseGranularity accepts day, week or month (with common aliases).
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "daily", "solar_day", "solar-day":
		return Day, nil
	case "week", "weekly":
		return Week, nil
	case "month", "monthly":
		return Month, nil
	}
	return "", fmt.Errorf("unknown granularity %q: %w", s, series.ErrInvalidArgument)
}

// Start returns the first instant of the bucket containing t. Weeks start on Monday (ISO).
func (g Granularity) Start(t time.Time) time.Time {
	d := series.Date(t)
	switch g {
	case Week:
		offset := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -offset)
	case Month:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return d
	}
}

// Next returns the start of the bucket after the one starting at start.
func (g Granularity) Next(start time.Time) time.Time {
	switch g {
	case Week:
		return start.AddDate(0, 0, 7)
	case Month:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// SolarDay returns the calendar date of t at the local solar time of longitude lon.
func SolarDay(t time.Time, lon float64) time.Time {
	shift := time.Duration(lon / 15 * float64(time.Hour))
	return series.Date(t.UTC().Add(shift))
}

// Bucketing configures Aggregate. Zero Start or End leaves that side open.
type Bucketing struct {
	Granularity Granularity
	Start       time.Time
	End         time.Time
	FillGaps    bool
}

type bucket struct {
	start time.Time
	sum   map[series.Index]float64
	count map[series.Index]int
}

// Aggregate averages every non-NaN pixel of each bucket, per index. times labels the
// time axis shared by all cubes. Buckets whose pixels are all NaN keep a nil value;
// with FillGaps, buckets between the first and last populated bucket that have no
// time step at all copy the values of the nearest populated bucket.
func Aggregate(times []time.Time, cubes map[series.Index]*raster.Cube, b Bucketing) ([]series.Point, error) {
	if b.Granularity == "" {
		b.Granularity = Week
	}
	start, end := b.Start, b.End
	if !start.IsZero() {
		start = series.Date(start)
	}
	if !end.IsZero() {
		end = series.Date(end)
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil, fmt.Errorf("start %s after end %s: %w",
			start.Format(time.DateOnly), end.Format(time.DateOnly), series.ErrInvalidArgument)
	}
	for idx, c := range cubes {
		if c.Shape.T != len(times) {
			return nil, fmt.Errorf("%s cube has %d time steps, want %d: %w", idx, c.Shape.T, len(times), series.ErrInvalidArgument)
		}
	}

	byStart := make(map[time.Time]*bucket)
	for t, ts := range times {
		day := series.Date(ts)
		if (!start.IsZero() && day.Before(start)) || (!end.IsZero() && day.After(end)) {
			continue
		}
		key := b.Granularity.Start(day)
		bk, ok := byStart[key]
		if !ok {
			bk = &bucket{start: key, sum: map[series.Index]float64{}, count: map[series.Index]int{}}
			byStart[key] = bk
		}
		for idx, c := range cubes {
			for _, v := range c.Slice(t) {
				if math.IsNaN(v) {
					continue
				}
				bk.sum[idx] += v
				bk.count[idx]++
			}
		}
	}

	present := make([]*bucket, 0, len(byStart))
	for _, bk := range byStart {
		present = append(present, bk)
	}
	sort.Slice(present, func(i, j int) bool { return present[i].start.Before(present[j].start) })

	values := func(bk *bucket) map[series.Index]*float64 {
		out := make(map[series.Index]*float64, len(cubes))
		for idx := range cubes {
			if n := bk.count[idx]; n > 0 {
				out[idx] = series.Float(bk.sum[idx] / float64(n))
			} else {
				out[idx] = nil
			}
		}
		return out
	}
	label := func(t time.Time) time.Time {
		if !start.IsZero() && t.Before(start) {
			return start
		}
		return t
	}

	if !b.FillGaps {
		points := make([]series.Point, 0, len(present))
		for _, bk := range present {
			points = append(points, series.Point{Time: label(bk.start), Values: values(bk)})
		}
		return points, nil
	}

	var points []series.Point
	next := 0
	if len(present) == 0 {
		return []series.Point{}, nil
	}
	last := present[len(present)-1].start
	for k := present[0].start; !k.After(last); k = b.Granularity.Next(k) {
		if next < len(present) && present[next].start.Equal(k) {
			points = append(points, series.Point{Time: label(k), Values: values(present[next])})
			next++
			continue
		}
		// present[next-1] is the populated bucket before k, present[next] the one after.
		before, after := present[next-1], present[next]
		src := before
		if after.start.Sub(k) < k.Sub(before.start) {
			src = after
		}
		points = append(points, series.Point{Time: label(k), Values: values(src)})
	}
	return points, nil
}
