package telemetry

import (
	"math"

	"github.com/srg/bendlink/internal/sensor"
)

const (
	// DefaultWindow is the number of points the chart keeps.
	DefaultWindow = 300

	// FixedLimit bounds the vertical axis when auto-scale is off.
	FixedLimit = 225

	// minSpan is the smallest auto-scaled range, in degrees.
	minSpan = 10
)

// Bounds is the vertical range of the chart.
type Bounds struct {
	Min float64
	Max float64
}

// FixedBounds is the axis range used when auto-scale is disabled.
func FixedBounds() Bounds {
	return Bounds{Min: -FixedLimit, Max: FixedLimit}
}

// Chart is the bounded display window of recent samples. It is
// presentation state: only the UI loop touches it.
type Chart struct {
	window int
	points []sensor.Sample
}

// NewChart creates an empty chart keeping at most window points.
func NewChart(window int) *Chart {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Chart{window: window, points: make([]sensor.Sample, 0, window)}
}

// Append adds s, evicting the oldest point when the window is full.
func (c *Chart) Append(s sensor.Sample) {
	if len(c.points) == c.window {
		copy(c.points, c.points[1:])
		c.points = c.points[:c.window-1]
	}
	c.points = append(c.points, s)
}

// Len returns the number of points in the window.
func (c *Chart) Len() int { return len(c.points) }

// Points returns a copy of the window, oldest first.
func (c *Chart) Points() []sensor.Sample {
	out := make([]sensor.Sample, len(c.points))
	copy(out, c.points)
	return out
}

// Reset empties the window.
func (c *Chart) Reset() { c.points = c.points[:0] }

// AutoBounds computes min/max over the window. Value2 is included only when
// both values are angles (dual axis). The span never drops below minSpan.
func (c *Chart) AutoBounds(includeValue2 bool) Bounds {
	if len(c.points) == 0 {
		return Bounds{Min: -minSpan / 2, Max: minSpan / 2}
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range c.points {
		lo = math.Min(lo, float64(p.Value1))
		hi = math.Max(hi, float64(p.Value1))
		if includeValue2 {
			lo = math.Min(lo, float64(p.Value2))
			hi = math.Max(hi, float64(p.Value2))
		}
	}
	if hi-lo < minSpan {
		mid := (hi + lo) / 2
		lo, hi = mid-minSpan/2, mid+minSpan/2
	}
	return Bounds{Min: lo, Max: hi}
}
