// Package fps provides a frame rate value type with margin tolerant
// comparisons, and ranges of frame rates.
package fps

import (
	"encoding/json"
	"fmt"
	"math"
)

// Margin is the tolerance applied by the *WithMargin comparisons.
const Margin = 0.001

const nanosPerSecond = 1e9

// Fps is a frame rate in frames per second. The zero value is an invalid
// (unknown) rate.
type Fps struct {
	value float64
}

// New returns a frame rate of v frames per second.
func New(v float64) Fps {
	return Fps{value: v}
}

// FromPeriod returns the frame rate with the given frame period in
// nanoseconds. Non-positive periods yield an invalid rate.
func FromPeriod(periodNanos int64) Fps {
	if periodNanos <= 0 {
		return Fps{}
	}
	return Fps{value: nanosPerSecond / float64(periodNanos)}
}

// Value returns the rate in frames per second.
func (f Fps) Value() float64 { return f.value }

// IntValue returns the rate rounded to the nearest integer.
func (f Fps) IntValue() int { return int(math.Round(f.value)) }

// IsValid reports whether the rate is positive.
func (f Fps) IsValid() bool { return f.value > 0 }

// PeriodNanos returns the frame period in nanoseconds, or 0 for an invalid rate.
func (f Fps) PeriodNanos() int64 {
	if !f.IsValid() {
		return 0
	}
	return int64(math.Round(nanosPerSecond / f.value))
}

func (f Fps) EqualsWithMargin(o Fps) bool {
	return math.Abs(f.value-o.value) < Margin
}

func (f Fps) LessThanWithMargin(o Fps) bool {
	return f.value+Margin < o.value
}

func (f Fps) LessThanOrEqualWithMargin(o Fps) bool {
	return !o.LessThanWithMargin(f)
}

func (f Fps) GreaterThanWithMargin(o Fps) bool {
	return o.LessThanWithMargin(f)
}

func (f Fps) GreaterThanOrEqualWithMargin(o Fps) bool {
	return !f.LessThanWithMargin(o)
}

func (f Fps) String() string {
	return fmt.Sprintf("%.2ffps", f.value)
}

// MarshalJSON encodes the rate as a bare number.
func (f Fps) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.value)
}

func (f *Fps) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &f.value)
}

// Range is an inclusive interval of frame rates.
type Range struct {
	Min Fps `json:"min"`
	Max Fps `json:"max"`
}

// NewRange returns the range [min, max].
func NewRange(min, max float64) Range {
	return Range{Min: New(min), Max: New(max)}
}

// Includes reports whether f lies within the range, with margin.
func (r Range) Includes(f Fps) bool {
	return r.Min.LessThanOrEqualWithMargin(f) && f.LessThanOrEqualWithMargin(r.Max)
}

// Contains reports whether o lies entirely within r, with margin.
func (r Range) Contains(o Range) bool {
	return r.Min.LessThanOrEqualWithMargin(o.Min) && r.Max.GreaterThanOrEqualWithMargin(o.Max)
}

// Equal compares both ends with margin.
func (r Range) Equal(o Range) bool {
	return r.Min.EqualsWithMargin(o.Min) && r.Max.EqualsWithMargin(o.Max)
}

// IsSingleRate reports whether the range collapses to one rate.
func (r Range) IsSingleRate() bool {
	return r.Min.EqualsWithMargin(r.Max)
}

// IsValid reports whether min does not exceed max.
func (r Range) IsValid() bool {
	return r.Min.LessThanOrEqualWithMargin(r.Max)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s %s]", r.Min, r.Max)
}
