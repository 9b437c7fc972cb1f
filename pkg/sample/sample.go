package sample

import (
	"fmt"
	"math"
)

const (
	// DefaultUnitScale expresses output values in micro-units.
	DefaultUnitScale = 1e6
	// DefaultPrecision is the number of decimal digits kept after scaling.
	DefaultPrecision = 1
)

// Scaled is a calibrated sample tagged with its position in the stream.
type Scaled struct {
	Index uint64
	Value float64
}

// Range is a closed numeric interval.
type Range struct {
	Low  float64
	High float64
}

// DefaultTarget is the calibrated output range (V).
var DefaultTarget = Range{Low: -5.0, High: 5.0}

// Transform maps decoded sample values onto a calibrated range:
//
//	scaled(v) = round(unit * (to.Low + (to.High-to.Low)/(from.High-from.Low) * (v - from.Low)), precision)
//
// Values outside the source range are extrapolated, not clamped.
type Transform struct {
	from  Range
	to    Range
	slope float64
	unit  float64
	pow   float64
}

// NewTransform creates a Transform. unit scales the output (1e6 gives
// micro-units) and precision is the number of decimal digits kept.
func NewTransform(from, to Range, unit float64, precision int) (*Transform, error) {
	if from.High == from.Low {
		return nil, fmt.Errorf("empty source range [%g, %g]", from.Low, from.High)
	}
	if unit == 0 {
		return nil, fmt.Errorf("unit scale must not be zero")
	}
	if precision < 0 || precision > 15 {
		return nil, fmt.Errorf("precision out of range: %d", precision)
	}

	return &Transform{
		from:  from,
		to:    to,
		slope: (to.High - to.Low) / (from.High - from.Low),
		unit:  unit,
		pow:   math.Pow(10, float64(precision)),
	}, nil
}

// Apply scales a single raw value.
func (t *Transform) Apply(v int32) float64 {
	x := t.unit * (t.to.Low + t.slope*(float64(v)-t.from.Low))
	return math.Round(x*t.pow) / t.pow
}

// ApplyAll scales values into dst[:0], numbering them from first.
// dst is reused if it has enough capacity.
func (t *Transform) ApplyAll(dst []Scaled, values []int32, first uint64) []Scaled {
	if cap(dst) >= len(values) {
		dst = dst[:0]
	} else {
		dst = make([]Scaled, 0, len(values))
	}

	for i, v := range values {
		dst = append(dst, Scaled{Index: first + uint64(i), Value: t.Apply(v)})
	}
	return dst
}
