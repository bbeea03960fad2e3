// Package observer accumulates calibration statistics used to derive
// quantization parameters.
package observer

import (
	"errors"
	"math"

	"github.com/samcharles93/qconv/pkg/qtensor"
)

var ErrNoObservations = errors.New("observer: no values observed")

// Observer is the calibration contract consumed by the conversion pipeline:
// a configured target dtype plus derived quantization parameters.
type Observer interface {
	Observe(vals []float32)
	CalculateQParams() (qtensor.QuantParams, error)
	DType() qtensor.DType
}

// MinMax tracks a running (min, max) over every observed slice.
type MinMax struct {
	dtype     qtensor.DType
	symmetric bool

	min  float32
	max  float32
	seen bool
}

// NewMinMax returns an observer targeting dt. Symmetric observers derive a
// zero-centered mapping (weights); affine observers cover the full observed
// range (activations).
func NewMinMax(dt qtensor.DType, symmetric bool) *MinMax {
	return &MinMax{dtype: dt, symmetric: symmetric}
}

func (o *MinMax) Observe(vals []float32) {
	for _, v := range vals {
		if math.IsNaN(float64(v)) {
			continue
		}
		if !o.seen {
			o.min, o.max = v, v
			o.seen = true
			continue
		}
		if v < o.min {
			o.min = v
		}
		if v > o.max {
			o.max = v
		}
	}
}

func (o *MinMax) CalculateQParams() (qtensor.QuantParams, error) {
	if !o.seen {
		return qtensor.QuantParams{}, ErrNoObservations
	}
	return qtensor.ComputeQParams(o.min, o.max, o.dtype, o.symmetric)
}

func (o *MinMax) DType() qtensor.DType { return o.dtype }

// Range returns the observed (min, max) and whether anything was observed.
func (o *MinMax) Range() (min, max float32, ok bool) {
	return o.min, o.max, o.seen
}

// Static is an observer with fixed, externally supplied statistics. Useful
// when calibration ran in another process and only the range survived.
type Static struct {
	Min, Max  float32
	DT        qtensor.DType
	Symmetric bool
}

func (s Static) Observe([]float32) {}

func (s Static) CalculateQParams() (qtensor.QuantParams, error) {
	return qtensor.ComputeQParams(s.Min, s.Max, s.DT, s.Symmetric)
}

func (s Static) DType() qtensor.DType { return s.DT }
