package qtensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var errSymmetricUnsigned = errors.New("qtensor: symmetric qparams require a signed dtype")

// Quantize applies the affine map q = round(real/scale) + zero_point and
// clamps to the dtype range. Deterministic and side-effect free; rounding is
// half away from zero.
func Quantize(vals []float32, shape []int, params QuantParams, dt DType) (Tensor, error) {
	if err := params.Check(dt); err != nil {
		return Tensor{}, err
	}
	n := Elems(shape)
	if n < 0 || n != len(vals) {
		return Tensor{}, fmt.Errorf("%w: shape=%v len=%d", ErrShapeMismatch, shape, len(vals))
	}

	qmin, qmax := dt.QMin(), dt.QMax()
	data := make([]int32, n)
	for i, v := range vals {
		q := int64(math.Round(float64(v)/params.Scale)) + int64(params.ZeroPoint)
		data[i] = clampInt64(q, qmin, qmax)
	}
	return Tensor{Shape: slices.Clone(shape), DType: dt, Params: params, Data: data}, nil
}

// Dequantize returns real = scale * (q - zero_point) for every element.
// Lossy only up to the rounding already applied at quantize time.
func (t Tensor) Dequantize() []float32 {
	out := make([]float32, len(t.Data))
	for i, q := range t.Data {
		out[i] = float32(t.Params.Scale * float64(q-t.Params.ZeroPoint))
	}
	return out
}

// Requantize maps a tensor onto new params and dtype by going through real
// values. Used for the per-call bias rescale, where the stored reference
// scale must be replaced by the live operating scale.
func (t Tensor) Requantize(params QuantParams, dt DType) (Tensor, error) {
	return Quantize(t.Dequantize(), t.Shape, params, dt)
}

// ComputeQParams derives scale and zero point from observed (min, max) so
// that the whole range is representable under the affine map. The range is
// widened to include zero so that zero padding is exactly representable.
//
// Symmetric mode (weights) forces ZeroPoint to 0 and needs a signed dtype;
// affine mode (activations) places the zero point to cover [min, max]
// exactly.
func ComputeQParams(min, max float32, dt DType, symmetric bool) (QuantParams, error) {
	if !dt.Valid() {
		return QuantParams{}, fmt.Errorf("%w: %s", ErrUnsupported, dt)
	}
	if min > max {
		min, max = max, min
	}
	if min > 0 {
		min = 0
	}
	if max < 0 {
		max = 0
	}

	if symmetric {
		if !dt.Signed() {
			return QuantParams{}, fmt.Errorf("%w: %s", errSymmetricUnsigned, dt)
		}
		amax := math.Max(math.Abs(float64(min)), math.Abs(float64(max)))
		scale := amax / float64(dt.QMax())
		if scale == 0 {
			scale = 1
		}
		return QuantParams{Scale: scale, ZeroPoint: 0}, nil
	}

	qmin, qmax := dt.QMin(), dt.QMax()
	scale := (float64(max) - float64(min)) / float64(qmax-qmin)
	if scale == 0 {
		return QuantParams{Scale: 1, ZeroPoint: clampInt64(0, qmin, qmax)}, nil
	}
	zp := int64(qmin) - int64(math.Round(float64(min)/scale))
	return QuantParams{Scale: scale, ZeroPoint: clampInt64(zp, qmin, qmax)}, nil
}

func clampInt64(v int64, lo, hi int32) int32 {
	if v < int64(lo) {
		return lo
	}
	if v > int64(hi) {
		return hi
	}
	return int32(v)
}
