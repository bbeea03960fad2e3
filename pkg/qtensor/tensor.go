package qtensor

import (
	"errors"
	"fmt"
	"slices"
)

var errValueRange = errors.New("qtensor: value out of dtype range")

// Tensor is a portable quantized tensor: raw integer values, a shape, the
// affine QuantParams, and the storage dtype. Values are widened to int32 in
// memory regardless of dtype; the dtype bounds them and fixes the width used
// when the tensor is serialized.
//
// A Tensor produced by Quantize (or reconstructed by a backend unpack) is
// treated as immutable; nothing in this module mutates Data after
// construction.
type Tensor struct {
	Shape  []int       `json:"shape"`
	DType  DType       `json:"dtype"`
	Params QuantParams `json:"params"`
	Data   []int32     `json:"data"`
}

// Elems returns the element count implied by shape, or -1 on overflow or a
// negative dimension.
func Elems(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		if d != 0 && n > int(^uint(0)>>1)/d {
			return -1
		}
		n *= d
	}
	return n
}

// New constructs a tensor and validates shape, params, and value ranges.
// The shape and data slices are retained, not copied.
func New(shape []int, dt DType, params QuantParams, data []int32) (Tensor, error) {
	if err := params.Check(dt); err != nil {
		return Tensor{}, err
	}
	n := Elems(shape)
	if n < 0 || n != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape=%v len=%d", ErrShapeMismatch, shape, len(data))
	}
	qmin, qmax := dt.QMin(), dt.QMax()
	for i, v := range data {
		if v < qmin || v > qmax {
			return Tensor{}, fmt.Errorf("%w: data[%d]=%d for %s", errValueRange, i, v, dt)
		}
	}
	return Tensor{Shape: shape, DType: dt, Params: params, Data: data}, nil
}

// Zeros returns an identity-quantized all-zero tensor, the placeholder state
// of a freshly constructed module.
func Zeros(shape []int, dt DType) (Tensor, error) {
	n := Elems(shape)
	if n < 0 {
		return Tensor{}, fmt.Errorf("%w: shape=%v", ErrShapeMismatch, shape)
	}
	return Tensor{
		Shape:  slices.Clone(shape),
		DType:  dt,
		Params: Identity(),
		Data:   make([]int32, n),
	}, nil
}

// Rank returns the number of dimensions.
func (t Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of dimension i, or 0 if out of range.
func (t Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// Clone deep-copies the tensor.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape:  slices.Clone(t.Shape),
		DType:  t.DType,
		Params: t.Params,
		Data:   slices.Clone(t.Data),
	}
}

// Equal reports bit-exact equality of shape, dtype, params, and values.
func (t Tensor) Equal(o Tensor) bool {
	return t.DType == o.DType &&
		t.Params == o.Params &&
		slices.Equal(t.Shape, o.Shape) &&
		slices.Equal(t.Data, o.Data)
}

func (t Tensor) String() string {
	return fmt.Sprintf("qtensor(%v %s %s)", t.Shape, t.DType, t.Params)
}
