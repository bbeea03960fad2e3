package qtensor

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidScale  = errors.New("qtensor: scale must be positive")
	ErrZeroPoint     = errors.New("qtensor: zero point out of dtype range")
	ErrUnsupported   = errors.New("qtensor: unsupported dtype")
	ErrShapeMismatch = errors.New("qtensor: shape does not match data length")
)

// QuantParams is the affine mapping between integer storage and real values:
//
//	real = Scale * (q - ZeroPoint)
type QuantParams struct {
	Scale     float64 `json:"scale"`
	ZeroPoint int32   `json:"zero_point"`
}

// NewQuantParams validates scale and zero point against the target dtype.
// A non-positive scale is rejected here so it can never reach a compute path.
func NewQuantParams(scale float64, zeroPoint int32, dt DType) (QuantParams, error) {
	if !dt.Valid() {
		return QuantParams{}, fmt.Errorf("%w: %s", ErrUnsupported, dt)
	}
	if !(scale > 0) {
		return QuantParams{}, fmt.Errorf("%w: scale=%g", ErrInvalidScale, scale)
	}
	if zeroPoint < dt.QMin() || zeroPoint > dt.QMax() {
		return QuantParams{}, fmt.Errorf("%w: zero_point=%d for %s", ErrZeroPoint, zeroPoint, dt)
	}
	return QuantParams{Scale: scale, ZeroPoint: zeroPoint}, nil
}

// Identity is the placeholder mapping (scale=1, zero_point=0) used for
// freshly constructed modules.
func Identity() QuantParams {
	return QuantParams{Scale: 1, ZeroPoint: 0}
}

// Check re-validates params against a dtype. Used at tensor construction.
func (p QuantParams) Check(dt DType) error {
	_, err := NewQuantParams(p.Scale, p.ZeroPoint, dt)
	return err
}

func (p QuantParams) String() string {
	return fmt.Sprintf("scale=%g zero_point=%d", p.Scale, p.ZeroPoint)
}
