// Package qconv implements a quantized 2-D convolution module: packed
// integer weights, per-call bias rescaling, conv+batchnorm fusion, a
// from-float conversion pipeline, and a serialization contract that never
// exposes the backend's opaque packed weight.
package qconv

import (
	"fmt"
	"sync"

	"github.com/samcharles93/qconv/internal/backend"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

// Conv2d applies a 2-D convolution over a quantized NCHW input.
//
// The module exclusively owns its packed weight; the handle never leaves
// the module and never appears in serialized state. The mutex guards the
// (packed weight, weight scale, bias, output params) group: Forward and
// Weight take read access, SetWeight, SetBias, SetOutputQParams and
// LoadState take write access, so a structural mutation can never be
// observed half-applied.
type Conv2d struct {
	cfg Config
	be  backend.Backend

	mu          sync.RWMutex
	packed      backend.PackedWeight
	weightScale float64
	bias        *qtensor.Tensor
	out         qtensor.QuantParams
}

// New validates the config and builds a module holding an
// identity-quantized all-zero weight (scale=1, zero_point=0) and, when
// configured, an identity-quantized zero bias. Output params default to
// (1.0, 0).
func New(cfg Config, be backend.Backend) (*Conv2d, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if be == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrConfig)
	}

	w, err := qtensor.Zeros(cfg.WeightShape(), qtensor.Int8)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	packed, err := be.ConvPack(w, cfg.geometry())
	if err != nil {
		return nil, err
	}

	m := &Conv2d{
		cfg:         cfg,
		be:          be,
		packed:      packed,
		weightScale: w.Params.Scale,
		out:         qtensor.Identity(),
	}
	if cfg.Bias {
		b, err := qtensor.Zeros([]int{cfg.OutChannels}, qtensor.Int32)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		m.bias = &b
	}
	return m, nil
}

// Config returns the structural configuration.
func (m *Conv2d) Config() Config { return m.cfg }

// Backend returns the compute backend the module packs against.
func (m *Conv2d) Backend() backend.Backend { return m.be }

// SetWeight repacks the module around w. The packed weight and the cached
// weight scale are replaced together under the write lock: on any failure
// the previous state is left untouched.
func (m *Conv2d) SetWeight(w qtensor.Tensor) error {
	want := m.cfg.WeightShape()
	if w.Rank() != 4 ||
		w.Shape[0] != want[0] || w.Shape[1] != want[1] ||
		w.Shape[2] != want[2] || w.Shape[3] != want[3] {
		return fmt.Errorf("%w: weight shape %v, module expects %v", ErrShape, w.Shape, want)
	}
	packed, err := m.be.ConvPack(w, m.cfg.geometry())
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.packed = packed
	m.weightScale = w.Params.Scale
	m.mu.Unlock()
	return nil
}

// Weight unpacks and returns the portable weight tensor. Side-effect free.
func (m *Conv2d) Weight() (qtensor.Tensor, error) {
	m.mu.RLock()
	packed := m.packed
	m.mu.RUnlock()
	return m.be.ConvUnpack(packed)
}

// WeightScale returns the scale cached when the weight was last set.
func (m *Conv2d) WeightScale() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.weightScale
}

// SetBias replaces the stored bias. The bias is kept at its reference scale
// with zero point 0; pass nil to clear it.
func (m *Conv2d) SetBias(b *qtensor.Tensor) error {
	if b != nil {
		if b.Rank() != 1 || b.Dim(0) != m.cfg.OutChannels {
			return fmt.Errorf("%w: bias shape %v, want [%d]", ErrShape, b.Shape, m.cfg.OutChannels)
		}
		if b.DType != qtensor.Int32 {
			return fmt.Errorf("%w: bias dtype %s, want int32", ErrUnsupportedDType, b.DType)
		}
		if b.Params.ZeroPoint != 0 {
			return fmt.Errorf("%w: bias zero_point=%d, must be 0", ErrConfig, b.Params.ZeroPoint)
		}
	}
	m.mu.Lock()
	m.bias = b
	m.mu.Unlock()
	return nil
}

// Bias returns a copy of the stored bias, or nil when the module has none.
func (m *Conv2d) Bias() *qtensor.Tensor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.bias == nil {
		return nil
	}
	b := m.bias.Clone()
	return &b
}

// SetOutputQParams sets the output scale and zero point.
func (m *Conv2d) SetOutputQParams(p qtensor.QuantParams) error {
	if !(p.Scale > 0) {
		return fmt.Errorf("%w: output scale=%g", ErrConfig, p.Scale)
	}
	m.mu.Lock()
	m.out = p
	m.mu.Unlock()
	return nil
}

// OutputQParams returns the output scale and zero point.
func (m *Conv2d) OutputQParams() qtensor.QuantParams {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.out
}

// Forward evaluates the convolution over a rank-4 NCHW input and returns an
// output quantized to the module's output params. The stored bias is
// requantized for this call to weight_scale*input_scale (zero point 0,
// int32): the correct operating scale depends on the live input scale,
// which is unknown at weight-set time. Module state is not mutated.
func (m *Conv2d) Forward(input qtensor.Tensor) (qtensor.Tensor, error) {
	if input.Rank() != 4 {
		return qtensor.Tensor{}, fmt.Errorf("%w: input rank %d, want 4 (NCHW)", ErrShape, input.Rank())
	}
	if input.Dim(1) != m.cfg.InChannels {
		return qtensor.Tensor{}, fmt.Errorf("%w: input has %d channels, module expects %d", ErrShape, input.Dim(1), m.cfg.InChannels)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var effBias *qtensor.Tensor
	if m.bias != nil {
		opScale, err := qtensor.NewQuantParams(m.weightScale*input.Params.Scale, 0, qtensor.Int32)
		if err != nil {
			return qtensor.Tensor{}, fmt.Errorf("%w: bias operating scale: %v", ErrConfig, err)
		}
		reb, err := m.bias.Requantize(opScale, qtensor.Int32)
		if err != nil {
			return qtensor.Tensor{}, err
		}
		effBias = &reb
	}

	return m.be.Conv2D(input, m.packed, effBias, m.cfg.geometry(), m.out)
}

// OutputShape returns the NCHW output shape for an input of the given
// spatial size.
func (m *Conv2d) OutputShape(n, h, w int) []int {
	hOut := (h+2*m.cfg.Padding[0]-m.cfg.Dilation[0]*(m.cfg.KernelSize[0]-1)-1)/m.cfg.Stride[0] + 1
	wOut := (w+2*m.cfg.Padding[1]-m.cfg.Dilation[1]*(m.cfg.KernelSize[1]-1)-1)/m.cfg.Stride[1] + 1
	return []int{n, m.cfg.OutChannels, hOut, wOut}
}

func (m *Conv2d) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := fmt.Sprintf("Conv2d(%d, %d, kernel_size=%v, stride=%v, scale=%g, zero_point=%d",
		m.cfg.InChannels, m.cfg.OutChannels, m.cfg.KernelSize, m.cfg.Stride, m.out.Scale, m.out.ZeroPoint)
	if m.cfg.Padding != [2]int{} {
		s += fmt.Sprintf(", padding=%v", m.cfg.Padding)
	}
	if m.cfg.Dilation != [2]int{1, 1} {
		s += fmt.Sprintf(", dilation=%v", m.cfg.Dilation)
	}
	if m.cfg.Groups != 1 {
		s += fmt.Sprintf(", groups=%d", m.cfg.Groups)
	}
	if m.bias == nil {
		s += ", bias=false"
	}
	return s + ")"
}
