package qconv

import (
	"fmt"

	"github.com/samcharles93/qconv/internal/backend"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

// State is the portable serialized form of a Conv2d. It carries the
// unpacked weight tensor, never the backend's opaque packed form, so it can
// cross process and backend boundaries.
//
// Field order mirrors the persisted layout contract: config fields first
// (including the always-false transposed flag and zero output padding kept
// for layout compatibility), then weight, bias, scale, zero point.
type State struct {
	InChannels    int    `json:"in_channels"`
	OutChannels   int    `json:"out_channels"`
	KernelSize    [2]int `json:"kernel_size"`
	Stride        [2]int `json:"stride"`
	Padding       [2]int `json:"padding"`
	Dilation      [2]int `json:"dilation"`
	Transposed    bool   `json:"transposed"`
	OutputPadding [2]int `json:"output_padding"`
	Groups        int    `json:"groups"`
	PaddingMode   string `json:"padding_mode"`

	Weight    qtensor.Tensor  `json:"weight"`
	Bias      *qtensor.Tensor `json:"bias,omitempty"`
	Scale     float64         `json:"scale"`
	ZeroPoint int32           `json:"zero_point"`
}

// Config reconstructs the structural configuration from serialized state.
func (s State) Config() Config {
	return Config{
		InChannels:  s.InChannels,
		OutChannels: s.OutChannels,
		KernelSize:  s.KernelSize,
		Stride:      s.Stride,
		Padding:     s.Padding,
		Dilation:    s.Dilation,
		Groups:      s.Groups,
		Bias:        s.Bias != nil,
		PaddingMode: s.PaddingMode,
	}
}

// Validate rejects state missing required fields before any of it is
// applied to a module.
func (s State) Validate() error {
	if len(s.Weight.Data) == 0 || s.Weight.Rank() != 4 {
		return fmt.Errorf("%w: missing weight tensor", ErrState)
	}
	if !(s.Scale > 0) {
		return fmt.Errorf("%w: missing or non-positive scale (%g)", ErrState, s.Scale)
	}
	if s.Transposed {
		return fmt.Errorf("%w: transposed=true is not supported", ErrState)
	}
	if s.OutputPadding != [2]int{} {
		return fmt.Errorf("%w: output_padding=%v must be zero", ErrState, s.OutputPadding)
	}
	if err := s.Config().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrState, err)
	}
	if s.Bias != nil && s.Bias.Params.ZeroPoint != 0 {
		return fmt.Errorf("%w: bias zero_point=%d, must be 0", ErrState, s.Bias.Params.ZeroPoint)
	}
	return nil
}

// State exports the module: the weight is unpacked into its portable form,
// the packed handle never leaves the module.
func (m *Conv2d) State() (State, error) {
	w, err := m.Weight()
	if err != nil {
		return State{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	st := State{
		InChannels:  m.cfg.InChannels,
		OutChannels: m.cfg.OutChannels,
		KernelSize:  m.cfg.KernelSize,
		Stride:      m.cfg.Stride,
		Padding:     m.cfg.Padding,
		Dilation:    m.cfg.Dilation,
		Groups:      m.cfg.Groups,
		PaddingMode: m.cfg.PaddingMode,
		Weight:      w,
		Scale:       m.out.Scale,
		ZeroPoint:   m.out.ZeroPoint,
	}
	if m.bias != nil {
		b := m.bias.Clone()
		st.Bias = &b
	}
	return st, nil
}

// LoadState replaces the whole module from serialized state. The state is
// validated and the weight repacked before anything is assigned, then all
// fields swap under one write lock: a failed load leaves the module exactly
// as it was.
func (m *Conv2d) LoadState(s State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	cfg := s.Config()
	want := cfg.WeightShape()
	got := s.Weight.Shape
	if got[0] != want[0] || got[1] != want[1] || got[2] != want[2] || got[3] != want[3] {
		return fmt.Errorf("%w: weight shape %v does not match config %v", ErrState, got, want)
	}

	packed, err := m.be.ConvPack(s.Weight, cfg.geometry())
	if err != nil {
		return err
	}
	var bias *qtensor.Tensor
	if s.Bias != nil {
		b := s.Bias.Clone()
		bias = &b
	}

	m.mu.Lock()
	m.cfg = cfg
	m.packed = packed
	m.weightScale = s.Weight.Params.Scale
	m.bias = bias
	m.out = qtensor.QuantParams{Scale: s.Scale, ZeroPoint: s.ZeroPoint}
	m.mu.Unlock()
	return nil
}

// NewFromState builds a module directly from serialized state.
func NewFromState(s State, be backend.Backend) (*Conv2d, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m, err := New(s.Config(), be)
	if err != nil {
		return nil, err
	}
	if err := m.LoadState(s); err != nil {
		return nil, err
	}
	return m, nil
}
