package qconv

import (
	"fmt"

	"github.com/samcharles93/qconv/internal/backend"
)

// PaddingZeros is the only supported padding mode.
const PaddingZeros = "zeros"

// Config describes the structure of a 2-D convolution. Spatial parameters
// are (height, width) pairs.
type Config struct {
	InChannels  int    `json:"in_channels"`
	OutChannels int    `json:"out_channels"`
	KernelSize  [2]int `json:"kernel_size"`
	Stride      [2]int `json:"stride"`
	Padding     [2]int `json:"padding"`
	Dilation    [2]int `json:"dilation"`
	Groups      int    `json:"groups"`
	Bias        bool   `json:"bias"`
	PaddingMode string `json:"padding_mode"`
}

// NewConfig returns a config with the conventional defaults: stride 1, no
// padding, dilation 1, one group, bias enabled, zero padding.
func NewConfig(inChannels, outChannels int, kernelSize [2]int) Config {
	return Config{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      [2]int{1, 1},
		Dilation:    [2]int{1, 1},
		Groups:      1,
		Bias:        true,
		PaddingMode: PaddingZeros,
	}
}

// Square returns a square (k, k) spatial pair.
func Square(k int) [2]int { return [2]int{k, k} }

// Validate checks every structural invariant. It runs before any tensor is
// allocated so a bad config can never produce a partially built module.
func (c Config) Validate() error {
	if c.PaddingMode != PaddingZeros {
		return fmt.Errorf("%w: padding_mode=%q, only %q is supported", ErrConfig, c.PaddingMode, PaddingZeros)
	}
	if c.InChannels < 1 || c.OutChannels < 1 {
		return fmt.Errorf("%w: in_channels=%d out_channels=%d must be >= 1", ErrConfig, c.InChannels, c.OutChannels)
	}
	if c.Groups < 1 {
		return fmt.Errorf("%w: groups=%d must be >= 1", ErrConfig, c.Groups)
	}
	if c.InChannels%c.Groups != 0 {
		return fmt.Errorf("%w: in_channels=%d not divisible by groups=%d", ErrConfig, c.InChannels, c.Groups)
	}
	if c.OutChannels%c.Groups != 0 {
		return fmt.Errorf("%w: out_channels=%d not divisible by groups=%d", ErrConfig, c.OutChannels, c.Groups)
	}
	if c.KernelSize[0] < 1 || c.KernelSize[1] < 1 {
		return fmt.Errorf("%w: kernel_size=%v must be >= 1", ErrConfig, c.KernelSize)
	}
	if err := c.geometry().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

// WeightShape is the OIHW shape of the module's weight tensor.
func (c Config) WeightShape() []int {
	return []int{c.OutChannels, c.InChannels / c.Groups, c.KernelSize[0], c.KernelSize[1]}
}

func (c Config) geometry() backend.Geometry {
	return backend.Geometry{
		Stride:   c.Stride,
		Padding:  c.Padding,
		Dilation: c.Dilation,
		Groups:   c.Groups,
	}
}
