// Package backend defines the compute contract for quantized convolution:
// packing a portable quantized weight into an opaque backend-optimized
// layout, unpacking it back bit-exactly, and running the packed forward
// kernel.
package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/qconv/pkg/qtensor"
)

const (
	CPU  = "cpu"
	Auto = "auto"
)

// Geometry is the structural configuration baked into a packed weight.
type Geometry struct {
	Stride   [2]int
	Padding  [2]int
	Dilation [2]int
	Groups   int
}

func (g Geometry) Validate() error {
	if g.Stride[0] < 1 || g.Stride[1] < 1 {
		return fmt.Errorf("backend: stride must be >= 1, got %v", g.Stride)
	}
	if g.Padding[0] < 0 || g.Padding[1] < 0 {
		return fmt.Errorf("backend: padding must be >= 0, got %v", g.Padding)
	}
	if g.Dilation[0] < 1 || g.Dilation[1] < 1 {
		return fmt.Errorf("backend: dilation must be >= 1, got %v", g.Dilation)
	}
	if g.Groups < 1 {
		return fmt.Errorf("backend: groups must be >= 1, got %d", g.Groups)
	}
	return nil
}

// PackedWeight is the opaque compute-optimized weight handle. It is owned by
// exactly one module, never shared, and never serialized; the portable form
// is always re-derivable via ConvUnpack.
type PackedWeight interface {
	// Backend names the backend that produced the handle.
	Backend() string
}

// Backend is a conv compute provider.
//
// ConvPack must be a pure function of (weight, geometry): packing the same
// tensor twice yields handles that unpack to equal tensors. ConvUnpack must
// reconstruct the packed tensor bit-exactly, quantization parameters
// included. Conv2D consumes a rank-4 input and produces an output already
// quantized to the supplied output parameters.
type Backend interface {
	Name() string
	ConvPack(w qtensor.Tensor, geom Geometry) (PackedWeight, error)
	ConvUnpack(pw PackedWeight) (qtensor.Tensor, error)
	Conv2D(input qtensor.Tensor, pw PackedWeight, bias *qtensor.Tensor, geom Geometry, out qtensor.QuantParams) (qtensor.Tensor, error)
}

var registry = map[string]func() Backend{}

// Register installs a backend constructor under name. Implementations call
// this from their init.
func Register(name string, ctor func() Backend) {
	registry[name] = ctor
}

// New resolves a normalized backend name to an instance.
func New(name string) (Backend, error) {
	name, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if name == Auto {
		name = CPU
	}
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("backend %q not linked into this build", name)
	}
	return ctor(), nil
}

// Normalize canonicalizes a backend name from config or CLI input.
func Normalize(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Auto, nil
	}
	switch name {
	case CPU, Auto:
		return name, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto or cpu)", name)
	}
}

// Available returns a comma-separated list of linked backends.
func Available() string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}
