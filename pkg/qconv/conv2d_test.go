package qconv

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/qconv/internal/backend"
	_ "github.com/samcharles93/qconv/internal/backend/cpu"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

// recordBackend counts kernel invocations and captures the bias handed to
// the last Conv2D call.
type recordBackend struct {
	packCalls int
	convCalls int
	lastBias  *qtensor.Tensor
}

type recordPacked struct{ w qtensor.Tensor }

func (recordPacked) Backend() string { return "record" }

func (b *recordBackend) Name() string { return "record" }

func (b *recordBackend) ConvPack(w qtensor.Tensor, _ backend.Geometry) (backend.PackedWeight, error) {
	b.packCalls++
	return recordPacked{w: w.Clone()}, nil
}

func (b *recordBackend) ConvUnpack(pw backend.PackedWeight) (qtensor.Tensor, error) {
	return pw.(recordPacked).w.Clone(), nil
}

func (b *recordBackend) Conv2D(input qtensor.Tensor, _ backend.PackedWeight, bias *qtensor.Tensor, _ backend.Geometry, _ qtensor.QuantParams) (qtensor.Tensor, error) {
	b.convCalls++
	b.lastBias = bias
	return qtensor.Zeros([]int{1, 1, 1, 1}, input.DType)
}

func TestNewRejectsIndivisibleGroups(t *testing.T) {
	t.Parallel()

	cfg := NewConfig(10, 6, Square(3))
	cfg.Groups = 3
	if _, err := New(cfg, &recordBackend{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("in_channels=10 groups=3: got %v, want ErrConfig", err)
	}
}

func TestForwardRejectsBadInputBeforeKernel(t *testing.T) {
	t.Parallel()

	rb := &recordBackend{}
	m, err := New(NewConfig(3, 4, Square(3)), rb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rank3, err := qtensor.Zeros([]int{3, 8, 8}, qtensor.UInt8)
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}
	if _, err := m.Forward(rank3); !errors.Is(err, ErrShape) {
		t.Fatalf("rank-3 input: got %v, want ErrShape", err)
	}

	wrongCh, err := qtensor.Zeros([]int{1, 2, 8, 8}, qtensor.UInt8)
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}
	if _, err := m.Forward(wrongCh); !errors.Is(err, ErrShape) {
		t.Fatalf("2-channel input: got %v, want ErrShape", err)
	}

	if rb.convCalls != 0 {
		t.Fatalf("kernel invoked %d times on rejected input, want 0", rb.convCalls)
	}
}

func TestForwardRequantizesBiasPerCall(t *testing.T) {
	t.Parallel()

	rb := &recordBackend{}
	cfg := NewConfig(1, 1, Square(1))
	m, err := New(cfg, rb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wp, err := qtensor.NewQuantParams(0.01, 0, qtensor.Int8)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	w, err := qtensor.New([]int{1, 1, 1, 1}, qtensor.Int8, wp, []int32{50})
	if err != nil {
		t.Fatalf("New weight: %v", err)
	}
	if err := m.SetWeight(w); err != nil {
		t.Fatalf("SetWeight: %v", err)
	}

	// Stored at reference scale 0.001, representing a real bias of 10.0.
	bp, err := qtensor.NewQuantParams(0.001, 0, qtensor.Int32)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	b, err := qtensor.New([]int{1}, qtensor.Int32, bp, []int32{10000})
	if err != nil {
		t.Fatalf("New bias: %v", err)
	}
	if err := m.SetBias(&b); err != nil {
		t.Fatalf("SetBias: %v", err)
	}

	ip, err := qtensor.NewQuantParams(0.5, 0, qtensor.Int8)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	input, err := qtensor.New([]int{1, 1, 1, 1}, qtensor.Int8, ip, []int32{4})
	if err != nil {
		t.Fatalf("New input: %v", err)
	}
	if _, err := m.Forward(input); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if rb.lastBias == nil {
		t.Fatal("kernel received no bias")
	}
	// Operating scale is weight_scale * input_scale = 0.01 * 0.5.
	if got := rb.lastBias.Params.Scale; math.Abs(got-0.005) > 1e-12 {
		t.Fatalf("effective bias scale = %g, want 0.005", got)
	}
	if got := rb.lastBias.Data[0]; got != 2000 {
		t.Fatalf("effective bias value = %d, want 2000 (10.0 / 0.005)", got)
	}

	// The stored bias keeps its reference scale across calls.
	stored := m.Bias()
	if stored == nil || stored.Params.Scale != 0.001 || stored.Data[0] != 10000 {
		t.Fatalf("stored bias mutated by Forward: %v", stored)
	}
}

func TestSetWeightRejectsShapeAtomically(t *testing.T) {
	t.Parallel()

	rb := &recordBackend{}
	cfg := NewConfig(2, 2, Square(1))
	cfg.Bias = false
	m, err := New(cfg, rb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wp, err := qtensor.NewQuantParams(0.1, 0, qtensor.Int8)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	good, err := qtensor.New([]int{2, 2, 1, 1}, qtensor.Int8, wp, []int32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("New weight: %v", err)
	}
	if err := m.SetWeight(good); err != nil {
		t.Fatalf("SetWeight: %v", err)
	}

	bad, err := qtensor.New([]int{2, 2, 3, 3}, qtensor.Int8, wp, make([]int32, 36))
	if err != nil {
		t.Fatalf("New weight: %v", err)
	}
	if err := m.SetWeight(bad); !errors.Is(err, ErrShape) {
		t.Fatalf("mismatched weight: got %v, want ErrShape", err)
	}

	kept, err := m.Weight()
	if err != nil {
		t.Fatalf("Weight: %v", err)
	}
	if !kept.Equal(good) {
		t.Fatalf("weight changed by failed SetWeight: %v", kept)
	}
	if got := m.WeightScale(); got != 0.1 {
		t.Fatalf("weight scale = %g, want 0.1", got)
	}
}

func TestSetBiasValidation(t *testing.T) {
	t.Parallel()

	m, err := New(NewConfig(1, 2, Square(1)), &recordBackend{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p, err := qtensor.NewQuantParams(0.001, 0, qtensor.Int8)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	wrongDT, err := qtensor.New([]int{2}, qtensor.Int8, p, []int32{1, 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.SetBias(&wrongDT); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("int8 bias: got %v, want ErrUnsupportedDType", err)
	}

	p32, err := qtensor.NewQuantParams(0.001, 5, qtensor.Int32)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	nonzeroZP, err := qtensor.New([]int{2}, qtensor.Int32, p32, []int32{1, 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.SetBias(&nonzeroZP); !errors.Is(err, ErrConfig) {
		t.Fatalf("bias zero_point=5: got %v, want ErrConfig", err)
	}

	if err := m.SetBias(nil); err != nil {
		t.Fatalf("clearing bias: %v", err)
	}
	if m.Bias() != nil {
		t.Fatal("bias not cleared")
	}
}

func TestForwardAgainstCPUBackend(t *testing.T) {
	t.Parallel()

	be, err := backend.New(backend.CPU)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	cfg := NewConfig(1, 1, Square(1))
	cfg.Bias = false
	m, err := New(cfg, be)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wp, err := qtensor.NewQuantParams(0.1, 0, qtensor.Int8)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	w, err := qtensor.New([]int{1, 1, 1, 1}, qtensor.Int8, wp, []int32{10})
	if err != nil {
		t.Fatalf("New weight: %v", err)
	}
	if err := m.SetWeight(w); err != nil {
		t.Fatalf("SetWeight: %v", err)
	}
	if err := m.SetOutputQParams(qtensor.QuantParams{Scale: 0.05, ZeroPoint: 0}); err != nil {
		t.Fatalf("SetOutputQParams: %v", err)
	}

	ip, err := qtensor.NewQuantParams(0.5, 0, qtensor.Int8)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	input, err := qtensor.New([]int{1, 1, 1, 1}, qtensor.Int8, ip, []int32{2})
	if err != nil {
		t.Fatalf("New input: %v", err)
	}

	out, err := m.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// real: 1.0 (weight) * 1.0 (input) = 1.0, at output scale 0.05 that is 20.
	if out.Data[0] != 20 {
		t.Fatalf("output = %d, want 20", out.Data[0])
	}
	if got, want := out.Shape, m.OutputShape(1, 1, 1); got[2] != want[2] || got[3] != want[3] {
		t.Fatalf("output shape %v, want %v", got, want)
	}
}

func TestOutputShape(t *testing.T) {
	t.Parallel()

	cfg := NewConfig(3, 8, Square(3))
	cfg.Stride = [2]int{2, 2}
	cfg.Padding = [2]int{1, 1}
	m, err := New(cfg, &recordBackend{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := m.OutputShape(2, 32, 32)
	want := []int{2, 8, 16, 16}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("OutputShape = %v, want %v", got, want)
		}
	}
}
