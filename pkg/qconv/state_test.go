package qconv

import (
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/samcharles93/qconv/internal/backend"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

func buildModule(t *testing.T) *Conv2d {
	t.Helper()

	be, err := backend.New(backend.CPU)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	cfg := NewConfig(2, 2, Square(3))
	cfg.Padding = [2]int{1, 1}
	m, err := New(cfg, be)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wp, err := qtensor.NewQuantParams(0.02, 0, qtensor.Int8)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	data := make([]int32, 2*2*3*3)
	for i := range data {
		data[i] = int32(i%21 - 10)
	}
	w, err := qtensor.New(cfg.WeightShape(), qtensor.Int8, wp, data)
	if err != nil {
		t.Fatalf("New weight: %v", err)
	}
	if err := m.SetWeight(w); err != nil {
		t.Fatalf("SetWeight: %v", err)
	}

	bp, err := qtensor.NewQuantParams(1e-4, 0, qtensor.Int32)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	b, err := qtensor.New([]int{2}, qtensor.Int32, bp, []int32{1500, -4200})
	if err != nil {
		t.Fatalf("New bias: %v", err)
	}
	if err := m.SetBias(&b); err != nil {
		t.Fatalf("SetBias: %v", err)
	}
	if err := m.SetOutputQParams(qtensor.QuantParams{Scale: 0.125, ZeroPoint: 3}); err != nil {
		t.Fatalf("SetOutputQParams: %v", err)
	}
	return m
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	m := buildModule(t)
	st, err := m.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Transposed {
		t.Fatal("exported state has transposed=true")
	}
	if st.OutputPadding != [2]int{} {
		t.Fatalf("exported state has output_padding=%v", st.OutputPadding)
	}

	restored, err := NewFromState(st, m.Backend())
	if err != nil {
		t.Fatalf("NewFromState: %v", err)
	}

	w1, err := m.Weight()
	if err != nil {
		t.Fatalf("Weight: %v", err)
	}
	w2, err := restored.Weight()
	if err != nil {
		t.Fatalf("Weight: %v", err)
	}
	if !w1.Equal(w2) {
		t.Fatal("restored weight differs")
	}
	if b1, b2 := m.Bias(), restored.Bias(); !b1.Equal(*b2) {
		t.Fatalf("restored bias differs: %v vs %v", b1, b2)
	}
	if m.OutputQParams() != restored.OutputQParams() {
		t.Fatal("restored output params differ")
	}

	// Observational equivalence on a live input.
	ip, err := qtensor.NewQuantParams(0.04, 2, qtensor.UInt8)
	if err != nil {
		t.Fatalf("NewQuantParams: %v", err)
	}
	idata := make([]int32, 2*5*5)
	for i := range idata {
		idata[i] = int32(i % 17)
	}
	input, err := qtensor.New([]int{1, 2, 5, 5}, qtensor.UInt8, ip, idata)
	if err != nil {
		t.Fatalf("New input: %v", err)
	}
	o1, err := m.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	o2, err := restored.Forward(input)
	if err != nil {
		t.Fatalf("Forward restored: %v", err)
	}
	if !o1.Equal(o2) {
		t.Fatal("restored module computes a different output")
	}
}

func TestStateJSONFieldOrder(t *testing.T) {
	t.Parallel()

	m := buildModule(t)
	st, err := m.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	keys := []string{
		`"in_channels"`, `"out_channels"`, `"kernel_size"`, `"stride"`,
		`"padding"`, `"dilation"`, `"transposed"`, `"output_padding"`,
		`"groups"`, `"padding_mode"`, `"weight"`, `"bias"`, `"scale"`, `"zero_point"`,
	}
	prev := -1
	body := string(raw)
	for _, k := range keys {
		idx := strings.Index(body, k)
		if idx < 0 {
			t.Fatalf("serialized state missing %s", k)
		}
		if idx < prev {
			t.Fatalf("%s out of order in serialized state", k)
		}
		prev = idx
	}

	var back State
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, err := NewFromState(back, m.Backend()); err != nil {
		t.Fatalf("NewFromState after JSON round trip: %v", err)
	}
}

func TestStateValidate(t *testing.T) {
	t.Parallel()

	m := buildModule(t)
	good, err := m.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*State)
	}{
		{"missing weight", func(s *State) { s.Weight = qtensor.Tensor{} }},
		{"missing scale", func(s *State) { s.Scale = 0 }},
		{"transposed", func(s *State) { s.Transposed = true }},
		{"output padding", func(s *State) { s.OutputPadding = [2]int{1, 0} }},
		{"bad padding mode", func(s *State) { s.PaddingMode = "reflect" }},
		{"bias zero point", func(s *State) { s.Bias.Params.ZeroPoint = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st, err := m.State()
			if err != nil {
				t.Fatalf("State: %v", err)
			}
			tc.mutate(&st)
			if err := st.Validate(); !errors.Is(err, ErrState) {
				t.Fatalf("got %v, want ErrState", err)
			}
		})
	}

	if err := good.Validate(); err != nil {
		t.Fatalf("valid state rejected: %v", err)
	}
}

func TestLoadStateRejectsWithoutMutating(t *testing.T) {
	t.Parallel()

	m := buildModule(t)
	before, err := m.Weight()
	if err != nil {
		t.Fatalf("Weight: %v", err)
	}

	st, err := m.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	st.Transposed = true
	if err := m.LoadState(st); !errors.Is(err, ErrState) {
		t.Fatalf("got %v, want ErrState", err)
	}

	after, err := m.Weight()
	if err != nil {
		t.Fatalf("Weight: %v", err)
	}
	if !before.Equal(after) {
		t.Fatal("failed LoadState mutated the module")
	}
}
