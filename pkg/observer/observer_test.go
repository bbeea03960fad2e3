package observer

import (
	"testing"

	"github.com/samcharles93/qconv/pkg/qtensor"
)

func TestMinMaxTracksRangeAcrossBatches(t *testing.T) {
	t.Parallel()

	o := NewMinMax(qtensor.UInt8, false)
	o.Observe([]float32{0.5, 1.5})
	o.Observe([]float32{-2, 0.25})

	min, max, ok := o.Range()
	if !ok {
		t.Fatalf("expected observations")
	}
	if min != -2 || max != 1.5 {
		t.Fatalf("range: got [%g,%g] want [-2,1.5]", min, max)
	}

	p, err := o.CalculateQParams()
	if err != nil {
		t.Fatalf("calculate qparams: %v", err)
	}
	if p.Scale <= 0 {
		t.Fatalf("scale must be positive, got %g", p.Scale)
	}
}

func TestMinMaxEmptyErrors(t *testing.T) {
	t.Parallel()

	o := NewMinMax(qtensor.Int8, true)
	if _, err := o.CalculateQParams(); err == nil {
		t.Fatalf("expected error with no observations")
	}
}

func TestStaticObserver(t *testing.T) {
	t.Parallel()

	s := Static{Min: -1, Max: 1, DT: qtensor.Int8, Symmetric: true}
	p, err := s.CalculateQParams()
	if err != nil {
		t.Fatalf("calculate qparams: %v", err)
	}
	if p.ZeroPoint != 0 {
		t.Fatalf("symmetric static observer must yield zero point 0, got %d", p.ZeroPoint)
	}
	if s.DType() != qtensor.Int8 {
		t.Fatalf("dtype: got %s", s.DType())
	}
}
