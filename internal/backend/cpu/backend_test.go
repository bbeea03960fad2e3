package cpu

import (
	"math"
	"testing"

	"github.com/samcharles93/qconv/internal/backend"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

func defaultGeom() backend.Geometry {
	return backend.Geometry{
		Stride:   [2]int{1, 1},
		Padding:  [2]int{1, 1},
		Dilation: [2]int{1, 1},
		Groups:   1,
	}
}

// patternTensor builds a deterministic quantized tensor whose values sweep
// the dtype range.
func patternTensor(t *testing.T, shape []int, dt qtensor.DType, params qtensor.QuantParams) qtensor.Tensor {
	t.Helper()
	n := qtensor.Elems(shape)
	data := make([]int32, n)
	span := int64(dt.QMax()) - int64(dt.QMin())
	for i := range data {
		data[i] = dt.QMin() + int32((int64(i)*7)%(span+1))
	}
	qt, err := qtensor.New(shape, dt, params, data)
	if err != nil {
		t.Fatalf("build tensor: %v", err)
	}
	return qt
}

func TestPackUnpackRoundTrip(t *testing.T) {
	t.Parallel()

	b := New()
	geoms := []backend.Geometry{
		defaultGeom(),
		{Stride: [2]int{2, 1}, Padding: [2]int{0, 2}, Dilation: [2]int{1, 3}, Groups: 1},
		{Stride: [2]int{1, 1}, Padding: [2]int{0, 0}, Dilation: [2]int{1, 1}, Groups: 2},
	}
	w := patternTensor(t, []int{4, 3, 3, 2}, qtensor.Int8, qtensor.QuantParams{Scale: 0.05, ZeroPoint: 0})

	for _, geom := range geoms {
		pw, err := b.ConvPack(w, geom)
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		got, err := b.ConvUnpack(pw)
		if err != nil {
			t.Fatalf("unpack: %v", err)
		}
		if !got.Equal(w) {
			t.Fatalf("round trip mismatch for geom %+v", geom)
		}
	}
}

func TestPackRejectsBadWeight(t *testing.T) {
	t.Parallel()

	b := New()
	w := patternTensor(t, []int{2, 2, 3}, qtensor.Int8, qtensor.QuantParams{Scale: 1, ZeroPoint: 0})
	if _, err := b.ConvPack(w, defaultGeom()); err == nil {
		t.Fatalf("expected error for rank-3 weight")
	}

	w4 := patternTensor(t, []int{2, 2, 3, 3}, qtensor.Int8, qtensor.QuantParams{Scale: 1, ZeroPoint: 0})
	bad := defaultGeom()
	bad.Groups = 0
	if _, err := b.ConvPack(w4, bad); err == nil {
		t.Fatalf("expected error for groups=0")
	}
}

type foreignHandle struct{}

func (foreignHandle) Backend() string { return "other" }

func TestUnpackRejectsForeignHandle(t *testing.T) {
	t.Parallel()

	b := New()
	if _, err := b.ConvUnpack(foreignHandle{}); err == nil {
		t.Fatalf("expected error for foreign packed weight")
	}
}

// floatConv is the reference NCHW convolution over dequantized values.
func floatConv(input, weight qtensor.Tensor, bias []float32, geom backend.Geometry) ([]float32, []int) {
	x := input.Dequantize()
	wt := weight.Dequantize()
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	o, ig, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	hOut := (h+2*geom.Padding[0]-geom.Dilation[0]*(kh-1)-1)/geom.Stride[0] + 1
	wOut := (w+2*geom.Padding[1]-geom.Dilation[1]*(kw-1)-1)/geom.Stride[1] + 1
	ocPerGroup := o / geom.Groups

	out := make([]float32, n*o*hOut*wOut)
	for batch := 0; batch < n; batch++ {
		for oc := 0; oc < o; oc++ {
			icBase := (oc / ocPerGroup) * ig
			for oy := 0; oy < hOut; oy++ {
				for ox := 0; ox < wOut; ox++ {
					var sum float64
					for ic := 0; ic < ig; ic++ {
						for ky := 0; ky < kh; ky++ {
							iy := oy*geom.Stride[0] - geom.Padding[0] + ky*geom.Dilation[0]
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*geom.Stride[1] - geom.Padding[1] + kx*geom.Dilation[1]
								if ix < 0 || ix >= w {
									continue
								}
								xi := x[((batch*c+icBase+ic)*h+iy)*w+ix]
								wi := wt[((oc*ig+ic)*kh+ky)*kw+kx]
								sum += float64(xi) * float64(wi)
							}
						}
					}
					if bias != nil {
						sum += float64(bias[oc])
					}
					out[((batch*o+oc)*hOut+oy)*wOut+ox] = float32(sum)
				}
			}
		}
	}
	return out, []int{n, o, hOut, wOut}
}

func checkAgainstReference(t *testing.T, input, weight qtensor.Tensor, bias *qtensor.Tensor, geom backend.Geometry, out qtensor.QuantParams) {
	t.Helper()

	b := New()
	pw, err := b.ConvPack(weight, geom)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, err := b.Conv2D(input, pw, bias, geom, out)
	if err != nil {
		t.Fatalf("conv2d: %v", err)
	}

	var biasVals []float32
	if bias != nil {
		biasVals = bias.Dequantize()
	}
	ref, refShape := floatConv(input, weight, biasVals, geom)
	if len(got.Data) != len(ref) {
		t.Fatalf("output size: got %d want %d", len(got.Data), len(ref))
	}
	for i, dim := range refShape {
		if got.Shape[i] != dim {
			t.Fatalf("output shape: got %v want %v", got.Shape, refShape)
		}
	}

	qmin, qmax := input.DType.QMin(), input.DType.QMax()
	for i, r := range ref {
		q := int64(math.Round(float64(r)/out.Scale)) + int64(out.ZeroPoint)
		if q < int64(qmin) {
			q = int64(qmin)
		} else if q > int64(qmax) {
			q = int64(qmax)
		}
		diff := int64(got.Data[i]) - q
		if diff < -1 || diff > 1 {
			t.Fatalf("output[%d]: got %d, reference %d (real %g)", i, got.Data[i], q, r)
		}
	}
}

func TestConv2DMatchesFloatReference(t *testing.T) {
	t.Parallel()

	input := patternTensor(t, []int{2, 3, 5, 5}, qtensor.UInt8, qtensor.QuantParams{Scale: 0.02, ZeroPoint: 128})
	weight := patternTensor(t, []int{4, 3, 3, 3}, qtensor.Int8, qtensor.QuantParams{Scale: 0.01, ZeroPoint: 0})
	out := qtensor.QuantParams{Scale: 0.05, ZeroPoint: 100}

	checkAgainstReference(t, input, weight, nil, defaultGeom(), out)
}

func TestConv2DStrideDilation(t *testing.T) {
	t.Parallel()

	input := patternTensor(t, []int{1, 2, 9, 9}, qtensor.UInt8, qtensor.QuantParams{Scale: 0.03, ZeroPoint: 120})
	weight := patternTensor(t, []int{2, 2, 3, 3}, qtensor.Int8, qtensor.QuantParams{Scale: 0.02, ZeroPoint: 0})
	geom := backend.Geometry{
		Stride:   [2]int{2, 2},
		Padding:  [2]int{2, 1},
		Dilation: [2]int{2, 1},
		Groups:   1,
	}
	out := qtensor.QuantParams{Scale: 0.08, ZeroPoint: 90}

	checkAgainstReference(t, input, weight, nil, geom, out)
}

func TestConv2DGroups(t *testing.T) {
	t.Parallel()

	input := patternTensor(t, []int{1, 4, 6, 6}, qtensor.UInt8, qtensor.QuantParams{Scale: 0.02, ZeroPoint: 128})
	weight := patternTensor(t, []int{4, 2, 3, 3}, qtensor.Int8, qtensor.QuantParams{Scale: 0.015, ZeroPoint: 0})
	geom := defaultGeom()
	geom.Groups = 2
	out := qtensor.QuantParams{Scale: 0.04, ZeroPoint: 110}

	checkAgainstReference(t, input, weight, nil, geom, out)
}

func TestConv2DWithBias(t *testing.T) {
	t.Parallel()

	input := patternTensor(t, []int{1, 2, 4, 4}, qtensor.UInt8, qtensor.QuantParams{Scale: 0.05, ZeroPoint: 128})
	weight := patternTensor(t, []int{3, 2, 3, 3}, qtensor.Int8, qtensor.QuantParams{Scale: 0.02, ZeroPoint: 0})

	// Bias quantized to the accumulator scale weight_scale*input_scale.
	biasScale := 0.02 * 0.05
	bias, err := qtensor.New([]int{3}, qtensor.Int32,
		qtensor.QuantParams{Scale: biasScale, ZeroPoint: 0},
		[]int32{1000, -500, 0})
	if err != nil {
		t.Fatalf("build bias: %v", err)
	}
	out := qtensor.QuantParams{Scale: 0.06, ZeroPoint: 100}

	checkAgainstReference(t, input, weight, &bias, defaultGeom(), out)
}

func TestConv2DValidation(t *testing.T) {
	t.Parallel()

	b := New()
	weight := patternTensor(t, []int{2, 2, 3, 3}, qtensor.Int8, qtensor.QuantParams{Scale: 0.02, ZeroPoint: 0})
	geom := defaultGeom()
	pw, err := b.ConvPack(weight, geom)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	out := qtensor.QuantParams{Scale: 1, ZeroPoint: 0}

	rank3 := patternTensor(t, []int{2, 4, 4}, qtensor.UInt8, qtensor.QuantParams{Scale: 1, ZeroPoint: 0})
	if _, err := b.Conv2D(rank3, pw, nil, geom, out); err == nil {
		t.Fatalf("expected error for rank-3 input")
	}

	wrongChannels := patternTensor(t, []int{1, 3, 4, 4}, qtensor.UInt8, qtensor.QuantParams{Scale: 1, ZeroPoint: 0})
	if _, err := b.Conv2D(wrongChannels, pw, nil, geom, out); err == nil {
		t.Fatalf("expected error for channel mismatch")
	}

	otherGeom := geom
	otherGeom.Stride = [2]int{2, 2}
	goodInput := patternTensor(t, []int{1, 2, 4, 4}, qtensor.UInt8, qtensor.QuantParams{Scale: 1, ZeroPoint: 0})
	if _, err := b.Conv2D(goodInput, pw, nil, otherGeom, out); err == nil {
		t.Fatalf("expected error for geometry mismatch")
	}
}
