// Package cpu provides the reference convolution backend: a direct
// int32-accumulator kernel over an OHWI-packed weight layout.
package cpu

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/qconv/internal/backend"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

func init() {
	backend.Register(backend.CPU, func() backend.Backend { return New() })
}

var (
	errForeignHandle = errors.New("cpu: packed weight was not produced by this backend")
	errGeometry      = errors.New("cpu: geometry does not match packed weight")
)

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return backend.CPU }

// packedConv is the opaque handle: weight values reordered from OIHW to
// OHWI (innermost input channel, matching the accumulation loop), plus the
// structural parameters and quantization parameters snapshotted at pack
// time. The buffer is owned by the handle and never aliases caller memory.
type packedConv struct {
	data   []int32
	shape  [4]int // original OIHW
	dtype  qtensor.DType
	params qtensor.QuantParams
	geom   backend.Geometry
}

func (p *packedConv) Backend() string { return backend.CPU }

// ConvPack reorders the OIHW weight into the kernel layout. Pure: the same
// tensor and geometry always produce an equivalent handle.
func (b *Backend) ConvPack(w qtensor.Tensor, geom backend.Geometry) (backend.PackedWeight, error) {
	if w.Rank() != 4 {
		return nil, fmt.Errorf("cpu: weight must have rank 4 (OIHW), got %d", w.Rank())
	}
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if err := w.Params.Check(w.DType); err != nil {
		return nil, err
	}
	o, i, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]

	packed := make([]int32, len(w.Data))
	for oc := range o {
		for ic := range i {
			for y := range kh {
				for x := range kw {
					src := ((oc*i+ic)*kh+y)*kw + x
					dst := ((oc*kh+y)*kw+x)*i + ic
					packed[dst] = w.Data[src]
				}
			}
		}
	}
	return &packedConv{
		data:   packed,
		shape:  [4]int{o, i, kh, kw},
		dtype:  w.DType,
		params: w.Params,
		geom:   geom,
	}, nil
}

// ConvUnpack reconstructs the portable OIHW tensor bit-exactly, including
// the quantization parameters recorded at pack time.
func (b *Backend) ConvUnpack(pw backend.PackedWeight) (qtensor.Tensor, error) {
	pc, ok := pw.(*packedConv)
	if !ok {
		return qtensor.Tensor{}, errForeignHandle
	}
	o, i, kh, kw := pc.shape[0], pc.shape[1], pc.shape[2], pc.shape[3]

	data := make([]int32, len(pc.data))
	for oc := range o {
		for ic := range i {
			for y := range kh {
				for x := range kw {
					src := ((oc*kh+y)*kw+x)*i + ic
					dst := ((oc*i+ic)*kh+y)*kw + x
					data[dst] = pc.data[src]
				}
			}
		}
	}
	return qtensor.New([]int{o, i, kh, kw}, pc.dtype, pc.params, data)
}

// Conv2D runs the packed convolution over a rank-4 NCHW input.
//
// The int32 accumulator operates at scale weight_scale*input_scale with the
// weight and input zero points subtracted; the bias, when present, is
// expected to already be quantized to that same scale with zero point 0 and
// is added directly into the accumulator. The result is requantized to the
// requested output parameters.
func (b *Backend) Conv2D(input qtensor.Tensor, pw backend.PackedWeight, bias *qtensor.Tensor, geom backend.Geometry, out qtensor.QuantParams) (qtensor.Tensor, error) {
	pc, ok := pw.(*packedConv)
	if !ok {
		return qtensor.Tensor{}, errForeignHandle
	}
	if geom != pc.geom {
		return qtensor.Tensor{}, errGeometry
	}
	if input.Rank() != 4 {
		return qtensor.Tensor{}, fmt.Errorf("cpu: input must have rank 4 (NCHW), got %d", input.Rank())
	}
	if err := out.Check(input.DType); err != nil {
		return qtensor.Tensor{}, err
	}

	o, ig, kh, kw := pc.shape[0], pc.shape[1], pc.shape[2], pc.shape[3]
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	groups := geom.Groups
	if c != ig*groups {
		return qtensor.Tensor{}, fmt.Errorf("cpu: input has %d channels, packed weight expects %d", c, ig*groups)
	}
	if o%groups != 0 {
		return qtensor.Tensor{}, fmt.Errorf("cpu: out_channels=%d not divisible by groups=%d", o, groups)
	}
	if bias != nil {
		if bias.Rank() != 1 || bias.Dim(0) != o {
			return qtensor.Tensor{}, fmt.Errorf("cpu: bias shape %v does not match out_channels=%d", bias.Shape, o)
		}
	}

	hOut := outSize(h, geom.Padding[0], geom.Dilation[0], kh, geom.Stride[0])
	wOut := outSize(w, geom.Padding[1], geom.Dilation[1], kw, geom.Stride[1])
	if hOut <= 0 || wOut <= 0 {
		return qtensor.Tensor{}, fmt.Errorf("cpu: empty output for input %dx%d with kernel %dx%d", h, w, kh, kw)
	}

	// Requantization factor from the accumulator scale to the output scale.
	mult := pc.params.Scale * input.Params.Scale / out.Scale
	wzp := pc.params.ZeroPoint
	xzp := input.Params.ZeroPoint
	qmin, qmax := input.DType.QMin(), input.DType.QMax()
	ocPerGroup := o / groups

	result := make([]int32, n*o*hOut*wOut)
	for batch := range n {
		for oc := range o {
			icBase := (oc / ocPerGroup) * ig
			for oy := range hOut {
				for ox := range wOut {
					var acc int64
					for ky := range kh {
						iy := oy*geom.Stride[0] - geom.Padding[0] + ky*geom.Dilation[0]
						if iy < 0 || iy >= h {
							continue
						}
						for kx := range kw {
							ix := ox*geom.Stride[1] - geom.Padding[1] + kx*geom.Dilation[1]
							if ix < 0 || ix >= w {
								continue
							}
							wRow := pc.data[((oc*kh+ky)*kw+kx)*ig:]
							for ic := range ig {
								xq := input.Data[((batch*c+icBase+ic)*h+iy)*w+ix]
								acc += int64(wRow[ic]-wzp) * int64(xq-xzp)
							}
						}
					}
					if bias != nil {
						acc += int64(bias.Data[oc])
					}
					q := int64(math.Round(float64(acc)*mult)) + int64(out.ZeroPoint)
					if q < int64(qmin) {
						q = int64(qmin)
					} else if q > int64(qmax) {
						q = int64(qmax)
					}
					result[((batch*o+oc)*hOut+oy)*wOut+ox] = int32(q)
				}
			}
		}
	}

	return qtensor.Tensor{
		Shape:  []int{n, o, hOut, wOut},
		DType:  input.DType,
		Params: out,
		Data:   result,
	}, nil
}

func outSize(in, pad, dilation, kernel, stride int) int {
	return (in+2*pad-dilation*(kernel-1)-1)/stride + 1
}
