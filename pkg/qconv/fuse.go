package qconv

import (
	"fmt"
	"math"
)

// BNStats holds a batch normalization layer's learned affine parameters and
// running statistics, all indexed by output channel.
type BNStats struct {
	RunningMean []float32
	RunningVar  []float32
	Eps         float64
	Gamma       []float32
	Beta        []float32
}

// FuseConvBN folds a trailing batch normalization into the convolution's
// weight and bias, producing one equivalent convolution. Per output channel
// c:
//
//	k_c      = gamma_c / sqrt(running_var_c + eps)
//	weight_c = weight_c * k_c
//	bias_c   = (bias_c - running_mean_c) * k_c + beta_c
//
// This runs on real values before any quantization step; fusing after
// quantization would compound rounding error. A nil bias is treated as
// zeros. The inputs are not modified.
func FuseConvBN(weight []float32, weightShape []int, bias []float32, bn BNStats) ([]float32, []float32, error) {
	if len(weightShape) != 4 {
		return nil, nil, fmt.Errorf("%w: weight rank %d, want 4 (OIHW)", ErrShape, len(weightShape))
	}
	outCh := weightShape[0]
	perChannel := weightShape[1] * weightShape[2] * weightShape[3]
	if outCh*perChannel != len(weight) {
		return nil, nil, fmt.Errorf("%w: weight length %d does not match shape %v", ErrShape, len(weight), weightShape)
	}
	for name, s := range map[string][]float32{
		"running_mean": bn.RunningMean,
		"running_var":  bn.RunningVar,
		"gamma":        bn.Gamma,
		"beta":         bn.Beta,
	} {
		if len(s) != outCh {
			return nil, nil, fmt.Errorf("%w: %s length %d, want out_channels=%d", ErrShape, name, len(s), outCh)
		}
	}
	if bias != nil && len(bias) != outCh {
		return nil, nil, fmt.Errorf("%w: bias length %d, want out_channels=%d", ErrShape, len(bias), outCh)
	}

	fusedW := make([]float32, len(weight))
	fusedB := make([]float32, outCh)
	for c := 0; c < outCh; c++ {
		k := float64(bn.Gamma[c]) / math.Sqrt(float64(bn.RunningVar[c])+bn.Eps)
		base := c * perChannel
		for i := 0; i < perChannel; i++ {
			fusedW[base+i] = float32(float64(weight[base+i]) * k)
		}
		var b float64
		if bias != nil {
			b = float64(bias[c])
		}
		fusedB[c] = float32((b-float64(bn.RunningMean[c]))*k + float64(bn.Beta[c]))
	}
	return fusedW, fusedB, nil
}
