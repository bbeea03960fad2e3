package qconv

import (
	"fmt"

	"github.com/samcharles93/qconv/internal/backend"
	"github.com/samcharles93/qconv/pkg/observer"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

// biasScaleShift fixes the bias reference scale at activation_scale / 2^16,
// preserving about 24 bits of bias precision relative to the int32
// accumulator. Consuming kernels assume this exact formula.
const biasScaleShift = 1 << 16

// FloatConv2d is the calibrated floating-point module accepted by FromFloat:
// structural config plus raw OIHW weight and optional per-channel bias.
type FloatConv2d struct {
	Config Config
	Weight []float32
	Bias   []float32
}

// QConfig supplies the quantization configuration attached to a
// post-training float module: a factory for fresh weight observers.
type QConfig struct {
	Weight func() observer.Observer
}

// CalibrationSource is a tagged variant describing where quantization
// statistics come from, resolved once at conversion entry.
type CalibrationSource struct {
	kind calibrationKind

	// post-training
	qconfig QConfig

	// quantization-aware training
	weightFakeQuant observer.Observer
	bn              *BNStats

	activation observer.Observer
}

type calibrationKind uint8

const (
	calibrationNone calibrationKind = iota
	calibrationPostTraining
	calibrationQAT
)

// PostTraining selects the post-training-quantization path: a fresh weight
// observer from qc runs over the raw weights, and activation statistics
// come from act.
func PostTraining(qc QConfig, act observer.Observer) CalibrationSource {
	return CalibrationSource{kind: calibrationPostTraining, qconfig: qc, activation: act}
}

// QATrained selects the quantization-aware-training path: weight statistics
// come from the training-time fake quantizer, activation statistics from
// act. A non-nil bn is an attached, still-unfused batch normalization whose
// running statistics are folded into the weights first.
func QATrained(weightFakeQuant, act observer.Observer, bn *BNStats) CalibrationSource {
	return CalibrationSource{kind: calibrationQAT, weightFakeQuant: weightFakeQuant, activation: act, bn: bn}
}

// FromFloat converts a calibrated float convolution into a quantized
// Conv2d: derives activation, weight, and bias quantization parameters,
// quantizes the tensors, and packs the weight for the given backend.
func FromFloat(mod *FloatConv2d, src CalibrationSource, be backend.Backend) (*Conv2d, error) {
	if mod == nil {
		return nil, fmt.Errorf("%w: nil float module", ErrTypeMismatch)
	}
	cfg := mod.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wantShape := cfg.WeightShape()
	if len(mod.Weight) != qtensor.Elems(wantShape) {
		return nil, fmt.Errorf("%w: weight length %d does not match config shape %v", ErrTypeMismatch, len(mod.Weight), wantShape)
	}
	if cfg.Bias != (mod.Bias != nil) {
		return nil, fmt.Errorf("%w: config bias=%v but bias tensor present=%v", ErrTypeMismatch, cfg.Bias, mod.Bias != nil)
	}
	if mod.Bias != nil && len(mod.Bias) != cfg.OutChannels {
		return nil, fmt.Errorf("%w: bias length %d, want out_channels=%d", ErrTypeMismatch, len(mod.Bias), cfg.OutChannels)
	}

	weight := mod.Weight
	bias := mod.Bias

	var weightObs observer.Observer
	switch src.kind {
	case calibrationQAT:
		if src.weightFakeQuant == nil {
			return nil, fmt.Errorf("%w: QAT source missing weight fake quantizer", ErrConfig)
		}
		if src.bn != nil {
			var err error
			weight, bias, err = FuseConvBN(weight, wantShape, bias, *src.bn)
			if err != nil {
				return nil, err
			}
			if !cfg.Bias {
				// Fusion always produces a bias term.
				cfg.Bias = true
			}
		}
		weightObs = src.weightFakeQuant
	case calibrationPostTraining:
		if src.qconfig.Weight == nil {
			return nil, fmt.Errorf("%w: float module has no quantization config attached", ErrConfig)
		}
		weightObs = src.qconfig.Weight()
		weightObs.Observe(weight)
	default:
		return nil, fmt.Errorf("%w: no calibration source attached", ErrConfig)
	}
	if src.activation == nil {
		return nil, fmt.Errorf("%w: float module has no activation observer attached", ErrConfig)
	}

	actParams, err := src.activation.CalculateQParams()
	if err != nil {
		return nil, fmt.Errorf("%w: activation qparams: %v", ErrConfig, err)
	}

	if dt := weightObs.DType(); dt != qtensor.Int8 {
		return nil, fmt.Errorf("%w: weight observer dtype %s, want int8", ErrUnsupportedDType, dt)
	}
	weightParams, err := weightObs.CalculateQParams()
	if err != nil {
		return nil, fmt.Errorf("%w: weight qparams: %v", ErrConfig, err)
	}
	// Weights are symmetric; the observer contract pins the zero point.
	weightParams.ZeroPoint = 0

	qweight, err := qtensor.Quantize(weight, wantShape, weightParams, qtensor.Int8)
	if err != nil {
		return nil, err
	}

	m, err := New(cfg, be)
	if err != nil {
		return nil, err
	}
	if err := m.SetWeight(qweight); err != nil {
		return nil, err
	}

	if bias != nil {
		refScale := actParams.Scale / biasScaleShift
		biasParams, err := qtensor.NewQuantParams(refScale, 0, qtensor.Int32)
		if err != nil {
			return nil, fmt.Errorf("%w: bias reference scale: %v", ErrConfig, err)
		}
		qbias, err := qtensor.Quantize(bias, []int{cfg.OutChannels}, biasParams, qtensor.Int32)
		if err != nil {
			return nil, err
		}
		if err := m.SetBias(&qbias); err != nil {
			return nil, err
		}
	} else if err := m.SetBias(nil); err != nil {
		return nil, err
	}

	if err := m.SetOutputQParams(actParams); err != nil {
		return nil, err
	}
	return m, nil
}
