package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qconv/internal/backend"
	_ "github.com/samcharles93/qconv/internal/backend/cpu"
	"github.com/samcharles93/qconv/pkg/observer"
	"github.com/samcharles93/qconv/pkg/qcf"
	"github.com/samcharles93/qconv/pkg/qconv"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

// floatCheckpoint is the JSON interchange form of a calibrated float
// convolution: structure, raw weights, and the observed statistics needed
// to derive quantization parameters.
type floatCheckpoint struct {
	Config     qconv.Config `json:"config"`
	Weight     []float32    `json:"weight"`
	Bias       []float32    `json:"bias,omitempty"`
	Activation rangeStats   `json:"activation"`
	QAT        *qatStats    `json:"qat,omitempty"`
}

type rangeStats struct {
	Min float32 `json:"min"`
	Max float32 `json:"max"`
}

type qatStats struct {
	WeightRange rangeStats `json:"weight_range"`
	BatchNorm   *bnStats   `json:"batch_norm,omitempty"`
}

type bnStats struct {
	RunningMean []float32 `json:"running_mean"`
	RunningVar  []float32 `json:"running_var"`
	Eps         float64   `json:"eps"`
	Gamma       []float32 `json:"gamma"`
	Beta        []float32 `json:"beta"`
}

// normalizeConfig fills the conventional defaults for fields a checkpoint
// may omit. Validation still happens inside qconv.
func normalizeConfig(c *qconv.Config) {
	if c.Stride == ([2]int{}) {
		c.Stride = [2]int{1, 1}
	}
	if c.Dilation == ([2]int{}) {
		c.Dilation = [2]int{1, 1}
	}
	if c.Groups == 0 {
		c.Groups = 1
	}
	if c.PaddingMode == "" {
		c.PaddingMode = qconv.PaddingZeros
	}
}

func convertCmd() *cli.Command {
	var (
		inputPath  string
		outputPath string
	)

	flags := append([]cli.Flag{}, commonFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "path to calibrated float checkpoint (.json)",
			Required:    true,
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "path to output container (.qcf)",
			Required:    true,
			Destination: &outputPath,
		},
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Quantize a calibrated float checkpoint into a .qcf container",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := newLogger()

			raw, err := os.ReadFile(inputPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read checkpoint: %v", err), 1)
			}
			var ckpt floatCheckpoint
			if err := json.Unmarshal(raw, &ckpt); err != nil {
				return cli.Exit(fmt.Sprintf("error: parse checkpoint: %v", err), 1)
			}

			be, err := backend.New(backendName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			normalizeConfig(&ckpt.Config)

			act := observer.Static{
				Min: ckpt.Activation.Min,
				Max: ckpt.Activation.Max,
				DT:  qtensor.UInt8,
			}
			var src qconv.CalibrationSource
			if ckpt.QAT != nil {
				fakeQuant := observer.Static{
					Min:       ckpt.QAT.WeightRange.Min,
					Max:       ckpt.QAT.WeightRange.Max,
					DT:        qtensor.Int8,
					Symmetric: true,
				}
				var bn *qconv.BNStats
				if s := ckpt.QAT.BatchNorm; s != nil {
					bn = &qconv.BNStats{
						RunningMean: s.RunningMean,
						RunningVar:  s.RunningVar,
						Eps:         s.Eps,
						Gamma:       s.Gamma,
						Beta:        s.Beta,
					}
				}
				src = qconv.QATrained(fakeQuant, act, bn)
				log.Info("using QAT calibration", "batch_norm", bn != nil)
			} else {
				qc := qconv.QConfig{Weight: func() observer.Observer {
					return observer.NewMinMax(qtensor.Int8, true)
				}}
				src = qconv.PostTraining(qc, act)
				log.Info("using post-training calibration")
			}

			mod := &qconv.FloatConv2d{
				Config: ckpt.Config,
				Weight: ckpt.Weight,
				Bias:   ckpt.Bias,
			}
			m, err := qconv.FromFloat(mod, src, be)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: convert: %v", err), 1)
			}

			st, err := m.State()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: export state: %v", err), 1)
			}
			if err := qcf.SaveModule(outputPath, st); err != nil {
				return cli.Exit(fmt.Sprintf("error: write container: %v", err), 1)
			}

			log.Info("wrote quantized module",
				"path", outputPath,
				"weight_scale", m.WeightScale(),
				"output_scale", st.Scale,
				"output_zero_point", st.ZeroPoint,
			)
			return nil
		},
	}
}
