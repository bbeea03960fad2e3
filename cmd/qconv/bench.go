package main

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qconv/internal/backend"
	_ "github.com/samcharles93/qconv/internal/backend/cpu"
	"github.com/samcharles93/qconv/pkg/qcf"
	"github.com/samcharles93/qconv/pkg/qconv"
	"github.com/samcharles93/qconv/pkg/qtensor"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		batch      int64
		height     int64
		width      int64
		seed       int64
	)

	flags := append([]cli.Flag{}, commonFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       2,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       10,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "input batch size",
			Value:       1,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "height",
			Usage:       "input height",
			Value:       224,
			Destination: &height,
		},
		&cli.Int64Flag{
			Name:        "width",
			Usage:       "input width",
			Value:       224,
			Destination: &width,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "input generation seed",
			Value:       42,
			Destination: &seed,
		},
	)

	return &cli.Command{
		Name:      "bench",
		Usage:     "Benchmark forward passes of a .qcf module",
		ArgsUsage: "<path>",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := newLogger()

			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("error: bench requires a container path", 1)
			}

			be, err := backend.New(backendName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			log.Info("loading module", "path", path, "backend", be.Name())
			loadStart := time.Now()
			st, err := qcf.ReadModule(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read container: %v", err), 1)
			}
			m, err := qconv.NewFromState(st, be)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load module: %v", err), 1)
			}
			loadDuration := time.Since(loadStart)

			cfg := m.Config()
			input, err := randomInput(cfg, int(batch), int(height), int(width), seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build input: %v", err), 1)
			}
			outShape := m.OutputShape(int(batch), int(height), int(width))
			macsPerRun := float64(qtensor.Elems(outShape)) *
				float64(cfg.InChannels/cfg.Groups) *
				float64(cfg.KernelSize[0]*cfg.KernelSize[1])

			fmt.Println("=== qconv bench ===")
			fmt.Println(m)
			fmt.Printf("Input:      %v\n", input.Shape)
			fmt.Printf("Output:     %v\n", outShape)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Println()

			for i := range int(warmupRuns) {
				log.Debug("warmup run", "run", i+1)
				if _, err := m.Forward(input); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			durations := make([]time.Duration, 0, benchRuns)
			for i := range int(benchRuns) {
				start := time.Now()
				if _, err := m.Forward(input); err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				durations = append(durations, time.Since(start))
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %12s %12s\n", "Run", "Duration", "GMAC/s")
			var sum time.Duration
			for i, d := range durations {
				fmt.Printf("%-6d %12s %12.2f\n", i+1, d.Round(time.Microsecond), macsPerRun/d.Seconds()/1e9)
				sum += d
			}
			avg := sum / time.Duration(len(durations))
			fmt.Printf("\n%-6s %12s %12.2f\n", "Avg", avg.Round(time.Microsecond), macsPerRun/avg.Seconds()/1e9)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

// randomInput builds a deterministic uint8 activation batch spanning the
// full quantized range.
func randomInput(cfg qconv.Config, batch, height, width int, seed int64) (qtensor.Tensor, error) {
	shape := []int{batch, cfg.InChannels, height, width}
	n := qtensor.Elems(shape)
	if n < 0 {
		return qtensor.Tensor{}, fmt.Errorf("invalid input shape %v", shape)
	}
	rng := rand.New(rand.NewSource(seed))
	data := make([]int32, n)
	for i := range data {
		data[i] = int32(rng.Intn(256))
	}
	params, err := qtensor.NewQuantParams(1.0/255, 0, qtensor.UInt8)
	if err != nil {
		return qtensor.Tensor{}, err
	}
	return qtensor.New(shape, qtensor.UInt8, params, data)
}
