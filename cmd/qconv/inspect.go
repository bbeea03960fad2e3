package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qconv/pkg/qcf"
)

func inspectCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show the contents of a .qcf container",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit the module descriptor as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("error: inspect requires a container path", 1)
			}

			info, err := qcf.Inspect(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Printf("Conv2d(%d, %d, kernel_size=%v, stride=%v, padding=%v, dilation=%v, groups=%d)\n",
				info.InChannels, info.OutChannels, info.KernelSize,
				info.Stride, info.Padding, info.Dilation, info.Groups)
			fmt.Printf("output:  scale=%g zero_point=%d\n", info.Scale, info.ZeroPoint)
			printTensorRef("weight", &info.Weight)
			printTensorRef("bias", info.Bias)
			return nil
		},
	}
}

func printTensorRef(name string, ref *qcf.TensorRef) {
	if ref == nil {
		fmt.Printf("%-7s (none)\n", name+":")
		return
	}
	fmt.Printf("%-7s %s %v scale=%g zero_point=%d (%d bytes @ 0x%x)\n",
		name+":", ref.DType, ref.Shape, ref.Scale, ref.ZeroPoint, ref.DataSize, ref.DataOff)
}
