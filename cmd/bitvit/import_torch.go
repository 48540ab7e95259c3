package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitvit/internal/checkpoint"
	"github.com/samcharles93/bitvit/internal/logger"
	"github.com/samcharles93/bitvit/internal/model"
)

func importTorchCmd() *cli.Command {
	var (
		weights string
		out     string
		dtype   string
		dropout float64
	)

	flags := append([]cli.Flag{
		&cli.StringFlag{Name: "weights", Aliases: []string{"w"}, Usage: "PyTorch state dict (.pt/.pth)", Required: true, Destination: &weights},
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output .safetensors path", Required: true, Destination: &out},
		&cli.StringFlag{Name: "dtype", Usage: "checkpoint float type (f32, f16, bf16)", Value: "f32", Destination: &dtype},
	}, archFlags(&dropout)...)

	return &cli.Command{
		Name:  "import-torch",
		Usage: "Convert a PyTorch BitNet ViT state dict into a checkpoint",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyArchConfig(c, fileConfig, &dropout)
			dt, err := checkpoint.ParseDType(dtype)
			if err != nil {
				return err
			}
			m, err := model.New(arch, model.WithLogger(log))
			if err != nil {
				return err
			}
			report, err := checkpoint.ImportTorch(weights, m)
			if err != nil {
				return err
			}
			for _, k := range report.Skipped {
				log.Debug("skipped state dict entry", "key", k)
			}
			if err := checkpoint.Save(out, m, checkpoint.Meta{}, dt); err != nil {
				return err
			}
			log.Info("imported torch weights",
				"from", weights,
				"to", out,
				"loaded", len(report.Loaded),
				"skipped", len(report.Skipped),
			)
			return nil
		},
	}
}
