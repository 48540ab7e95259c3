package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitvit/internal/checkpoint"
	"github.com/samcharles93/bitvit/internal/logger"
)

func exportCmd() *cli.Command {
	var out string

	return &cli.Command{
		Name:  "export",
		Usage: "Write an inference checkpoint with 1-bit packed BitLinear weights",
		Flags: []cli.Flag{
			checkpointFlag(true),
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output .safetensors path", Required: true, Destination: &out},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			m, meta, err := checkpoint.Load(checkpointPath)
			if err != nil {
				return err
			}
			if err := checkpoint.ExportBinary(out, m, meta); err != nil {
				return err
			}
			args := []any{"from", checkpointPath, "to", out}
			if before, err := os.Stat(checkpointPath); err == nil {
				if after, err := os.Stat(out); err == nil {
					args = append(args, "bytes_before", before.Size(), "bytes_after", after.Size())
				}
			}
			log.Info("exported binary checkpoint", args...)
			return nil
		},
	}
}
