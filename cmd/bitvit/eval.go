package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitvit/internal/checkpoint"
	"github.com/samcharles93/bitvit/internal/logger"
	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/internal/tensor"
	"github.com/samcharles93/bitvit/internal/train"
)

func evalCmd() *cli.Command {
	return &cli.Command{
		Name:  "eval",
		Usage: "Report loss and accuracy of a checkpoint on the CIFAR-10 test split",
		Flags: append([]cli.Flag{checkpointFlag(true)}, dataFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyDataConfig(c, fileConfig)

			m, meta, err := checkpoint.Load(checkpointPath, model.WithLogger(log))
			if err != nil {
				return err
			}
			src, err := cifarLoader(m.Config(), false, m.Config().Seed)
			if err != nil {
				return err
			}
			res, err := train.Evaluate(ctx, m, src, tensor.Workers())
			if err != nil {
				return err
			}
			if n := m.DegenerateTokens(); n > 0 {
				log.Warn("activation quantization hit the epsilon clamp", "tokens", n)
			}
			fmt.Printf("checkpoint: %s\n", checkpointPath)
			if meta.RunID != "" {
				fmt.Printf("run:        %s (epoch %d)\n", meta.RunID, meta.Epoch)
			}
			fmt.Printf("samples:    %d\n", res.Samples)
			fmt.Printf("loss:       %.4f\n", res.Loss)
			fmt.Printf("accuracy:   %.2f%%\n", res.Accuracy)
			return nil
		},
	}
}
