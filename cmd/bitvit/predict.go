package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitvit/internal/checkpoint"
	"github.com/samcharles93/bitvit/internal/dataset"
	"github.com/samcharles93/bitvit/internal/logger"
	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/internal/tensor"
)

func predictCmd() *cli.Command {
	var topK int

	return &cli.Command{
		Name:      "predict",
		Usage:     "Classify image files with a checkpoint",
		ArgsUsage: "IMAGE [IMAGE...]",
		Flags: []cli.Flag{
			checkpointFlag(true),
			&cli.IntFlag{Name: "top-k", Aliases: []string{"k"}, Usage: "classes to show per image", Value: 3, Destination: &topK},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			paths := c.Args().Slice()
			if len(paths) == 0 {
				return errors.New("predict: no image files given")
			}
			if topK <= 0 {
				return fmt.Errorf("predict: --top-k must be positive, got %d", topK)
			}

			m, _, err := checkpoint.Load(checkpointPath, model.WithLogger(log))
			if err != nil {
				return err
			}
			cfg := m.Config()
			if cfg.Channels != dataset.CIFARChannels {
				return fmt.Errorf("predict: image files need a %d-channel model, checkpoint has %d", dataset.CIFARChannels, cfg.Channels)
			}
			images, err := dataset.CIFARTransform(cfg.ImageSize, false).LoadImageFiles(paths)
			if err != nil {
				return err
			}
			logits, err := m.Forward(images)
			if err != nil {
				return err
			}

			labels := classLabels(cfg)
			var rows [][]string
			for i, p := range paths {
				probs := append([]float32(nil), logits.Row(i)...)
				tensor.Softmax(probs)
				for rank, cls := range rankClasses(probs, topK) {
					name := filepath.Base(p)
					if rank > 0 {
						name = ""
					}
					label := strconv.Itoa(cls)
					if cls < len(labels) {
						label = labels[cls]
					}
					rows = append(rows, []string{name, strconv.Itoa(rank + 1), label, fmt.Sprintf("%.2f%%", 100*probs[cls])})
				}
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"IMAGE", "RANK", "CLASS", "PROBABILITY"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(rows)
			table.Render()
			return nil
		},
	}
}

// rankClasses returns the indices of the k largest probabilities.
func rankClasses(probs []float32, k int) []int {
	k = min(k, len(probs))
	used := make([]bool, len(probs))
	out := make([]int, 0, k)
	for range k {
		best := -1
		for i, p := range probs {
			if !used[i] && (best < 0 || p > probs[best]) {
				best = i
			}
		}
		used[best] = true
		out = append(out, best)
	}
	return out
}
