package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitvit/internal/checkpoint"
	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/internal/tensor"
)

func inspectCmd() *cli.Command {
	var (
		showTensors  bool
		tensorLimit  int
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the configuration, metadata and tensors of a checkpoint",
		Flags: []cli.Flag{
			checkpointFlag(true),
			&cli.BoolFlag{Name: "tensors", Usage: "list tensor index", Value: true, Destination: &showTensors},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			f, err := checkpoint.Open(checkpointPath)
			if err != nil {
				return err
			}

			fmt.Printf("file:    %s\n", f.Path)
			fmt.Printf("tensors: %d\n", len(f.Tensors))
			if cfg, err := model.ConfigFromMetadata(f.Metadata); err == nil {
				fmt.Printf("model:   %d encoders, latent %d, %d heads, %d classes, %dpx/%dpx patches, %d patches + cls\n",
					cfg.NumEncoders, cfg.LatentSize, cfg.NumHeads, cfg.NumClasses,
					cfg.ImageSize, cfg.PatchSize, cfg.NumPatches())
			} else {
				fmt.Printf("model:   %v\n", err)
			}

			keys := make([]string, 0, len(f.Metadata))
			for k := range f.Metadata {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			fmt.Println("metadata:")
			for _, k := range keys {
				fmt.Printf("  %-14s %s\n", k, f.Metadata[k])
			}

			if !showTensors {
				return nil
			}
			var (
				rows  [][]string
				total int64
			)
			for _, name := range f.Names() {
				info := f.Tensors[name]
				total += info.End - info.Start
				if tensorFilter != "" && !strings.Contains(name, tensorFilter) {
					continue
				}
				if tensorLimit > 0 && len(rows) >= tensorLimit {
					continue
				}
				rows = append(rows, []string{
					name,
					string(info.DType),
					tensor.ShapeString(info.Shape),
					strconv.FormatInt(info.End-info.Start, 10),
				})
			}
			fmt.Println()
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"NAME", "DTYPE", "SHAPE", "BYTES"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(rows)
			table.Render()
			fmt.Printf("\ntensor data: %d bytes\n", total)
			return nil
		},
	}
}
