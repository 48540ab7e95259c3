package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitvit/internal/checkpoint"
	"github.com/samcharles93/bitvit/internal/logger"
	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/internal/train"
)

func trainCmd() *cli.Command {
	var (
		tc      = train.DefaultConfig()
		dropout float64
		resume  string
		dtype   string
		history string
	)

	flags := append(archFlags(&dropout), dataFlags()...)
	flags = append(flags,
		&cli.IntFlag{Name: "epochs", Usage: "training epochs", Value: tc.Epochs, Destination: &tc.Epochs},
		&cli.FloatFlag{Name: "lr", Usage: "base learning rate", Value: tc.Adam.LR, Destination: &tc.Adam.LR},
		&cli.FloatFlag{Name: "weight-decay", Usage: "L2 weight decay", Value: tc.Adam.WeightDecay, Destination: &tc.Adam.WeightDecay},
		&cli.IntFlag{Name: "step-size", Usage: "epochs between learning rate decays", Value: tc.StepSize, Destination: &tc.StepSize},
		&cli.FloatFlag{Name: "gamma", Usage: "learning rate decay factor", Value: tc.Gamma, Destination: &tc.Gamma},
		&cli.FloatFlag{Name: "clip-norm", Usage: "global gradient norm limit (0 disables)", Destination: &tc.ClipNorm},
		&cli.IntFlag{Name: "replicas", Usage: "data-parallel model replicas", Value: tc.Replicas, Destination: &tc.Replicas},
		&cli.IntFlag{Name: "log-every", Usage: "steps between progress lines", Value: tc.LogEvery, Destination: &tc.LogEvery},
		&cli.StringFlag{Name: "checkpoint-dir", Usage: "directory for last/best checkpoints", Destination: &tc.CheckpointDir},
		&cli.StringFlag{Name: "dtype", Usage: "checkpoint float type (f32, f16, bf16)", Value: "f32", Destination: &dtype},
		&cli.StringFlag{Name: "history", Usage: "append per-epoch metrics to this JSON-lines file", Destination: &history},
		&cli.StringFlag{Name: "resume", Usage: "continue from this checkpoint: weights, epoch, step, run id and best accuracy are restored, Adam moments restart from zero", Destination: &resume},
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Train a model on CIFAR-10",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyArchConfig(c, fileConfig, &dropout)
			applyDataConfig(c, fileConfig)
			applyTrainConfig(c, fileConfig, &tc)

			dt, err := checkpoint.ParseDType(dtype)
			if err != nil {
				return err
			}
			tc.DType = dt
			tc.HistoryPath = history
			if tc.HistoryPath == "" && tc.CheckpointDir != "" {
				tc.HistoryPath = filepath.Join(tc.CheckpointDir, "history.jsonl")
			}

			var m *model.ViT
			if resume != "" {
				var meta checkpoint.Meta
				m, meta, err = checkpoint.Load(resume, model.WithLogger(log))
				if err != nil {
					return err
				}
				if err := applyResume(&tc, meta, bestAccuracy(tc.CheckpointDir)); err != nil {
					return err
				}
				log.Info("resumed",
					"checkpoint", resume,
					"run_id", tc.RunID,
					"epoch", meta.Epoch,
					"step", meta.Step,
					"best_acc", tc.BestAccuracy,
				)
			} else {
				m, err = model.New(arch, model.WithLogger(log))
				if err != nil {
					return err
				}
			}
			cfg := m.Config()
			log.Info("model ready",
				"encoders", cfg.NumEncoders,
				"latent", cfg.LatentSize,
				"heads", cfg.NumHeads,
				"image", cfg.ImageSize,
				"patch", cfg.PatchSize,
				"parameters", m.Parameters().NumElements(),
			)

			trainSrc, err := cifarLoader(cfg, true, cfg.Seed)
			if err != nil {
				return err
			}
			testSrc, err := cifarLoader(cfg, false, cfg.Seed)
			if err != nil {
				return err
			}
			log.Info("data loaded", "train", trainSrc.Len(), "test", testSrc.Len(), "batch_size", batchSize, "batches", trainSrc.NumBatches())

			t, err := train.New(m, tc, log)
			if err != nil {
				return err
			}
			sum, err := t.Fit(ctx, trainSrc, testSrc)
			if err != nil {
				return err
			}
			log.Info("training finished",
				"run_id", sum.RunID,
				"epochs", sum.Epochs,
				"steps", sum.Steps,
				"best_acc", sum.BestAcc,
				"test_acc", sum.Last.TestAcc,
				"duration", sum.Duration,
			)
			return nil
		},
	}
}

// applyResume continues the run recorded in meta. best is the accuracy of
// an existing best checkpoint, or a negative value when there is none.
func applyResume(tc *train.Config, meta checkpoint.Meta, best float64) error {
	if meta.Epoch >= tc.Epochs {
		return fmt.Errorf("resume: checkpoint already completed %d epochs, raise --epochs above it", meta.Epoch)
	}
	if meta.RunID != "" && tc.RunID == "" {
		tc.RunID = meta.RunID
	}
	tc.StartEpoch = meta.Epoch
	tc.StartStep = meta.Step
	tc.BestAccuracy = max(meta.Accuracy, best)
	return nil
}

// bestAccuracy reads the accuracy recorded in dir/best.safetensors.
func bestAccuracy(dir string) float64 {
	if dir == "" {
		return -1
	}
	meta, err := checkpoint.ReadMeta(filepath.Join(dir, "best.safetensors"))
	if err != nil {
		return -1
	}
	return meta.Accuracy
}
