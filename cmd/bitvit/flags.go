package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitvit/internal/model"
)

var (
	configFile  string
	backendName string
	workers     int
	logLevel    string
	logFormat   string
	debug       bool

	// fileConfig is the parsed config file, set by setup.
	fileConfig Config

	checkpointPath string
	dataDir        string
	datasetSize    float64
	batchSize      int

	arch = model.DefaultConfig()
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.IntFlag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "worker goroutines for tensor kernels (0 = one per CPU)",
			Destination: &workers,
		},
	}
}

func checkpointFlag(required bool) cli.Flag {
	return &cli.StringFlag{
		Name:        "checkpoint",
		Aliases:     []string{"c"},
		Usage:       "path to a .safetensors checkpoint",
		Destination: &checkpointPath,
		Required:    required,
	}
}

func dataFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "directory holding the CIFAR-10 binary batches",
			Destination: &dataDir,
		},
		&cli.FloatFlag{
			Name:        "dataset-size",
			Usage:       "fraction of each split to use, balanced per class",
			Value:       1,
			Destination: &datasetSize,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Usage:       "images per batch",
			Value:       64,
			Destination: &batchSize,
		},
	}
}

// archFlags bind directly into arch; float32 fields go through dropout.
func archFlags(dropout *float64) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "num-encoders", Usage: "encoder blocks", Value: arch.NumEncoders, Destination: &arch.NumEncoders},
		&cli.IntFlag{Name: "latent-size", Usage: "token width", Value: arch.LatentSize, Destination: &arch.LatentSize},
		&cli.IntFlag{Name: "num-heads", Usage: "attention heads", Value: arch.NumHeads, Destination: &arch.NumHeads},
		&cli.IntFlag{Name: "num-classes", Usage: "output classes", Value: arch.NumClasses, Destination: &arch.NumClasses},
		&cli.IntFlag{Name: "image-size", Usage: "input side length in pixels", Value: arch.ImageSize, Destination: &arch.ImageSize},
		&cli.IntFlag{Name: "patch-size", Usage: "patch side length in pixels", Value: arch.PatchSize, Destination: &arch.PatchSize},
		&cli.IntFlag{Name: "mlp-ratio", Usage: "FFN hidden width as a multiple of latent-size", Value: arch.MLPRatio, Destination: &arch.MLPRatio},
		&cli.FloatFlag{Name: "dropout", Usage: "dropout probability", Value: float64(arch.Dropout), Destination: dropout},
		&cli.Int64Flag{Name: "seed", Usage: "initialisation and shuffling seed", Value: arch.Seed, Destination: &arch.Seed},
	}
}
