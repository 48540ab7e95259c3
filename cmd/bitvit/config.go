package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/bitvit/internal/train"
)

// Config represents the bitvit configuration file (~/.config/bitvit/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Architecture
	NumEncoders *int     `yaml:"num_encoders"`
	LatentSize  *int     `yaml:"latent_size"`
	NumHeads    *int     `yaml:"num_heads"`
	NumClasses  *int     `yaml:"num_classes"`
	ImageSize   *int     `yaml:"image_size"`
	PatchSize   *int     `yaml:"patch_size"`
	MLPRatio    *int     `yaml:"mlp_ratio"`
	Dropout     *float64 `yaml:"dropout"`
	Seed        *int64   `yaml:"seed"`

	// Training
	Epochs      *int     `yaml:"epochs"`
	BatchSize   *int     `yaml:"batch_size"`
	BaseLR      *float64 `yaml:"base_lr"`
	WeightDecay *float64 `yaml:"weight_decay"`
	DatasetSize *float64 `yaml:"dataset_size"`
	Replicas    *int     `yaml:"replicas"`
	StepSize    *int     `yaml:"step_size"`
	Gamma       *float64 `yaml:"gamma"`
	ClipNorm    *float64 `yaml:"clip_norm"`

	// Paths
	DataDir       string `yaml:"data_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`

	// Runtime
	Backend   string `yaml:"backend"`
	Workers   *int   `yaml:"workers"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress  string `yaml:"server_address"`
	ServerMaxBatch *int   `yaml:"server_max_batch"`
	ServerMaxBody  *int64 `yaml:"server_max_body"`
	ServerTopK     *int   `yaml:"server_top_k"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "bitvit", "config.yaml")
}

// LoadConfig reads the config file at path, or at the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// flagSetter is the part of *cli.Command the apply helpers need.
type flagSetter interface {
	IsSet(name string) bool
}

func setString(c flagSetter, flag string, dst *string, v string) {
	if v != "" && !c.IsSet(flag) {
		*dst = v
	}
}

func setPtr[T any](c flagSetter, flag string, dst *T, v *T) {
	if v != nil && !c.IsSet(flag) {
		*dst = *v
	}
}

// applyGlobalConfig applies config file defaults to the root flags when the
// corresponding CLI flag was not explicitly set.
func applyGlobalConfig(c flagSetter, cfg Config) {
	setString(c, "backend", &backendName, cfg.Backend)
	setPtr(c, "workers", &workers, cfg.Workers)
	setString(c, "log-level", &logLevel, cfg.LogLevel)
	setString(c, "log-format", &logFormat, cfg.LogFormat)
}

// applyArchConfig fills the architecture flags from the config file.
func applyArchConfig(c flagSetter, cfg Config, dropout *float64) {
	setPtr(c, "num-encoders", &arch.NumEncoders, cfg.NumEncoders)
	setPtr(c, "latent-size", &arch.LatentSize, cfg.LatentSize)
	setPtr(c, "num-heads", &arch.NumHeads, cfg.NumHeads)
	setPtr(c, "num-classes", &arch.NumClasses, cfg.NumClasses)
	setPtr(c, "image-size", &arch.ImageSize, cfg.ImageSize)
	setPtr(c, "patch-size", &arch.PatchSize, cfg.PatchSize)
	setPtr(c, "mlp-ratio", &arch.MLPRatio, cfg.MLPRatio)
	setPtr(c, "dropout", dropout, cfg.Dropout)
	setPtr(c, "seed", &arch.Seed, cfg.Seed)
	arch.Dropout = float32(*dropout)
}

// applyDataConfig fills the dataset flags from the config file.
func applyDataConfig(c flagSetter, cfg Config) {
	setString(c, "data-dir", &dataDir, cfg.DataDir)
	setPtr(c, "dataset-size", &datasetSize, cfg.DatasetSize)
	setPtr(c, "batch-size", &batchSize, cfg.BatchSize)
}

// applyTrainConfig fills the training flags from the config file.
func applyTrainConfig(c flagSetter, cfg Config, tc *train.Config) {
	setPtr(c, "epochs", &tc.Epochs, cfg.Epochs)
	setPtr(c, "lr", &tc.Adam.LR, cfg.BaseLR)
	setPtr(c, "weight-decay", &tc.Adam.WeightDecay, cfg.WeightDecay)
	setPtr(c, "replicas", &tc.Replicas, cfg.Replicas)
	setPtr(c, "step-size", &tc.StepSize, cfg.StepSize)
	setPtr(c, "gamma", &tc.Gamma, cfg.Gamma)
	setPtr(c, "clip-norm", &tc.ClipNorm, cfg.ClipNorm)
	setString(c, "checkpoint-dir", &tc.CheckpointDir, cfg.CheckpointDir)
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c flagSetter, cfg Config, s *serveSettings) {
	setString(c, "addr", &s.addr, cfg.ServerAddress)
	setPtr(c, "max-batch", &s.maxBatch, cfg.ServerMaxBatch)
	setPtr(c, "max-body", &s.maxBody, cfg.ServerMaxBody)
	setPtr(c, "top-k", &s.topK, cfg.ServerTopK)
}

var _ flagSetter = (*cli.Command)(nil)
