package model

import (
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

// Config describes the dimensions of a ViT. It is a plain value: construct
// it, call Validate once, and treat it as read-only afterwards.
type Config struct {
	NumEncoders int     `yaml:"num_encoders" json:"num_encoders" mapstructure:"num_encoders"`
	LatentSize  int     `yaml:"latent_size" json:"latent_size" mapstructure:"latent_size"`
	NumHeads    int     `yaml:"num_heads" json:"num_heads" mapstructure:"num_heads"`
	NumClasses  int     `yaml:"num_classes" json:"num_classes" mapstructure:"num_classes"`
	ImageSize   int     `yaml:"image_size" json:"image_size" mapstructure:"image_size"`
	PatchSize   int     `yaml:"patch_size" json:"patch_size" mapstructure:"patch_size"`
	Channels    int     `yaml:"channels" json:"channels" mapstructure:"channels"`
	MLPRatio    int     `yaml:"mlp_ratio" json:"mlp_ratio" mapstructure:"mlp_ratio"`
	Dropout     float32 `yaml:"dropout" json:"dropout" mapstructure:"dropout"`
	NormEpsilon float32 `yaml:"norm_epsilon" json:"norm_epsilon" mapstructure:"norm_epsilon"`
	Seed        int64   `yaml:"seed" json:"seed" mapstructure:"seed"`
}

// DefaultConfig is the ViT-Base-like layout used for CIFAR-10 training:
// 224px inputs cut into 16px patches, 12 encoders of width 768.
func DefaultConfig() Config {
	return Config{
		NumEncoders: 12,
		LatentSize:  768,
		NumHeads:    8,
		NumClasses:  10,
		ImageSize:   224,
		PatchSize:   16,
		Channels:    3,
		MLPRatio:    4,
		Dropout:     0.5,
		NormEpsilon: 1e-6,
		Seed:        42,
	}
}

// Validate reports every violated constraint at once.
func (c Config) Validate() error {
	var problems []string
	positive := func(name string, v int) {
		if v <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %d", name, v))
		}
	}
	positive("num_encoders", c.NumEncoders)
	positive("latent_size", c.LatentSize)
	positive("num_heads", c.NumHeads)
	positive("num_classes", c.NumClasses)
	positive("image_size", c.ImageSize)
	positive("patch_size", c.PatchSize)
	positive("channels", c.Channels)
	positive("mlp_ratio", c.MLPRatio)

	if c.LatentSize > 0 && c.NumHeads > 0 && c.LatentSize%c.NumHeads != 0 {
		problems = append(problems, fmt.Sprintf("latent_size %d is not divisible by num_heads %d", c.LatentSize, c.NumHeads))
	}
	if c.ImageSize > 0 && c.PatchSize > 0 && c.ImageSize%c.PatchSize != 0 {
		problems = append(problems, fmt.Sprintf("image_size %d is not divisible by patch_size %d", c.ImageSize, c.PatchSize))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		problems = append(problems, fmt.Sprintf("dropout must be in [0, 1), got %g", c.Dropout))
	}
	if c.NormEpsilon <= 0 {
		problems = append(problems, fmt.Sprintf("norm_epsilon must be positive, got %g", c.NormEpsilon))
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// GridSize is the number of patches along one image side.
func (c Config) GridSize() int { return c.ImageSize / c.PatchSize }

// NumPatches is the number of patches per image.
func (c Config) NumPatches() int { return c.GridSize() * c.GridSize() }

// SeqLen is the encoder sequence length: every patch plus the class token.
func (c Config) SeqLen() int { return c.NumPatches() + 1 }

// PatchDim is the length of one flattened patch.
func (c Config) PatchDim() int { return c.PatchSize * c.PatchSize * c.Channels }

// HeadDim is the per-head attention width.
func (c Config) HeadDim() int { return c.LatentSize / c.NumHeads }

// HiddenSize is the feed-forward expansion width.
func (c Config) HiddenSize() int { return c.LatentSize * c.MLPRatio }

// InputShape is the per-image shape Forward expects, (C, H, W).
func (c Config) InputShape() []int { return []int{c.Channels, c.ImageSize, c.ImageSize} }

// Metadata encodes the config as flat string pairs, the form checkpoint
// headers carry.
func (c Config) Metadata() map[string]string {
	f := func(v float32) string { return strconv.FormatFloat(float64(v), 'g', -1, 32) }
	return map[string]string{
		"num_encoders": strconv.Itoa(c.NumEncoders),
		"latent_size":  strconv.Itoa(c.LatentSize),
		"num_heads":    strconv.Itoa(c.NumHeads),
		"num_classes":  strconv.Itoa(c.NumClasses),
		"image_size":   strconv.Itoa(c.ImageSize),
		"patch_size":   strconv.Itoa(c.PatchSize),
		"channels":     strconv.Itoa(c.Channels),
		"mlp_ratio":    strconv.Itoa(c.MLPRatio),
		"dropout":      f(c.Dropout),
		"norm_epsilon": f(c.NormEpsilon),
		"seed":         strconv.FormatInt(c.Seed, 10),
	}
}

// ConfigFromMetadata decodes a config written by Metadata. Keys that are
// absent keep their DefaultConfig value; unknown keys are ignored. The
// result is validated.
func ConfigFromMetadata(md map[string]string) (Config, error) {
	cfg := DefaultConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(md); err != nil {
		return Config{}, fmt.Errorf("model: decode config metadata: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
