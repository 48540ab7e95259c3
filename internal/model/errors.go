package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks an invalid combination of model dimensions.
	ErrConfiguration = errors.New("invalid model configuration")
	// ErrShapeMismatch marks an input whose shape does not match the model.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// ConfigError lists every violated constraint of a Config.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("model: %s: %s", ErrConfiguration, strings.Join(e.Problems, "; "))
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// ShapeError reports the expected and actual shape of a rejected tensor.
// A negative entry in Want accepts any size along that axis.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s: want %s, got %s", e.Op, ErrShapeMismatch, formatShape(e.Want), formatShape(e.Got))
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		if d < 0 {
			parts[i] = "*"
			continue
		}
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
