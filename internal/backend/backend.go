// Package backend resolves the compute backend and reports what the host
// CPU offers to it.
package backend

import (
	"fmt"
	"runtime"
	"strings"
)

const (
	CPU  = "cpu"
	Auto = "auto"
)

// Info describes the resolved backend.
type Info struct {
	Name     string
	Workers  int
	Arch     string
	Features []string
}

func (i Info) String() string {
	feat := "none"
	if len(i.Features) > 0 {
		feat = strings.Join(i.Features, ",")
	}
	return fmt.Sprintf("%s (%s, %d workers, features: %s)", i.Name, i.Arch, i.Workers, feat)
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto or cpu)", backend)
	}
}

// Resolve picks the concrete backend for name. workers <= 0 means one per
// logical CPU.
func Resolve(name string, workers int) (Info, error) {
	b, err := Normalize(name)
	if err != nil {
		return Info{}, err
	}
	if b == Auto {
		b = CPU
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return Info{
		Name:     b,
		Workers:  workers,
		Arch:     runtime.GOARCH,
		Features: Features(),
	}, nil
}
