package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitvit/internal/backend"
	"github.com/samcharles93/bitvit/internal/version"
)

type buildReport struct {
	version.Info
	Backends string   `json:"backends"`
	Features []string `json:"cpu_features,omitempty"`
}

func versionCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "version",
		Usage: "Print build and backend information",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print as a JSON object",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r := buildReport{
				Info:     version.Resolve(),
				Backends: backend.Available(),
				Features: backend.Features(),
			}
			return writeBuildReport(os.Stdout, r, asJSON)
		},
	}
}

func writeBuildReport(w io.Writer, r buildReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	rows := [][2]string{
		{"version", r.Version},
		{"commit", r.Commit},
		{"build time", r.BuildTime},
		{"go", r.GoVersion},
		{"backends", r.Backends},
		{"cpu", strings.Join(r.Features, ",")},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%-11s %s\n", row[0]+":", row[1]); err != nil {
			return err
		}
	}
	return nil
}
