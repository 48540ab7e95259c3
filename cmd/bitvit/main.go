package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitvit/internal/backend"
	"github.com/samcharles93/bitvit/internal/logger"
	"github.com/samcharles93/bitvit/internal/tensor"
)

func main() {
	app := &cli.Command{
		Name:  "bitvit",
		Usage: "Train, evaluate and serve 1-bit Vision Transformers",
		Flags: append(loggingFlags(), runtimeFlags()...),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return setup(ctx, cmd)
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			trainCmd(),
			evalCmd(),
			predictCmd(),
			serveCmd(),
			inspectCmd(),
			exportCmd(),
			importTorchCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config file, builds the logger and sizes the worker pool
// before any subcommand runs.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyGlobalConfig(cmd, cfg)

	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Setup(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, err
	}

	info, err := backend.Resolve(backendName, workers)
	if err != nil {
		return ctx, err
	}
	tensor.SetWorkers(info.Workers)
	log.Debug("backend ready", "backend", info.String())

	return logger.WithContext(ctx, log), nil
}
