package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitvit/internal/api"
	"github.com/samcharles93/bitvit/internal/checkpoint"
	"github.com/samcharles93/bitvit/internal/logger"
	"github.com/samcharles93/bitvit/internal/model"
)

type serveSettings struct {
	addr        string
	readTimeout time.Duration
	maxBatch    int
	maxBody     int64
	topK        int
	modelID     string
}

func serveCmd() *cli.Command {
	var s serveSettings

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the classification REST API and upload page",
		Flags: []cli.Flag{
			checkpointFlag(true),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &s.addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &s.readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-batch",
				Usage:       "largest number of images per request",
				Value:       api.DefaultMaxBatch,
				Destination: &s.maxBatch,
			},
			&cli.Int64Flag{
				Name:        "max-body",
				Usage:       "request body limit in bytes",
				Value:       api.DefaultMaxBody,
				Destination: &s.maxBody,
			},
			&cli.IntFlag{
				Name:        "top-k",
				Usage:       "default number of classes returned per image",
				Value:       api.DefaultTopK,
				Destination: &s.topK,
			},
			&cli.StringFlag{
				Name:        "model-id",
				Usage:       "name reported by /v1/model (default: run id)",
				Destination: &s.modelID,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(c, fileConfig, &s)

			m, meta, err := checkpoint.Load(checkpointPath, model.WithLogger(log))
			if err != nil {
				return err
			}
			if s.modelID == "" {
				s.modelID = meta.RunID
			}
			e := newRouter(api.NewServer(m, api.Options{
				ModelID:  s.modelID,
				Labels:   classLabels(m.Config()),
				MaxBatch: s.maxBatch,
				MaxBody:  s.maxBody,
				TopK:     s.topK,
				Logger:   log,
			}))
			log.Info("serving model",
				"address", s.addr,
				"checkpoint", checkpointPath,
				"format", meta.Format,
				"epoch", meta.Epoch,
			)
			sc := echo.StartConfig{
				Address: s.addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = s.readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func newRouter(server *api.Server) *echo.Echo {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	server.Register(e)
	return e
}
