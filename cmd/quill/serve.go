package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quill/internal/api"
	"github.com/samcharles93/quill/internal/logger"
	"github.com/samcharles93/quill/internal/ops"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxBodyMB   int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the GEMM and conv2d kernels over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-body-mb",
				Usage:       "request body limit in MiB",
				Value:       64,
				Destination: &maxBodyMB,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, configFrom(ctx), &addr, &maxBodyMB)

			env, info, err := newEnv(log)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			server := api.NewServer(api.Config{
				Registry:     ops.NewRegistry(env),
				Log:          log,
				CPU:          info,
				MaxBodyBytes: maxBodyMB << 20,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server",
				"address", addr,
				"threads", env.Pool.Threads(),
				"lane", env.Lane(),
			)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
