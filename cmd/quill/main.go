package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quill/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "quill",
		Usage: "Quantized convolution and GEMM kernels",
		Flags: append(engineFlags(), loggingFlags()...),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return ctx, err
			}
			applyEngineConfig(cmd, cfg)
			level := logLevel
			if debug {
				level = "debug"
			}
			log, err := logger.Open(os.Stderr, logFormat, level)
			if err != nil {
				return ctx, cli.Exit(err.Error(), 2)
			}
			return withConfig(logger.WithContext(ctx, log), cfg), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			benchCmd(),
			verifyCmd(),
			packCmd(),
			inspectCmd(),
			runCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
