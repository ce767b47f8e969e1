package main

import (
	"os"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quill/internal/cpuinfo"
	"github.com/samcharles93/quill/internal/gemm"
	"github.com/samcharles93/quill/internal/logger"
	"github.com/samcharles93/quill/internal/ops"
)

var (
	configFile string
	threads    int64
	lane       int64
	cacheKB    int64
	budget     float64
	jsonOut    bool
	logLevel   string
	logFormat  string
	debug      bool
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/quill/config.yaml)",
			Destination: &configFile,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"t"},
			Usage:       "worker threads (0 uses GOMAXPROCS)",
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "lane",
			Usage:       "vector lane width 4, 8 or 16 (0 detects the host)",
			Destination: &lane,
		},
		&cli.Int64Flag{
			Name:        "cache-kb",
			Usage:       "cache size block selection targets, in KiB (0 detects the host L2)",
			Destination: &cacheKB,
		},
		&cli.FloatFlag{
			Name:        "budget",
			Usage:       "fraction of the cache one block may occupy",
			Value:       gemm.DefaultBudget,
			Destination: &budget,
		},
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:        "json",
		Usage:       "print results as JSON",
		Destination: &jsonOut,
	}
}

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

// newEnv builds the operator environment from the engine flags.
func newEnv(log logger.Logger) (*ops.Env, cpuinfo.Info, error) {
	info := cpuinfo.Detect()
	if lane != 0 {
		if !cpuinfo.ValidLane(int(lane)) {
			return nil, info, errors.Errorf("--lane %d: want 4, 8 or 16", lane)
		}
		info.Lane = int(lane)
	}
	if cacheKB < 0 {
		return nil, info, errors.Errorf("--cache-kb %d: must not be negative", cacheKB)
	}
	if cacheKB > 0 {
		info.L2 = int(cacheKB) << 10
	}
	if budget <= 0 || budget > 1 {
		return nil, info, errors.Errorf("--budget %g: want a fraction in (0, 1]", budget)
	}
	cfg := gemm.DefaultConfig(info)
	cfg.Budget = budget
	if threads > 0 {
		info.Threads = int(threads)
	}
	return ops.NewEnv(log, int(threads), cfg), info, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
