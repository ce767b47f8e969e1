package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the quill configuration file (~/.config/quill/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Engine
	Threads *int64   `yaml:"threads"`
	Lane    *int64   `yaml:"lane"`
	CacheKB *int64   `yaml:"cache_kb"`
	Budget  *float64 `yaml:"budget"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxBodyMB     *int64 `yaml:"max_body_mb"`

	// Pack
	PackOutDir string `yaml:"pack_out_dir"`
	ModelsDir  string `yaml:"models_dir"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "quill", "config.yaml")
}

// applyEngineConfig applies config file defaults to the global flag
// variables when the corresponding flag was not explicitly set.
func applyEngineConfig(c *cli.Command, cfg Config) {
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.Lane != nil && !c.IsSet("lane") {
		lane = *cfg.Lane
	}
	if cfg.CacheKB != nil && !c.IsSet("cache-kb") {
		cacheKB = *cfg.CacheKB
	}
	if cfg.Budget != nil && !c.IsSet("budget") {
		budget = *cfg.Budget
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxBodyMB *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxBodyMB != nil && !c.IsSet("max-body-mb") {
		*maxBodyMB = *cfg.MaxBodyMB
	}
}

// LoadConfig reads the config file at path, or the default location when
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
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, errors.Wrap(err, "read config")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

type configKey struct{}

func withConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}
