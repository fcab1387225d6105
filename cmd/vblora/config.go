package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the workbench configuration file
// (~/.config/vblora/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	// Server
	ServerAddress string `yaml:"server_address"`

	// Bench defaults
	BenchBatch   *int64 `yaml:"bench_batch"`
	BenchLayers  *int64 `yaml:"bench_layers"`
	BenchPasses  *int64 `yaml:"bench_passes"`
	BenchWorkers *int64 `yaml:"bench_workers"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vblora", "config.yaml")
}

// applyServeConfig applies config file defaults to serve command variables
// when the corresponding CLI flag was not explicitly set.
func applyServeConfig(c *cli.Command, cfg Config, addr, logLevel, logFormat *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		*logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		*logFormat = cfg.LogFormat
	}
}

// applyBenchConfig applies config file defaults to bench command variables.
func applyBenchConfig(c *cli.Command, cfg Config, batch, layers, passes, workers *int64) {
	if cfg.BenchBatch != nil && !c.IsSet("batch") {
		*batch = *cfg.BenchBatch
	}
	if cfg.BenchLayers != nil && !c.IsSet("layers") {
		*layers = *cfg.BenchLayers
	}
	if cfg.BenchPasses != nil && !c.IsSet("passes") {
		*passes = *cfg.BenchPasses
	}
	if cfg.BenchWorkers != nil && !c.IsSet("workers") {
		*workers = *cfg.BenchWorkers
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
