// Package config loads the optional YAML settings file. A missing file is
// not an error: defaults cover everything.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// BlockSize is the dd block size in bytes for all operations.
	BlockSize uint64 `yaml:"block_size"`
	// Compression enables gzip for backup images ("gzip" or "none").
	Compression string `yaml:"compression"`
	// RunsDir is where run reports are written.
	RunsDir string `yaml:"runs_dir"`
	// LogRetention bounds the in-memory log ring.
	LogRetention int `yaml:"log_retention"`
	// WipePattern selects the wipe source ("zero" or "random").
	WipePattern string `yaml:"wipe_pattern"`
}

func Default() Config {
	return Config{
		BlockSize:    4 * 1024 * 1024,
		Compression:  "gzip",
		RunsDir:      "runs",
		LogRetention: 600,
		WipePattern:  "zero",
	}
}

// Load reads path if it exists and overlays it on the defaults. An empty
// path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(blob, &cfg); err != nil {
		return Default(), fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.validated()
}

func (c Config) validated() (Config, error) {
	if c.BlockSize == 0 {
		c.BlockSize = Default().BlockSize
	}
	if c.LogRetention <= 0 {
		c.LogRetention = Default().LogRetention
	}
	if strings.TrimSpace(c.RunsDir) == "" {
		c.RunsDir = Default().RunsDir
	}
	switch c.Compression {
	case "", "gzip", "none":
	default:
		return c, fmt.Errorf("unknown compression %q (want gzip or none)", c.Compression)
	}
	switch c.WipePattern {
	case "", "zero", "random":
	default:
		return c, fmt.Errorf("unknown wipe pattern %q (want zero or random)", c.WipePattern)
	}
	return c, nil
}

func (c Config) GzipEnabled() bool {
	return c.Compression != "none"
}

func (c Config) RandomWipe() bool {
	return c.WipePattern == "random"
}
