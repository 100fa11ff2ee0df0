// Package config reads the YAML configuration file of the atomspace command.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/atomspace"
)

const DefaultPath = "atomspace.yaml"

type Config struct {
	Backend       string   `yaml:"backend"`
	Paths         []string `yaml:"paths"`
	MinimumFreeGB uint     `yaml:"minimumFreeGB"`
	GCInterval    string   `yaml:"gcInterval"`
	RemoteURL     string   `yaml:"remoteURL"`
	RemoteTimeout string   `yaml:"remoteTimeout"`
	PageSize      int      `yaml:"pageSize"`
	DisableIndex  bool     `yaml:"disableIndex"`
	// Seed fixes the random walk. Zero seeds randomly.
	Seed uint64 `yaml:"seed"`

	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"logLevel"`
	NoColor  bool   `yaml:"noColor"`
}

// Default is the configuration used when no file exists.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads path and applies defaults to every zero field. A missing file
// yields Default unless required is set.
func Load(path string, required bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	c.applyDefaults()
	if _, err := c.durations(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = string(atomspace.BackendMemory)
	}
	if c.Backend == string(atomspace.BackendBadger) && len(c.Paths) == 0 {
		c.Paths = []string{"./data"}
	}
	if c.PageSize == 0 {
		c.PageSize = 500
	}
	if c.Listen == "" {
		c.Listen = "localhost:4242"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

type durations struct {
	gc, remote time.Duration
}

func (c Config) durations() (durations, error) {
	var d durations
	var err error
	if c.GCInterval != "" {
		if d.gc, err = time.ParseDuration(c.GCInterval); err != nil {
			return d, fmt.Errorf("config: gcInterval: %w", err)
		}
	}
	if c.RemoteTimeout != "" {
		if d.remote, err = time.ParseDuration(c.RemoteTimeout); err != nil {
			return d, fmt.Errorf("config: remoteTimeout: %w", err)
		}
	}
	return d, nil
}

// AtomSpace converts c into the facade configuration.
func (c Config) AtomSpace(logger *slog.Logger) (atomspace.Config, error) {
	d, err := c.durations()
	if err != nil {
		return atomspace.Config{}, err
	}
	conf := atomspace.Config{
		Backend:       atomspace.Backend(c.Backend),
		Paths:         c.Paths,
		MinimumFreeGB: c.MinimumFreeGB,
		GCInterval:    d.gc,
		RemoteURL:     c.RemoteURL,
		RemoteTimeout: d.remote,
		PageSize:      c.PageSize,
		Logger:        logger,
		DisableIndex:  c.DisableIndex,
		Seed:          c.Seed,
	}
	return conf, nil
}
