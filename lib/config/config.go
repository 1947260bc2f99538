// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable that names the config file when
// no --config flag is passed.
const EnvVar = "LCFS_CONFIG"

// Config is the mount daemon configuration. Every field has a
// default, so an absent config file yields a fully usable config.
type Config struct {
	// Mount configures the FUSE mount.
	Mount MountConfig `yaml:"mount"`

	// Flush configures the background flusher.
	Flush FlushConfig `yaml:"flush"`

	// Log configures diagnostic output.
	Log LogConfig `yaml:"log"`
}

// MountConfig configures the FUSE mount.
type MountConfig struct {
	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf. Container
	// runtimes need this: the daemon runs as one user while container
	// processes run as others.
	AllowOther bool `yaml:"allow_other"`

	// EntryTimeout is how long the kernel may cache name lookups.
	EntryTimeout time.Duration `yaml:"entry_timeout"`

	// AttrTimeout is how long the kernel may cache inode attributes.
	AttrTimeout time.Duration `yaml:"attr_timeout"`
}

// FlushConfig configures the background flusher.
type FlushConfig struct {
	// Interval is how often the flusher drains dirty state to the
	// device when nothing forces an earlier flush.
	Interval time.Duration `yaml:"interval"`
}

// LogConfig configures diagnostic output.
type LogConfig struct {
	// Level is the minimum level emitted: debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Mount: MountConfig{
			EntryTimeout: time.Second,
			AttrTimeout:  time.Second,
		},
		Flush: FlushConfig{
			Interval: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path. When path is empty, the EnvVar
// environment variable is consulted; when that is also empty, the
// defaults are returned. There is no search path or automatic
// discovery: configuration comes from exactly one named file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Flush.Interval <= 0 {
		errs = append(errs, fmt.Errorf("flush.interval must be positive, got %v", c.Flush.Interval))
	}
	if c.Mount.EntryTimeout < 0 {
		errs = append(errs, fmt.Errorf("mount.entry_timeout must not be negative, got %v", c.Mount.EntryTimeout))
	}
	if c.Mount.AttrTimeout < 0 {
		errs = append(errs, fmt.Errorf("mount.attr_timeout must not be negative, got %v", c.Mount.AttrTimeout))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}
