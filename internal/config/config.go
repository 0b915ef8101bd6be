// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the toolgate configuration file and resolves the
// paths the gateway and CLI share.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration (~/.config/toolgate/config.yaml).
// Every field has a working default; a missing file is not an error.
type Config struct {
	// DatabasePath overrides the default sqlite location.
	DatabasePath string `yaml:"database_path,omitempty"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level,omitempty"`

	// LogFormat is json or text.
	LogFormat string `yaml:"log_format,omitempty"`

	// TestMode uses a fixed encryption key instead of the keychain.
	// Refused when TOOLGATE_ENV=production.
	TestMode bool `yaml:"test_mode,omitempty"`

	// InitTimeout bounds the backend initialize handshake.
	InitTimeout time.Duration `yaml:"init_timeout,omitempty"`

	// HTTPTimeout bounds one HTTP backend round trip.
	HTTPTimeout time.Duration `yaml:"http_timeout,omitempty"`
}

const (
	defaultInitTimeout = 30 * time.Second
	defaultHTTPTimeout = 60 * time.Second
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		LogFormat:   "json",
		InitTimeout: defaultInitTimeout,
		HTTPTimeout: defaultHTTPTimeout,
	}
}

// Load reads the config file at path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads from the XDG config path.
func LoadDefault() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = defaultInitTimeout
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (want debug, info, warn or error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q (want json or text)", c.LogFormat)
	}
	return nil
}

// ResolveDatabasePath returns the configured database path, falling back
// to the XDG default.
func (c *Config) ResolveDatabasePath() (string, error) {
	if c.DatabasePath != "" {
		return c.DatabasePath, nil
	}
	return DatabasePath()
}
