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

// Package shared holds state and helpers common to all toolgate commands:
// build-time version info, global flag storage, and construction of the
// store and encryption box from configuration.
package shared

import (
	"fmt"
	"strings"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/secrets"
	"github.com/toolgate/toolgate/internal/store"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flag storage, registered by the root command.
var (
	jsonOutput bool
	configPath string
)

// SetVersion stores build-time version info (injected via ldflags).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// RegisterFlagPointers hands the root command storage for global flags.
func RegisterFlagPointers() (json *bool, cfgPath *string) {
	return &jsonOutput, &configPath
}

// GetJSON reports whether --json was passed.
func GetJSON() bool {
	return jsonOutput
}

// LoadConfig loads the config file named by --config, or the default.
func LoadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// OpenStore opens the sqlite store at the configured path.
func OpenStore(cfg *config.Config) (*store.SQLiteStore, error) {
	path, err := cfg.ResolveDatabasePath()
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(path)
}

// OpenBox resolves the master key and builds the encryption box.
func OpenBox(cfg *config.Config) (*secrets.Box, error) {
	saltPath, err := config.SaltPath()
	if err != nil {
		return nil, err
	}

	km := secrets.NewKeyManager(cfg.TestMode, saltPath)
	key, err := km.GetOrCreateMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve master key: %w", err)
	}
	return secrets.NewBox(key)
}

// ParseEnvPair splits one --env K=V argument.
func ParseEnvPair(arg string) (key, value string, err error) {
	idx := strings.Index(arg, "=")
	if idx <= 0 {
		return "", "", fmt.Errorf("env entry %q is not KEY=VALUE", arg)
	}
	return arg[:idx], arg[idx+1:], nil
}
