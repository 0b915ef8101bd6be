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

package main

import (
	"github.com/toolgate/toolgate/internal/cli"
	"github.com/toolgate/toolgate/internal/commands/backend"
	"github.com/toolgate/toolgate/internal/commands/bind"
	"github.com/toolgate/toolgate/internal/commands/keycmd"
	"github.com/toolgate/toolgate/internal/commands/secretscmd"
	"github.com/toolgate/toolgate/internal/commands/serve"
	"github.com/toolgate/toolgate/internal/commands/snippet"
	versioncmd "github.com/toolgate/toolgate/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// The gateway itself
	rootCmd.AddCommand(serve.NewCommand())

	// Configuration commands
	rootCmd.AddCommand(backend.NewCommand())
	rootCmd.AddCommand(bind.NewCommand())
	rootCmd.AddCommand(secretscmd.NewCommand())
	rootCmd.AddCommand(keycmd.NewCommand())
	rootCmd.AddCommand(snippet.NewCommand())

	// Version command
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
