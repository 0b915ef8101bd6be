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

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/toolgate/toolgate/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for toolgate
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolgate",
		Short: "toolgate - MCP tool gateway",
		Long: `Toolgate is a protocol gateway that presents many MCP tool backends
as a single server. It speaks JSON-RPC on stdio toward the client,
namespaces every backend tool, and fans calls out to the backend
that owns them.

Register backends with 'toolgate backend add', activate them in a
scope with 'toolgate bind', then point a client at 'toolgate serve'.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	json, configPath := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(configPath, "config", "", "Path to config file (default: ~/.config/toolgate/config.yaml)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError prints the error and exits nonzero.
func HandleExitError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
