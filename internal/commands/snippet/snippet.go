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

package snippet

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

// mcpServersSnippet is the shape most MCP clients accept in their
// configuration files.
type mcpServersSnippet struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

type serverEntry struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// NewCommand creates the config-snippet command.
func NewCommand() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "config-snippet",
		Short: "Print a client configuration snippet for this gateway",
		Long: `Prints the JSON block to paste into an MCP client's configuration so
the client launches this gateway as its single tool server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			executable, err := os.Executable()
			if err != nil {
				executable = "toolgate"
			}

			snippet := mcpServersSnippet{
				MCPServers: map[string]serverEntry{
					"toolgate": {
						Command: executable,
						Args:    []string{"serve", "--scope", scope},
					},
				},
			}

			data, err := json.MarshalIndent(snippet, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "default", "Binding scope the client should serve")

	return cmd
}
