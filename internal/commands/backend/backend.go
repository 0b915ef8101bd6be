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

package backend

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/commands/shared"
	"github.com/toolgate/toolgate/internal/gateway"
	"github.com/toolgate/toolgate/internal/store"
)

// NewCommand creates the backend command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage tool backends",
		Long:  `Register and inspect the tool-provider backends the gateway can reach.`,
	}

	cmd.AddCommand(newAddCommand())
	cmd.AddCommand(newListCommand())

	return cmd
}

func newAddCommand() *cobra.Command {
	var (
		kind       string
		image      string
		binaryPath string
		binaryArgs []string
		url        string
		envPairs   []string
		secretEnvs []string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new backend",
		Long: `Add registers a backend under a display name. The name is what tool
prefixes are derived from: spaces and hyphens become underscores.

Values passed with --secret-env are encrypted with the master key
before they touch the database; only an opaque reference is stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			st, err := shared.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			backend := &store.Backend{
				Name:       args[0],
				Kind:       store.BackendKind(kind),
				Image:      image,
				BinaryPath: binaryPath,
				Args:       binaryArgs,
				URL:        url,
			}

			for _, pair := range envPairs {
				key, value, err := shared.ParseEnvPair(pair)
				if err != nil {
					return err
				}
				backend.Env = append(backend.Env, store.EnvVar{Key: key, Value: value})
			}

			if len(secretEnvs) > 0 {
				box, err := shared.OpenBox(cfg)
				if err != nil {
					return err
				}
				for _, pair := range secretEnvs {
					key, value, err := shared.ParseEnvPair(pair)
					if err != nil {
						return err
					}
					ciphertext, err := box.Encrypt(value)
					if err != nil {
						return fmt.Errorf("failed to encrypt %s: %w", key, err)
					}
					ref, err := st.PutSecret(cmd.Context(), ciphertext)
					if err != nil {
						return err
					}
					backend.Env = append(backend.Env, store.EnvVar{Key: key, Value: ref, Secret: true})
				}
			}

			if err := st.CreateBackend(cmd.Context(), backend); err != nil {
				return err
			}

			cmd.Printf("Added backend %q (tools will appear as %s)\n",
				backend.Name, gateway.PrefixTool(backend.Name, "<tool>"))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(store.KindBinary), "Backend kind: subprocess-image, subprocess-binary or http")
	cmd.Flags().StringVar(&image, "image", "", "Container image (subprocess-image kind)")
	cmd.Flags().StringVar(&binaryPath, "binary", "", "Executable path (subprocess-binary kind)")
	cmd.Flags().StringArrayVar(&binaryArgs, "arg", nil, "Extra argument for the binary (repeatable)")
	cmd.Flags().StringVar(&url, "url", "", "Endpoint URL (http kind)")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "Environment entry KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&secretEnvs, "secret-env", nil, "Secret environment entry KEY=VALUE, encrypted at rest (repeatable)")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			st, err := shared.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			backends, err := st.ListBackends(cmd.Context())
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				data, err := json.MarshalIndent(backends, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}

			if len(backends) == 0 {
				cmd.Println("No backends registered.")
				return nil
			}
			for _, b := range backends {
				target := b.Image
				if b.Kind == store.KindBinary {
					target = b.BinaryPath
				} else if b.Kind == store.KindHTTP {
					target = b.URL
				}
				cmd.Printf("%-24s %-18s %s\n", b.Name, b.Kind, target)
			}
			return nil
		},
	}
}
