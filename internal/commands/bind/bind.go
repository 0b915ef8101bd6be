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

package bind

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/commands/shared"
	"github.com/toolgate/toolgate/internal/store"
)

// NewCommand creates the bind command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bind",
		Short: "Manage backend bindings per scope",
		Long: `A binding activates a backend within a scope and may override its
environment for that scope only. Only bound, enabled backends are
visible to clients served with that scope.`,
	}

	cmd.AddCommand(newAddCommand())
	cmd.AddCommand(newListCommand())

	return cmd
}

func newAddCommand() *cobra.Command {
	var (
		disabled   bool
		envPairs   []string
		secretEnvs []string
	)

	cmd := &cobra.Command{
		Use:   "add <scope> <backend-name>",
		Short: "Bind a backend into a scope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, backendName := args[0], args[1]

			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			st, err := shared.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			backend, err := st.GetBackendByName(cmd.Context(), backendName)
			if err != nil {
				return err
			}

			binding := &store.Binding{
				Scope:     scope,
				BackendID: backend.ID,
				Enabled:   !disabled,
			}

			for _, pair := range envPairs {
				key, value, err := shared.ParseEnvPair(pair)
				if err != nil {
					return err
				}
				binding.Overrides = append(binding.Overrides, store.EnvVar{Key: key, Value: value})
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
					binding.Overrides = append(binding.Overrides, store.EnvVar{Key: key, Value: ref, Secret: true})
				}
			}

			if err := st.CreateBinding(cmd.Context(), binding); err != nil {
				return err
			}

			state := "enabled"
			if disabled {
				state = "disabled"
			}
			cmd.Printf("Bound %q into scope %q (%s)\n", backendName, scope, state)
			return nil
		},
	}

	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the binding disabled")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "Override environment entry KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&secretEnvs, "secret-env", nil, "Secret override KEY=VALUE, encrypted at rest (repeatable)")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <scope>",
		Short: "List bindings in a scope",
		Args:  cobra.ExactArgs(1),
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

			pairs, err := st.ListEnabledBackends(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				data, err := json.MarshalIndent(pairs, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}

			if len(pairs) == 0 {
				cmd.Printf("No enabled bindings in scope %q.\n", args[0])
				return nil
			}
			for _, pair := range pairs {
				overrides := ""
				if n := len(pair.Binding.Overrides); n > 0 {
					overrides = fmt.Sprintf(" (%d overrides)", n)
				}
				cmd.Printf("%-24s %s%s\n", pair.Backend.Name, pair.Backend.Kind, overrides)
			}
			return nil
		},
	}
}
