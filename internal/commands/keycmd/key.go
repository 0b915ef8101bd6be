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

package keycmd

import (
	"encoding/base64"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/commands/shared"
	"github.com/toolgate/toolgate/internal/secrets"
)

// NewCommand creates the key command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the master encryption key",
		Long: `The master key encrypts backend secrets at rest. It lives in the OS
keychain when one is available; otherwise it can be supplied through
TOOLGATE_MASTER_KEY (base64) or derived from TOOLGATE_PASSPHRASE.`,
	}

	cmd.AddCommand(newGenerateCommand())
	cmd.AddCommand(newStatusCommand())

	return cmd
}

func newGenerateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate a new master key and print it base64-encoded",
		Long: `Generate prints a fresh random key for use via TOOLGATE_MASTER_KEY on
hosts without a keychain. It does not install the key anywhere.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			cmd.Println(base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a master key is resolvable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}

			if _, err := shared.OpenBox(cfg); err != nil {
				cmd.Printf("Master key unavailable: %v\n", err)
				return err
			}
			cmd.Println("Master key available; secrets can be encrypted and decrypted.")
			return nil
		},
	}
}
