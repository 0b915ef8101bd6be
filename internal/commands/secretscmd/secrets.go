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

package secretscmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/commands/shared"
	"github.com/toolgate/toolgate/internal/log"
)

// NewCommand creates the secret command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage stored secrets",
		Long: `Secrets are encrypted with the master key and stored by reference.
A secret-flagged env entry carries the reference, never the value.`,
	}

	cmd.AddCommand(newPutCommand())
	cmd.AddCommand(newCheckCommand())

	return cmd
}

func newPutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "put",
		Short: "Encrypt a value from stdin and print its reference",
		Long: `Put reads one line from stdin, encrypts it, stores the ciphertext and
prints the reference. Pass the reference as the value of an env entry
together with the secret flag. Reading from stdin keeps the plaintext
out of shell history and process listings.`,
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
			box, err := shared.OpenBox(cfg)
			if err != nil {
				return err
			}

			reader := bufio.NewReader(cmd.InOrStdin())
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read secret from stdin: %w", err)
			}
			value := strings.TrimRight(line, "\r\n")
			if value == "" {
				return fmt.Errorf("empty secret")
			}

			ciphertext, err := box.Encrypt(value)
			if err != nil {
				return err
			}
			ref, err := st.PutSecret(cmd.Context(), ciphertext)
			if err != nil {
				return err
			}

			cmd.Println(ref)
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <ref>",
		Short: "Verify a secret reference decrypts under the current master key",
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
			box, err := shared.OpenBox(cfg)
			if err != nil {
				return err
			}

			ciphertext, found, err := st.GetSecretCiphertext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("unknown secret reference %q", args[0])
			}
			plaintext, err := box.Decrypt(ciphertext)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Secret %s does NOT decrypt under the current master key.\n", args[0])
				return err
			}

			// Show just the tail so the operator can tell which credential
			// this is without the full value hitting the terminal.
			cmd.Printf("Secret %s decrypts cleanly (value %s).\n", args[0], log.SanitizeAPIKey(plaintext))
			return nil
		},
	}
}
