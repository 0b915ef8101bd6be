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

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/toolgate/toolgate/internal/secrets"
	"github.com/toolgate/toolgate/internal/store"
)

// ErrSecretResolution is returned when a secret-flagged env entry cannot
// be resolved to plaintext. The call carrying it must fail rather than
// reach the backend with a missing or ciphertext value.
var ErrSecretResolution = errors.New("secret resolution failed")

// Resolver turns the stored env configuration of a (backend, binding)
// pair into the plaintext environment a transport receives.
type Resolver struct {
	store store.Store
	box   *secrets.Box
}

// NewResolver wires the resolver to its persistence and decryption
// collaborators.
func NewResolver(st store.Store, box *secrets.Box) *Resolver {
	return &Resolver{store: st, box: box}
}

// MergeEnv layers binding overrides on top of the backend's base env.
// Base order is preserved; an override replaces the first base entry with
// the same key, otherwise it is appended in override order.
func MergeEnv(base, overrides []store.EnvVar) []store.EnvVar {
	merged := make([]store.EnvVar, len(base))
	copy(merged, base)

	for _, override := range overrides {
		replaced := false
		for i := range merged {
			if merged[i].Key == override.Key {
				merged[i] = override
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, override)
		}
	}

	return merged
}

// Resolve merges and then decrypts. Secret entries carry a reference into
// the secret store as their value; the reference is swapped for plaintext
// after the merge, so an override of a secret entry decrypts the override.
// Any unknown reference or decryption failure fails the whole resolution.
// Resolved entries keep their Secret flag so log sites can redact them.
func (r *Resolver) Resolve(ctx context.Context, base, overrides []store.EnvVar) ([]store.EnvVar, error) {
	merged := MergeEnv(base, overrides)

	resolved := make([]store.EnvVar, 0, len(merged))
	for _, entry := range merged {
		if !entry.Secret {
			resolved = append(resolved, entry)
			continue
		}

		ciphertext, found, err := r.store.GetSecretCiphertext(ctx, entry.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup for %s: %v", ErrSecretResolution, entry.Key, err)
		}
		if !found {
			return nil, fmt.Errorf("%w: unknown secret reference for %s", ErrSecretResolution, entry.Key)
		}

		plaintext, err := r.box.Decrypt(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt %s: %v", ErrSecretResolution, entry.Key, err)
		}

		resolved = append(resolved, store.EnvVar{Key: entry.Key, Value: plaintext, Secret: true})
	}

	return resolved, nil
}

// FormatEnviron renders resolved entries as KEY=VALUE pairs for a
// subprocess transport.
func FormatEnviron(env []store.EnvVar) []string {
	pairs := make([]string, len(env))
	for i, e := range env {
		pairs[i] = e.Key + "=" + e.Value
	}
	return pairs
}
