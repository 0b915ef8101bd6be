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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/internal/secrets"
	"github.com/toolgate/toolgate/internal/store"
)

func TestMergeEnvOrderAndReplacement(t *testing.T) {
	base := []store.EnvVar{
		{Key: "A", Value: "1"},
		{Key: "B", Value: "2"},
		{Key: "C", Value: "3"},
	}
	overrides := []store.EnvVar{
		{Key: "B", Value: "override"},
		{Key: "D", Value: "4"},
	}

	merged := MergeEnv(base, overrides)
	require.Len(t, merged, 4)

	// Base order survives; the override replaced B in place.
	assert.Equal(t, "A", merged[0].Key)
	assert.Equal(t, "B", merged[1].Key)
	assert.Equal(t, "override", merged[1].Value)
	assert.Equal(t, "C", merged[2].Key)

	// Unmatched overrides append in override order.
	assert.Equal(t, "D", merged[3].Key)
	assert.Equal(t, "4", merged[3].Value)
}

func TestMergeEnvDoesNotMutateBase(t *testing.T) {
	base := []store.EnvVar{{Key: "A", Value: "1"}}
	MergeEnv(base, []store.EnvVar{{Key: "A", Value: "changed"}})
	assert.Equal(t, "1", base[0].Value)
}

func TestMergeEnvEmptyInputs(t *testing.T) {
	assert.Empty(t, MergeEnv(nil, nil))

	onlyOverrides := MergeEnv(nil, []store.EnvVar{{Key: "X", Value: "y"}})
	require.Len(t, onlyOverrides, 1)
	assert.Equal(t, "X", onlyOverrides[0].Key)
}

func newTestResolver(t *testing.T) (*Resolver, *store.SQLiteStore, *secrets.Box) {
	t.Helper()

	st, err := store.NewSQLiteStore(t.TempDir() + "/gw.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	box, err := secrets.NewBox(key)
	require.NoError(t, err)

	return NewResolver(st, box), st, box
}

func TestResolveDecryptsSecrets(t *testing.T) {
	resolver, st, box := newTestResolver(t)
	ctx := context.Background()

	token, err := box.Encrypt("sk-live-12345")
	require.NoError(t, err)
	ref, err := st.PutSecret(ctx, token)
	require.NoError(t, err)

	base := []store.EnvVar{
		{Key: "API_KEY", Value: ref, Secret: true},
		{Key: "REGION", Value: "eu-west-1"},
	}

	resolved, err := resolver.Resolve(ctx, base, nil)
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.Equal(t, "sk-live-12345", resolved[0].Value)
	assert.True(t, resolved[0].Secret, "resolved secrets stay flagged so logs can redact them")
	assert.Equal(t, "eu-west-1", resolved[1].Value)
	assert.False(t, resolved[1].Secret)
}

func TestResolveOverrideOfSecretDecryptsOverride(t *testing.T) {
	resolver, st, box := newTestResolver(t)
	ctx := context.Background()

	baseToken, err := box.Encrypt("base-secret")
	require.NoError(t, err)
	baseRef, err := st.PutSecret(ctx, baseToken)
	require.NoError(t, err)

	overrideToken, err := box.Encrypt("scope-secret")
	require.NoError(t, err)
	overrideRef, err := st.PutSecret(ctx, overrideToken)
	require.NoError(t, err)

	resolved, err := resolver.Resolve(ctx,
		[]store.EnvVar{{Key: "TOKEN", Value: baseRef, Secret: true}},
		[]store.EnvVar{{Key: "TOKEN", Value: overrideRef, Secret: true}})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "scope-secret", resolved[0].Value)
}

func TestResolveUnknownReferenceFails(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(),
		[]store.EnvVar{{Key: "API_KEY", Value: "no-such-ref", Secret: true}}, nil)
	assert.ErrorIs(t, err, ErrSecretResolution)
}

func TestResolveWrongKeyFails(t *testing.T) {
	resolver, st, _ := newTestResolver(t)
	ctx := context.Background()

	// Ciphertext produced under a different master key.
	otherKey, err := secrets.GenerateKey()
	require.NoError(t, err)
	otherBox, err := secrets.NewBox(otherKey)
	require.NoError(t, err)
	token, err := otherBox.Encrypt("unreadable")
	require.NoError(t, err)
	ref, err := st.PutSecret(ctx, token)
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx,
		[]store.EnvVar{{Key: "API_KEY", Value: ref, Secret: true}}, nil)
	assert.ErrorIs(t, err, ErrSecretResolution)
}

func TestFormatEnviron(t *testing.T) {
	pairs := FormatEnviron([]store.EnvVar{
		{Key: "A", Value: "1"},
		{Key: "B", Value: "with space"},
	})
	assert.Equal(t, []string{"A=1", "B=with space"}, pairs)
}
