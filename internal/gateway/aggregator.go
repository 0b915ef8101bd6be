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
	"log/slog"
	"strings"

	"github.com/toolgate/toolgate/internal/protocol"
	"github.com/toolgate/toolgate/internal/store"
)

// toolSeparator joins the normalized backend name and the tool name.
// Normalized names never contain it, so splitting on the first
// occurrence always recovers the backend.
const toolSeparator = "__"

// ErrNameConflict is returned when two configured backends normalize to
// the same prefix. That is a configuration problem the user must fix, so
// it is surfaced instead of silently shadowing one backend.
var ErrNameConflict = errors.New("backend names collide after normalization")

// NormalizeName makes a backend display name safe for use as a tool-name
// prefix. Spaces and hyphens become underscores; case is preserved.
func NormalizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, name)
}

// PrefixTool namespaces a backend tool. "My Tool" + "search" yields
// "My_Tool__search".
func PrefixTool(backendName, toolName string) string {
	return NormalizeName(backendName) + toolSeparator + toolName
}

// SplitTool splits a namespaced name at the first separator. ok is false
// when the name carries no separator at all.
func SplitTool(name string) (backendPrefix, toolName string, ok bool) {
	idx := strings.Index(name, toolSeparator)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(toolSeparator):], true
}

// Aggregator builds the merged tool catalog for a scope.
type Aggregator struct {
	store  store.Store
	pool   *Pool
	logger *slog.Logger
}

// NewAggregator wires the aggregator.
func NewAggregator(st store.Store, pool *Pool, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: st, pool: pool, logger: logger}
}

// checkConflicts rejects scopes where two enabled backends normalize to
// the same prefix.
func checkConflicts(pairs []store.BackendBinding) error {
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		prefix := NormalizeName(pair.Backend.Name)
		if other, dup := seen[prefix]; dup {
			return fmt.Errorf("%w: %q and %q both normalize to %q",
				ErrNameConflict, other, pair.Backend.Name, prefix)
		}
		seen[prefix] = pair.Backend.Name
	}
	return nil
}

// ListTools queries every enabled backend in the scope sequentially and
// returns the union of their catalogs under namespaced names. A backend
// that fails to connect or answer is logged and skipped; one broken
// backend never empties the whole catalog.
func (a *Aggregator) ListTools(ctx context.Context, scope string) ([]protocol.Tool, error) {
	pairs, err := a.store.ListEnabledBackends(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled backends: %w", err)
	}
	if err := checkConflicts(pairs); err != nil {
		return nil, err
	}

	var merged []protocol.Tool
	for _, pair := range pairs {
		tools, err := a.listBackend(ctx, pair)
		if err != nil {
			a.logger.Warn("skipping backend in tool listing",
				"backend", pair.Backend.Name, "error", err)
			backendFailures.WithLabelValues(pair.Backend.Name, "list").Inc()
			continue
		}

		for _, tool := range tools {
			tool.Name = PrefixTool(pair.Backend.Name, tool.Name)
			merged = append(merged, tool)
		}
	}

	return merged, nil
}

func (a *Aggregator) listBackend(ctx context.Context, pair store.BackendBinding) ([]protocol.Tool, error) {
	conn, err := a.pool.Get(ctx, pair)
	if err != nil {
		return nil, err
	}
	return conn.ListTools(ctx)
}

// FindBackend resolves a normalized prefix to the enabled backend it
// names within a scope.
func (a *Aggregator) FindBackend(ctx context.Context, scope, prefix string) (*store.BackendBinding, error) {
	pairs, err := a.store.ListEnabledBackends(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled backends: %w", err)
	}
	if err := checkConflicts(pairs); err != nil {
		return nil, err
	}

	for i := range pairs {
		if NormalizeName(pairs[i].Backend.Name) == prefix {
			return &pairs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no enabled backend named %q", store.ErrNotFound, prefix)
}
