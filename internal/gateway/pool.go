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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/log"
	"github.com/toolgate/toolgate/internal/store"
)

// Version identifies the gateway to backends and clients.
const Version = "0.1.0"

// poolEntry holds the pool's slot for one backend. Its lock covers the
// whole resolve+dial+handshake, so concurrent callers for the same
// backend share a single connection instead of racing to create two.
type poolEntry struct {
	mu   sync.Mutex
	conn *Connection
}

// Pool caches one live connection per backend. A connection that has
// failed or closed is dropped and a fresh one is built on the next
// request; failed connections are never reused.
type Pool struct {
	resolver    *Resolver
	logger      *slog.Logger
	httpTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*poolEntry
}

// NewPool wires a pool to its env resolver.
func NewPool(resolver *Resolver, httpTimeout time.Duration, logger *slog.Logger) *Pool {
	return &Pool{
		resolver:    resolver,
		logger:      logger,
		httpTimeout: httpTimeout,
		entries:     make(map[string]*poolEntry),
	}
}

// Get returns a ready connection for the pair, creating and initializing
// one if needed. Env resolution happens per creation, so secret rotation
// is picked up whenever a connection is rebuilt.
func (p *Pool) Get(ctx context.Context, pair store.BackendBinding) (*Connection, error) {
	entry := p.entry(pair.Backend.ID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.conn != nil {
		if entry.conn.IsAlive() {
			return entry.conn, nil
		}
		entry.conn.Shutdown()
		entry.conn = nil
	}

	conn, err := p.dial(ctx, pair)
	if err != nil {
		return nil, err
	}
	entry.conn = conn
	return conn, nil
}

func (p *Pool) entry(backendID string) *poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[backendID]
	if !ok {
		entry = &poolEntry{}
		p.entries[backendID] = entry
	}
	return entry
}

// dial validates the record, resolves env, builds the kind-appropriate
// transport, and runs the handshake. Validation here covers records that
// never went through CreateBackend, so a missing kind field surfaces as a
// configuration error before anything is spawned or posted.
func (p *Pool) dial(ctx context.Context, pair store.BackendBinding) (*Connection, error) {
	if err := pair.Backend.Validate(); err != nil {
		return nil, fmt.Errorf("backend %s: %w", pair.Backend.Name, err)
	}

	env, err := p.resolver.Resolve(ctx, pair.Backend.Env, pair.Binding.Overrides)
	if err != nil {
		return nil, err
	}

	for _, entry := range env {
		value := entry.Value
		if entry.Secret {
			value = log.SanitizeSecret(value)
		}
		p.logger.Debug("resolved env entry",
			slog.String(log.BackendKey, pair.Backend.Name), "key", entry.Key, "value", value)
	}

	dial := func(backend *store.Backend) (Transport, error) {
		if backend.Kind == store.KindHTTP {
			return newHTTPTransport(backend, env, p.httpTimeout), nil
		}
		return newStdioTransport(backend, FormatEnviron(env), p.logger)
	}

	conn, err := NewConnection(pair.Backend, dial, p.logger)
	if err != nil {
		return nil, err
	}
	if err := conn.Start(ctx); err != nil {
		return nil, err
	}
	connectionsOpened.WithLabelValues(string(pair.Backend.Kind)).Inc()
	return conn, nil
}

// Shutdown closes every pooled connection. Taking each entry lock means
// an in-flight dial finishes and parks its connection first, so nothing
// created concurrently with shutdown survives it.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if entry.conn != nil {
			entry.conn.Shutdown()
			entry.conn = nil
		}
		entry.mu.Unlock()
	}
}
