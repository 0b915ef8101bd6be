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

// Package store persists backend and binding records and secret ciphertext.
//
// The gateway core treats these records as read-mostly inputs fetched fresh
// per request; only the CLI mutates them.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrBackendExists is returned when a backend name is already taken.
	ErrBackendExists = errors.New("store: backend already exists")

	// ErrBindingExists is returned when a backend is already bound in a scope.
	ErrBindingExists = errors.New("store: binding already exists")
)

// Store is the persistence collaborator consumed by the gateway.
type Store interface {
	// CreateBackend registers a new backend. The backend must validate.
	CreateBackend(ctx context.Context, backend *Backend) error

	// ListBackends returns all registered backends.
	ListBackends(ctx context.Context) ([]Backend, error)

	// GetBackendByName returns one backend by display name.
	GetBackendByName(ctx context.Context, name string) (*Backend, error)

	// CreateBinding activates a backend within a scope.
	CreateBinding(ctx context.Context, binding *Binding) error

	// ListBindings returns all bindings for a scope.
	ListBindings(ctx context.Context, scope string) ([]Binding, error)

	// ListEnabledBackends returns every enabled (backend, binding) pair
	// for a scope. This is the query the gateway runs per request.
	ListEnabledBackends(ctx context.Context, scope string) ([]BackendBinding, error)

	// PutSecret stores ciphertext and returns the opaque reference that
	// secret-flagged EnvVars carry as their value.
	PutSecret(ctx context.Context, ciphertext string) (string, error)

	// GetSecretCiphertext resolves a secret reference to its ciphertext.
	// The boolean is false when the reference is unknown.
	GetSecretCiphertext(ctx context.Context, ref string) (string, bool, error)

	// Close releases the underlying resources.
	Close() error
}
