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

package store

import (
	"errors"
	"fmt"
	"time"
)

// BackendKind is the closed set of backend transport kinds.
type BackendKind string

const (
	// KindImage runs the backend as a container image over stdio.
	KindImage BackendKind = "subprocess-image"

	// KindBinary runs the backend as a local executable over stdio.
	KindBinary BackendKind = "subprocess-binary"

	// KindHTTP reaches the backend with one JSON POST per call.
	KindHTTP BackendKind = "http"
)

var (
	// ErrInvalidBackend is returned when a backend record is missing the
	// configuration its kind requires.
	ErrInvalidBackend = errors.New("invalid backend configuration")
)

// EnvVar is one environment entry for a backend.
//
// When Secret is true, Value is a reference into the secret store, never
// the plaintext.
type EnvVar struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Secret bool   `json:"secret"`
}

// Backend is one registered tool provider.
type Backend struct {
	// ID is the record identifier (uuid).
	ID string

	// Name is the display name; it is normalized into tool-name prefixes.
	Name string

	// Kind selects the transport variant.
	Kind BackendKind

	// Image is the container image (KindImage only).
	Image string

	// BinaryPath is the executable path (KindBinary only).
	BinaryPath string

	// Args are extra command-line arguments (KindBinary only).
	Args []string

	// URL is the endpoint (KindHTTP only).
	URL string

	// Env is the base list of environment entries, order preserved.
	Env []EnvVar

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks that the backend carries exactly the configuration its
// kind requires. Transports are constructed only from validated backends,
// so a missing-field error is never reachable at call time.
func (b *Backend) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidBackend)
	}

	switch b.Kind {
	case KindImage:
		if b.Image == "" {
			return fmt.Errorf("%w: backend %q kind %s requires an image", ErrInvalidBackend, b.Name, b.Kind)
		}
	case KindBinary:
		if b.BinaryPath == "" {
			return fmt.Errorf("%w: backend %q kind %s requires a binary path", ErrInvalidBackend, b.Name, b.Kind)
		}
	case KindHTTP:
		if b.URL == "" {
			return fmt.Errorf("%w: backend %q kind %s requires a URL", ErrInvalidBackend, b.Name, b.Kind)
		}
	default:
		return fmt.Errorf("%w: backend %q has unknown kind %q", ErrInvalidBackend, b.Name, b.Kind)
	}

	return nil
}

// Binding activates a backend within a scope (e.g. a project), optionally
// overriding environment entries for that scope only.
type Binding struct {
	// ID is the record identifier (uuid).
	ID string

	// Scope is the project or context the binding belongs to.
	Scope string

	// BackendID references the bound backend.
	BackendID string

	// Enabled gates whether the backend participates in the scope.
	Enabled bool

	// Overrides are applied on top of the backend's base Env.
	Overrides []EnvVar

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BackendBinding pairs a backend with its binding for one scope.
type BackendBinding struct {
	Backend Backend
	Binding Binding
}
