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

// Package gateway implements the tool-invocation proxy: it speaks JSON-RPC
// on its own stdio, aggregates tools from configured backends under
// namespaced names, and fans tool calls out to the owning backend.
package gateway

import (
	"context"
	"errors"

	"github.com/toolgate/toolgate/internal/protocol"
)

var (
	// ErrTransportClosed is returned when a request is attempted on a
	// transport that has shut down or whose backend process exited.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTooMuchNoise is returned when a stdio backend emits too many
	// consecutive lines that are not JSON-RPC messages.
	ErrTooMuchNoise = errors.New("too many non-protocol lines from backend")

	// ErrBackendUnavailable is returned when the backend process or
	// endpoint cannot be reached at all.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Transport is one wire to a single backend. Implementations correlate
// responses to requests; callers never see out-of-order replies.
type Transport interface {
	// Call sends a request and blocks until the matching response
	// arrives, the context is done, or the transport fails.
	Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	// Notify sends a notification. No response is expected or waited for.
	Notify(ctx context.Context, note *protocol.Request) error

	// Close tears the transport down. Safe to call more than once.
	Close() error
}
