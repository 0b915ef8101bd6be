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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/toolgate/toolgate/internal/protocol"
	"github.com/toolgate/toolgate/internal/store"
)

// ConnState is the lifecycle state of one backend connection.
type ConnState int32

const (
	// StateCreated means the connection exists but no process or
	// endpoint has been touched yet.
	StateCreated ConnState = iota

	// StateInitializing means the transport is up and the handshake is
	// in flight.
	StateInitializing

	// StateReady means the handshake completed and calls may proceed.
	StateReady

	// StateFailed means the connection is unusable. Failed connections
	// are discarded and fully recreated, never revived.
	StateFailed

	// StateClosed means Shutdown ran.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrConnNotReady is returned for calls against a connection that is
	// not in the ready state.
	ErrConnNotReady = errors.New("connection not ready")

	// ErrMissingTools is returned when a backend's tools/list response
	// lacks the tools array.
	ErrMissingTools = errors.New("backend response missing tools")
)

// connCommand is one unit of work for the owner goroutine.
type connCommand struct {
	ctx   context.Context
	req   *protocol.Request
	reply chan connReply
}

type connReply struct {
	resp *protocol.Response
	err  error
}

// Connection is one live session with a backend. A single owner goroutine
// performs all transport traffic; callers submit work over a channel and
// wait for the reply, so at most one request is outstanding at a time and
// no lock is held across I/O.
type Connection struct {
	backend   store.Backend
	transport Transport
	logger    *slog.Logger

	state  atomic.Int32
	nextID atomic.Uint64

	cmds chan connCommand
	stop chan struct{}

	shutdownOnce sync.Once
	ownerDone    chan struct{}
}

// dialFunc builds the transport for a backend once its env is resolved.
type dialFunc func(backend *store.Backend) (Transport, error)

// NewConnection wraps an un-started connection around a backend.
func NewConnection(backend store.Backend, dial dialFunc, logger *slog.Logger) (*Connection, error) {
	transport, err := dial(&backend)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		backend:   backend,
		transport: transport,
		logger:    logger,
		cmds:      make(chan connCommand),
		stop:      make(chan struct{}),
		ownerDone: make(chan struct{}),
	}
	c.state.Store(int32(StateCreated))
	return c, nil
}

// Start performs the initialize handshake and begins serving calls. On
// any failure the connection lands in the failed state with the transport
// torn down.
func (c *Connection) Start(ctx context.Context) error {
	c.state.Store(int32(StateInitializing))

	if err := c.initialize(ctx); err != nil {
		c.failAndClose()
		return fmt.Errorf("initialize handshake with %s: %w", c.backend.Name, err)
	}

	c.state.Store(int32(StateReady))
	go c.ownerLoop()

	c.logger.Debug("backend connection ready", "backend", c.backend.Name)
	return nil
}

// initialize sends the initialize request followed by the initialized
// notification, per the protocol handshake.
func (c *Connection) initialize(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.LatestProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: protocol.ClientInfo{
			Name:    "toolgate",
			Version: Version,
		},
	}

	req, err := protocol.NewRequest(c.nextID.Add(1), protocol.MethodInitialize, params)
	if err != nil {
		return err
	}

	resp, err := c.transport.Call(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("backend rejected initialize: %w", resp.Error)
	}

	note, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	if err != nil {
		return err
	}
	return c.transport.Notify(ctx, note)
}

// ownerLoop is the single goroutine that touches the transport after the
// handshake. It exits on shutdown or when a call fails the connection.
func (c *Connection) ownerLoop() {
	defer close(c.ownerDone)

	for {
		select {
		case cmd := <-c.cmds:
			resp, err := c.transport.Call(cmd.ctx, cmd.req)
			cmd.reply <- connReply{resp: resp, err: err}
			if err != nil {
				// Either the transport failed, or a cancelled call
				// abandoned its in-flight response and the next reply
				// on this wire could be the stale one. Both leave the
				// wire unsafe to reuse; discard the connection.
				c.failAndClose()
				return
			}

		case <-c.stop:
			return
		}
	}
}

// call submits one request to the owner goroutine.
func (c *Connection) call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	if c.State() != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrConnNotReady, c.backend.Name, c.State())
	}

	req, err := protocol.NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return nil, err
	}

	cmd := connCommand{ctx: ctx, req: req, reply: make(chan connReply, 1)}

	select {
	case c.cmds <- cmd:
	case <-c.stop:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	reply := <-cmd.reply
	if reply.err != nil {
		return nil, reply.err
	}
	if reply.resp.Error != nil {
		return nil, reply.resp.Error
	}
	return reply.resp, nil
}

// ListTools fetches the backend's tool catalog. A response without a
// tools array is treated as a protocol violation, not an empty catalog.
func (c *Connection) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	resp, err := c.call(ctx, protocol.MethodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &probe); err != nil {
		return nil, fmt.Errorf("malformed tools/list result: %w", err)
	}
	if _, ok := probe["tools"]; !ok {
		return nil, ErrMissingTools
	}

	var result protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool and returns the raw result payload.
func (c *Connection) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	resp, err := c.call(ctx, protocol.MethodToolsCall, protocol.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// IsAlive reports whether the connection can still take calls.
func (c *Connection) IsAlive() bool {
	return c.State() == StateReady
}

// Shutdown closes the connection. Idempotent; safe from any state.
func (c *Connection) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.State() != StateFailed {
			c.state.Store(int32(StateClosed))
		}
		close(c.stop)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("transport close", "backend", c.backend.Name, "error", err)
		}
	})
}

// failAndClose marks the connection failed and tears the transport down.
func (c *Connection) failAndClose() {
	c.state.Store(int32(StateFailed))
	c.shutdownOnce.Do(func() {
		close(c.stop)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("transport close", "backend", c.backend.Name, "error", err)
		}
	})
}
