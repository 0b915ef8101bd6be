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
	"time"

	"github.com/toolgate/toolgate/internal/protocol"
	"github.com/toolgate/toolgate/internal/store"
)

// Router dispatches tool calls to the backend named by the tool prefix.
type Router struct {
	aggregator *Aggregator
	pool       *Pool
	scope      string
	logger     *slog.Logger
}

// NewRouter wires a router for one scope.
func NewRouter(aggregator *Aggregator, pool *Pool, scope string, logger *slog.Logger) *Router {
	return &Router{aggregator: aggregator, pool: pool, scope: scope, logger: logger}
}

// ListTools returns the merged catalog for the router's scope.
func (r *Router) ListTools(ctx context.Context) (*protocol.ListToolsResult, *protocol.Error) {
	tools, err := r.aggregator.ListTools(ctx, r.scope)
	if err != nil {
		if errors.Is(err, ErrNameConflict) {
			// A configuration conflict, not a fault in the client's params.
			return nil, &protocol.Error{Code: protocol.CodeApplicationError, Message: err.Error()}
		}
		return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
	}
	if tools == nil {
		tools = []protocol.Tool{}
	}
	return &protocol.ListToolsResult{Tools: tools}, nil
}

// CallTool routes one namespaced call.
//
// Protocol-level problems (bad name, unknown backend, broken wire) come
// back as JSON-RPC errors. A tool that ran and reported failure comes
// back as a successful response whose result carries isError true, so the
// caller can tell "the plumbing broke" from "the tool said no".
func (r *Router) CallTool(ctx context.Context, params *protocol.CallToolParams) (*protocol.CallToolResult, *protocol.Error) {
	prefix, toolName, ok := SplitTool(params.Name)
	if !ok || prefix == "" || toolName == "" {
		return nil, &protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: fmt.Sprintf("tool name %q is not namespaced as backend__tool", params.Name),
		}
	}

	pair, err := r.aggregator.FindBackend(ctx, r.scope, prefix)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &protocol.Error{
				Code:    protocol.CodeApplicationError,
				Message: fmt.Sprintf("no enabled backend matches prefix %q", prefix),
			}
		}
		if errors.Is(err, ErrNameConflict) {
			return nil, &protocol.Error{Code: protocol.CodeApplicationError, Message: err.Error()}
		}
		return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
	}

	start := time.Now()
	result, callErr := r.dispatch(ctx, *pair, toolName, params.Arguments)
	callDuration.WithLabelValues(pair.Backend.Name).Observe(time.Since(start).Seconds())
	if callErr != nil {
		backendFailures.WithLabelValues(pair.Backend.Name, "call").Inc()
	}
	return result, callErr
}

func (r *Router) dispatch(ctx context.Context, pair store.BackendBinding, toolName string, arguments json.RawMessage) (*protocol.CallToolResult, *protocol.Error) {
	conn, err := r.pool.Get(ctx, pair)
	if err != nil {
		if errors.Is(err, ErrSecretResolution) {
			return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
		}
		return nil, &protocol.Error{
			Code:    protocol.CodeApplicationError,
			Message: fmt.Sprintf("backend %s unavailable: %v", pair.Backend.Name, err),
		}
	}

	raw, err := conn.CallTool(ctx, toolName, arguments)
	if err != nil {
		var rpcErr *protocol.Error
		if errors.As(err, &rpcErr) {
			// The backend answered with a JSON-RPC error. Surface it as
			// a failed tool run rather than killing the client request.
			r.logger.Warn("backend reported tool error",
				"backend", pair.Backend.Name, "tool", toolName,
				"code", rpcErr.Code, "message", rpcErr.Message)
			failed := protocol.TextResult(fmt.Sprintf("Error: %s", rpcErr.Message), true)
			return &failed, nil
		}
		return nil, &protocol.Error{
			Code:    protocol.CodeApplicationError,
			Message: fmt.Sprintf("call to %s failed: %v", pair.Backend.Name, err),
		}
	}

	return renderResult(raw), nil
}

// renderResult re-wraps a backend result for the client. The backend's
// isError flag survives; the payload is pretty-printed JSON text so every
// downstream client sees a uniform shape.
func renderResult(raw json.RawMessage) *protocol.CallToolResult {
	isError := false
	var probe struct {
		IsError *bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.IsError != nil {
		isError = *probe.IsError
	}

	pretty, err := prettyJSON(raw)
	if err != nil {
		pretty = string(raw)
	}
	result := protocol.TextResult(pretty, isError)
	return &result
}

func prettyJSON(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
