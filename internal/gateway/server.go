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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/toolgate/toolgate/internal/protocol"
)

// Server runs the gateway's own side of the protocol: it reads
// line-delimited JSON-RPC from in, serves the session methods itself, and
// delegates tools/list and tools/call to the router. Everything written
// to out is protocol; diagnostics go to the logger only.
type Server struct {
	router *Router
	pool   *Pool
	logger *slog.Logger

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex

	// clientProtocolVersion is what the client sent in initialize; it is
	// echoed back so the client never sees a version it did not offer.
	// versionMu guards it because requests are handled concurrently.
	versionMu             sync.Mutex
	clientProtocolVersion string
}

// NewServer builds a gateway server over the given streams. For the
// normal deployment in and out are os.Stdin and os.Stdout.
func NewServer(router *Router, pool *Pool, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	return &Server{
		router:                router,
		pool:                  pool,
		logger:                logger,
		in:                    in,
		out:                   out,
		clientProtocolVersion: protocol.DefaultProtocolVersion,
	}
}

// Run serves until the input stream closes or the context is cancelled.
// Each request is handled on its own goroutine: calls to different
// backends proceed in parallel, while the per-connection owner goroutine
// still serializes traffic to any single backend. Backends are shut down
// after the last in-flight request finishes.
func (s *Server) Run(ctx context.Context) error {
	defer s.pool.Shutdown()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		inflight.Add(1)
		go func(line []byte) {
			defer inflight.Done()
			s.handleLine(ctx, line)
		}([]byte(line))
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read from client: %w", err)
	}
	s.logger.Info("client closed input, shutting down")
	return nil
}

// handleLine parses and dispatches one inbound line. A line that is not a
// valid request gets an internal-error response with a null id, because
// no id could be recovered from it.
func (s *Server) handleLine(ctx context.Context, line []byte) {
	req, err := protocol.ParseRequest(line)
	if err != nil {
		s.logger.Warn("malformed request from client", "error", err)
		s.write(protocol.NewError(nil, protocol.CodeInternalError, "failed to parse message"))
		return
	}

	if req.IsNotification() {
		// Notifications are never answered, whatever the method.
		s.logger.Debug("notification received", "method", req.Method)
		requestsTotal.WithLabelValues(req.Method, "notification").Inc()
		return
	}

	resp := s.dispatch(ctx, req)
	status := "ok"
	if resp.Error != nil {
		status = "error"
	}
	requestsTotal.WithLabelValues(req.Method, status).Inc()
	s.write(resp)
}

func (s *Server) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodInitialize:
		return s.handleInitialize(req)

	case protocol.MethodToolsList:
		result, rpcErr := s.router.ListTools(ctx)
		if rpcErr != nil {
			return protocol.NewErrorFrom(req.ID, rpcErr)
		}
		return s.success(req.ID, result)

	case protocol.MethodToolsCall:
		var params protocol.CallToolParams
		if err := req.UnmarshalParams(&params); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, fmt.Sprintf("invalid tools/call params: %v", err))
		}
		if params.Name == "" {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "tool name is required")
		}
		result, rpcErr := s.router.CallTool(ctx, &params)
		if rpcErr != nil {
			return protocol.NewErrorFrom(req.ID, rpcErr)
		}
		return s.success(req.ID, result)

	default:
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// handleInitialize answers the session handshake. The client's offered
// protocol version is remembered and echoed back.
func (s *Server) handleInitialize(req *protocol.Request) *protocol.Response {
	var params protocol.InitializeParams
	if err := req.UnmarshalParams(&params); err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, fmt.Sprintf("invalid initialize params: %v", err))
	}
	s.versionMu.Lock()
	if params.ProtocolVersion != "" {
		s.clientProtocolVersion = params.ProtocolVersion
	}
	version := s.clientProtocolVersion
	s.versionMu.Unlock()

	result := protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities: protocol.ServerCapabilities{
			Tools: &protocol.ToolsCapability{},
		},
		ServerInfo: protocol.ServerInfo{
			Name:    "toolgate",
			Version: Version,
		},
	}
	return s.success(req.ID, result)
}

func (s *Server) success(id json.RawMessage, result any) *protocol.Response {
	resp, err := protocol.NewSuccess(id, result)
	if err != nil {
		s.logger.Error("failed to encode result", "error", err)
		return protocol.NewError(id, protocol.CodeInternalError, "failed to encode result")
	}
	return resp
}

// write serializes one response as a single line on the protocol stream.
func (s *Server) write(resp *protocol.Response) {
	data, err := resp.Marshal()
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
