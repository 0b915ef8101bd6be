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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/toolgate/toolgate/internal/protocol"
	"github.com/toolgate/toolgate/internal/store"
)

const (
	// maxNoiseLines is how many consecutive non-protocol stdout lines a
	// backend may emit before the transport gives up on it.
	maxNoiseLines = 10

	// maxLineSize bounds one JSON-RPC line from a backend.
	maxLineSize = 10 * 1024 * 1024
)

// stdioTransport talks line-delimited JSON-RPC to a subprocess. A single
// reader goroutine owns stdout and hands responses to waiting callers
// through a pending table keyed by request id; read order is irrelevant.
type stdioTransport struct {
	backendName string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	logger      *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *jsonrpcRaw
	err     error
	closed  bool

	readerDone chan struct{}
}

// jsonrpcRaw is the reader-side view of one backend stdout line. Kept raw
// so the caller decides how to decode result payloads.
type jsonrpcRaw struct {
	line []byte
}

// newStdioTransport starts the backend subprocess for its kind and wires
// up the reader and stderr-drain goroutines. env entries are already
// resolved plaintext "KEY=VALUE" pairs.
func newStdioTransport(backend *store.Backend, env []string, logger *slog.Logger) (Transport, error) {
	cmd, err := buildCommand(backend, env)
	if err != nil {
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	t := &stdioTransport{
		backendName: backend.Name,
		cmd:         cmd,
		stdin:       stdin,
		logger:      logger,
		pending:     make(map[uint64]chan *jsonrpcRaw),
		readerDone:  make(chan struct{}),
	}

	go t.drainStderr(stderr)
	go t.readLoop(stdout)

	return t, nil
}

// buildCommand assembles the exec.Cmd for a subprocess backend.
//
// Container backends run under docker with --init so signals reach the
// server and -i so stdin stays open. Binary backends inherit the parent
// environment; resolved entries are appended and win on conflict.
func buildCommand(backend *store.Backend, env []string) (*exec.Cmd, error) {
	switch backend.Kind {
	case store.KindImage:
		args := []string{"run", "--rm", "-i", "--init"}
		for _, kv := range env {
			args = append(args, "-e", kv)
		}
		args = append(args, backend.Image)
		return exec.Command("docker", args...), nil

	case store.KindBinary:
		cmd := exec.Command(backend.BinaryPath, backend.Args...)
		cmd.Env = append(os.Environ(), env...)
		return cmd, nil

	default:
		return nil, fmt.Errorf("%w: kind %q is not a subprocess backend", store.ErrInvalidBackend, backend.Kind)
	}
}

// Call registers a pending slot for the request id, writes the request as
// one line, and waits for the reader to deliver the matching response.
func (t *stdioTransport) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	id, ok := parseNumericID(req.ID)
	if !ok {
		return nil, fmt.Errorf("outbound request id must be numeric")
	}

	ch := make(chan *jsonrpcRaw, 1)

	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return nil, err
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.writeLine(req); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case raw, open := <-ch:
		if !open {
			t.mu.Lock()
			err := t.err
			t.mu.Unlock()
			if err == nil {
				err = ErrTransportClosed
			}
			return nil, err
		}
		resp, err := protocol.ParseResponse(raw.line)
		if err != nil {
			return nil, fmt.Errorf("malformed response from backend: %w", err)
		}
		return resp, nil

	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify writes a notification line. Nothing comes back for it.
func (t *stdioTransport) Notify(_ context.Context, note *protocol.Request) error {
	return t.writeLine(note)
}

// writeLine serializes one message and writes it with a trailing newline.
// The write mutex keeps concurrent messages from interleaving.
func (t *stdioTransport) writeLine(msg *protocol.Request) error {
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	if failed := t.err; failed != nil {
		t.mu.Unlock()
		return failed
	}
	t.mu.Unlock()

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write failed: %v", ErrTransportClosed, err)
	}
	return nil
}

// drainStderr forwards backend stderr into the gateway log line by line.
// Backend diagnostics never touch the protocol stream.
func (t *stdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.logger.Debug("backend stderr", "backend", t.backendName, "line", line)
	}
}

// readLoop owns stdout. It skips a bounded amount of non-protocol noise,
// parses responses, and routes each to the caller waiting on its id.
func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer close(t.readerDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	noise := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		trimmed := strings.TrimSpace(string(line))

		if trimmed == "" || trimmed[0] != '{' {
			if trimmed != "" {
				t.logger.Debug("skipping non-protocol stdout line",
					"backend", t.backendName, "line", truncateForLog(trimmed))
			}
			noise++
			if noise >= maxNoiseLines {
				t.fail(fmt.Errorf("%w: %d consecutive lines", ErrTooMuchNoise, noise))
				return
			}
			continue
		}
		noise = 0

		t.dispatch([]byte(trimmed))
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("%w: backend stdout closed", ErrTransportClosed)
	} else {
		err = fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	t.fail(err)
}

// dispatch routes one protocol line to the pending caller by response id.
// Messages with no matching slot (server-initiated requests, duplicate or
// late replies) are logged and dropped.
func (t *stdioTransport) dispatch(line []byte) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		t.logger.Warn("malformed message from backend",
			"backend", t.backendName, "error", err)
		return
	}

	id, ok := parseNumericID(envelope.ID)
	if !ok {
		t.logger.Debug("ignoring message without numeric id",
			"backend", t.backendName)
		return
	}

	t.mu.Lock()
	ch, found := t.pending[id]
	if found {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !found {
		t.logger.Warn("response for unknown request id",
			"backend", t.backendName, "id", id)
		return
	}

	buf := make([]byte, len(line))
	copy(buf, line)
	ch <- &jsonrpcRaw{line: buf}
}

// fail marks the transport dead and releases every waiting caller.
func (t *stdioTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	waiting := t.pending
	t.pending = make(map[uint64]chan *jsonrpcRaw)
	t.mu.Unlock()

	for _, ch := range waiting {
		close(ch)
	}
}

// Close shuts the backend down: stdin is closed so well-behaved servers
// exit, then the process is killed if still running.
func (t *stdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.err == nil {
		t.err = ErrTransportClosed
	}
	t.mu.Unlock()

	t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	// Wait must not run until the reader has drained stdout.
	<-t.readerDone
	err := t.cmd.Wait()
	if err != nil && !isExpectedExitError(err) {
		return fmt.Errorf("backend process exit: %w", err)
	}
	return nil
}

// isExpectedExitError reports whether a Wait error is just the process
// dying from our kill or a nonzero exit, which Close treats as normal.
func isExpectedExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// parseNumericID decodes a JSON-RPC id that the gateway itself issued.
// Outbound ids are always numeric, so anything else is not ours.
func parseNumericID(raw json.RawMessage) (uint64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
