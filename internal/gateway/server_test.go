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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/internal/protocol"
	"github.com/toolgate/toolgate/internal/secrets"
	"github.com/toolgate/toolgate/internal/store"
)

// memStore is an in-memory store.Store for gateway tests.
type memStore struct {
	backends []store.Backend
	bindings []store.Binding
	secrets  map[string]string
}

func (m *memStore) CreateBackend(_ context.Context, b *store.Backend) error {
	m.backends = append(m.backends, *b)
	return nil
}

func (m *memStore) ListBackends(context.Context) ([]store.Backend, error) {
	return m.backends, nil
}

func (m *memStore) GetBackendByName(_ context.Context, name string) (*store.Backend, error) {
	for i := range m.backends {
		if m.backends[i].Name == name {
			return &m.backends[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) CreateBinding(_ context.Context, b *store.Binding) error {
	m.bindings = append(m.bindings, *b)
	return nil
}

func (m *memStore) ListBindings(_ context.Context, scope string) ([]store.Binding, error) {
	var out []store.Binding
	for _, b := range m.bindings {
		if b.Scope == scope {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) ListEnabledBackends(_ context.Context, scope string) ([]store.BackendBinding, error) {
	var out []store.BackendBinding
	for _, binding := range m.bindings {
		if binding.Scope != scope || !binding.Enabled {
			continue
		}
		for _, backend := range m.backends {
			if backend.ID == binding.BackendID {
				out = append(out, store.BackendBinding{Backend: backend, Binding: binding})
			}
		}
	}
	return out, nil
}

func (m *memStore) PutSecret(_ context.Context, ciphertext string) (string, error) {
	if m.secrets == nil {
		m.secrets = make(map[string]string)
	}
	ref := fmt.Sprintf("ref-%d", len(m.secrets))
	m.secrets[ref] = ciphertext
	return ref, nil
}

func (m *memStore) GetSecretCiphertext(_ context.Context, ref string) (string, bool, error) {
	ct, ok := m.secrets[ref]
	return ct, ok, nil
}

func (m *memStore) Close() error { return nil }

// backendCapture records the tools/call params a fake backend received,
// so tests can assert exactly what crossed the wire.
type backendCapture struct {
	mu    sync.Mutex
	calls []protocol.CallToolParams
}

func (c *backendCapture) record(p protocol.CallToolParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, p)
}

func (c *backendCapture) last(t *testing.T) protocol.CallToolParams {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.calls, "backend received no tools/call")
	return c.calls[len(c.calls)-1]
}

// fakeBackendServer is a minimal HTTP tool provider for end-to-end tests.
func fakeBackendServer(t *testing.T) (*httptest.Server, *backendCapture) {
	t.Helper()
	capture := &backendCapture{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var resp *protocol.Response
		switch req.Method {
		case protocol.MethodInitialize:
			resp, _ = protocol.NewSuccess(req.ID, protocol.InitializeResult{
				ProtocolVersion: protocol.LatestProtocolVersion,
				ServerInfo:      protocol.ServerInfo{Name: "fake-backend", Version: "1.0"},
			})
		case protocol.MethodToolsList:
			resp, _ = protocol.NewSuccess(req.ID, protocol.ListToolsResult{
				Tools: []protocol.Tool{
					{Name: "search", Description: "find things", InputSchema: json.RawMessage(`{"type":"object"}`)},
					{Name: "fetch", Description: "get a url", InputSchema: json.RawMessage(`{"type":"object"}`)},
				},
			})
		case protocol.MethodToolsCall:
			var params protocol.CallToolParams
			require.NoError(t, req.UnmarshalParams(&params))
			capture.record(params)
			if params.Name == "explode" {
				resp, _ = protocol.NewSuccess(req.ID, protocol.TextResult("tool blew up", true))
			} else {
				resp, _ = protocol.NewSuccess(req.ID, protocol.TextResult("result for "+params.Name, false))
			}
		default:
			resp = protocol.NewError(req.ID, protocol.CodeMethodNotFound, "unknown method")
		}

		w.Header().Set("Content-Type", "application/json")
		data, err := resp.Marshal()
		require.NoError(t, err)
		w.Write(data)
	})), capture
}

// runGateway feeds input lines through a full server stack backed by the
// given store and returns the responses, one per output line.
func runGateway(t *testing.T, st store.Store, scope string, input []string) []protocol.Response {
	t.Helper()

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	box, err := secrets.NewBox(key)
	require.NoError(t, err)

	resolver := NewResolver(st, box)
	pool := NewPool(resolver, 5*time.Second, discardLogger())
	aggregator := NewAggregator(st, pool, discardLogger())
	router := NewRouter(aggregator, pool, scope, discardLogger())

	in := strings.NewReader(strings.Join(input, "\n") + "\n")
	var out bytes.Buffer
	server := NewServer(router, pool, in, &out, discardLogger())

	require.NoError(t, server.Run(context.Background()))

	var responses []protocol.Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp protocol.Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp), "output line: %s", line)
		responses = append(responses, resp)
	}
	return responses
}

// responseByID picks the response carrying the given id. Requests are
// handled concurrently, so output order is not deterministic.
func responseByID(t *testing.T, responses []protocol.Response, id string) *protocol.Response {
	t.Helper()
	for i := range responses {
		if string(responses[i].ID) == id {
			return &responses[i]
		}
	}
	t.Fatalf("no response with id %s among %d responses", id, len(responses))
	return nil
}

func singleBackendStore(url string) *memStore {
	return &memStore{
		backends: []store.Backend{{
			ID: "b1", Name: "Alpha Tools", Kind: store.KindHTTP, URL: url,
		}},
		bindings: []store.Binding{{
			ID: "bind1", Scope: "default", BackendID: "b1", Enabled: true,
		}},
	}
}

func TestServerSessionFlow(t *testing.T) {
	ts, calls := fakeBackendServer(t)
	defer ts.Close()

	responses := runGateway(t, singleBackendStore(ts.URL), "default", []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"client","version":"1.0"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"Alpha_Tools__search","arguments":{"q":"go"}}}`,
	})

	// The notification produced no output, so three responses for four lines.
	require.Len(t, responses, 3)

	var init protocol.InitializeResult
	require.NoError(t, json.Unmarshal(responseByID(t, responses, "1").Result, &init))
	assert.Equal(t, "2025-03-26", init.ProtocolVersion, "gateway must echo the client's offered version")
	assert.Equal(t, "toolgate", init.ServerInfo.Name)

	var list protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(responseByID(t, responses, "2").Result, &list))
	require.Len(t, list.Tools, 2)
	assert.Equal(t, "Alpha_Tools__search", list.Tools[0].Name)
	assert.Equal(t, "Alpha_Tools__fetch", list.Tools[1].Name)

	var call protocol.CallToolResult
	require.NoError(t, json.Unmarshal(responseByID(t, responses, "3").Result, &call))
	require.Len(t, call.Content, 1)
	assert.Contains(t, call.Content[0].Text, "result for search")

	// The backend saw the unprefixed tool name and the arguments verbatim.
	got := calls.last(t)
	assert.Equal(t, "search", got.Name)
	assert.JSONEq(t, `{"q":"go"}`, string(got.Arguments))
}

func TestServerToolErrorIsNotProtocolError(t *testing.T) {
	ts, _ := fakeBackendServer(t)
	defer ts.Close()

	responses := runGateway(t, singleBackendStore(ts.URL), "default", []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"Alpha_Tools__explode","arguments":{}}}`,
	})

	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error, "a failed tool run is still a successful RPC")

	var call protocol.CallToolResult
	require.NoError(t, json.Unmarshal(responses[0].Result, &call))
	require.NotNil(t, call.IsError)
	assert.True(t, *call.IsError)
}

func TestServerErrorMapping(t *testing.T) {
	ts, _ := fakeBackendServer(t)
	defer ts.Close()

	responses := runGateway(t, singleBackendStore(ts.URL), "default", []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"not-namespaced","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"Nobody__tool","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`,
		`this is not json`,
	})

	require.Len(t, responses, 4)

	badName := responseByID(t, responses, "1")
	require.NotNil(t, badName.Error)
	assert.Equal(t, protocol.CodeInvalidParams, badName.Error.Code)

	unknownBackend := responseByID(t, responses, "2")
	require.NotNil(t, unknownBackend.Error)
	assert.Equal(t, protocol.CodeApplicationError, unknownBackend.Error.Code)

	unknownMethod := responseByID(t, responses, "3")
	require.NotNil(t, unknownMethod.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, unknownMethod.Error.Code)

	malformed := responseByID(t, responses, "null")
	require.NotNil(t, malformed.Error)
	assert.Equal(t, protocol.CodeInternalError, malformed.Error.Code, "unparseable requests get a null id")
}

func TestServerBackendFailureIsolationInListing(t *testing.T) {
	ts, _ := fakeBackendServer(t)
	defer ts.Close()

	st := singleBackendStore(ts.URL)
	// A second enabled backend that cannot be reached.
	st.backends = append(st.backends, store.Backend{
		ID: "b2", Name: "Broken", Kind: store.KindHTTP, URL: "http://127.0.0.1:1",
	})
	st.bindings = append(st.bindings, store.Binding{
		ID: "bind2", Scope: "default", BackendID: "b2", Enabled: true,
	})

	responses := runGateway(t, st, "default", []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
	})

	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error, "one broken backend must not fail the listing")

	var list protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(responses[0].Result, &list))
	require.Len(t, list.Tools, 2)
	for _, tool := range list.Tools {
		assert.True(t, strings.HasPrefix(tool.Name, "Alpha_Tools__"))
	}
}

func TestServerNameConflictSurfaces(t *testing.T) {
	ts, _ := fakeBackendServer(t)
	defer ts.Close()

	st := singleBackendStore(ts.URL)
	st.backends = append(st.backends, store.Backend{
		ID: "b2", Name: "Alpha-Tools", Kind: store.KindHTTP, URL: ts.URL,
	})
	st.bindings = append(st.bindings, store.Binding{
		ID: "bind2", Scope: "default", BackendID: "b2", Enabled: true,
	})

	responses := runGateway(t, st, "default", []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
	})

	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, protocol.CodeApplicationError, responses[0].Error.Code,
		"a normalization collision is a configuration conflict, not bad params")
	assert.Contains(t, responses[0].Error.Message, "normalize")
}

func TestServerScopeIsolation(t *testing.T) {
	ts, _ := fakeBackendServer(t)
	defer ts.Close()

	// Backend bound only in another scope: invisible here.
	responses := runGateway(t, singleBackendStore(ts.URL), "other-scope", []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"Alpha_Tools__search","arguments":{}}}`,
	})

	require.Len(t, responses, 2)

	var list protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(responseByID(t, responses, "1").Result, &list))
	assert.Empty(t, list.Tools)

	call := responseByID(t, responses, "2")
	require.NotNil(t, call.Error)
	assert.Equal(t, protocol.CodeApplicationError, call.Error.Code)
}

func TestServerSecretResolutionFailureFailsCall(t *testing.T) {
	ts, _ := fakeBackendServer(t)
	defer ts.Close()

	st := singleBackendStore(ts.URL)
	st.backends[0].Env = []store.EnvVar{
		{Key: "header_Authorization", Value: "dangling-ref", Secret: true},
	}

	responses := runGateway(t, st, "default", []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"Alpha_Tools__search","arguments":{}}}`,
	})

	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error, "unresolvable secrets must fail the call")
	assert.Equal(t, protocol.CodeInternalError, responses[0].Error.Code)
}

func TestServerCallsToDifferentBackendsRunInParallel(t *testing.T) {
	fast, _ := fakeBackendServer(t)
	defer fast.Close()

	// A backend whose tool calls take a while; everything else answers
	// immediately.
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var resp *protocol.Response
		if req.Method == protocol.MethodInitialize {
			resp, _ = protocol.NewSuccess(req.ID, protocol.InitializeResult{
				ProtocolVersion: protocol.LatestProtocolVersion,
				ServerInfo:      protocol.ServerInfo{Name: "slow-backend", Version: "1.0"},
			})
		} else {
			time.Sleep(250 * time.Millisecond)
			resp, _ = protocol.NewSuccess(req.ID, protocol.TextResult("finally", false))
		}

		w.Header().Set("Content-Type", "application/json")
		data, err := resp.Marshal()
		require.NoError(t, err)
		w.Write(data)
	}))
	defer slow.Close()

	st := &memStore{
		backends: []store.Backend{
			{ID: "b-slow", Name: "Slow", Kind: store.KindHTTP, URL: slow.URL},
			{ID: "b-fast", Name: "Fast", Kind: store.KindHTTP, URL: fast.URL},
		},
		bindings: []store.Binding{
			{ID: "bind-slow", Scope: "default", BackendID: "b-slow", Enabled: true},
			{ID: "bind-fast", Scope: "default", BackendID: "b-fast", Enabled: true},
		},
	}

	responses := runGateway(t, st, "default", []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"Slow__wait","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"Fast__search","arguments":{}}}`,
	})

	require.Len(t, responses, 2)
	require.Nil(t, responseByID(t, responses, "1").Error)
	require.Nil(t, responseByID(t, responses, "2").Error)

	// The fast backend's answer lands first even though its request came
	// second; a serial read loop would emit them in request order.
	assert.Equal(t, "2", string(responses[0].ID))
	assert.Equal(t, "1", string(responses[1].ID))
}
