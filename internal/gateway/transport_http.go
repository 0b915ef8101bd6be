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
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/toolgate/toolgate/internal/protocol"
	"github.com/toolgate/toolgate/internal/store"
)

// headerEnvPrefix marks env entries that become HTTP request headers.
// "header_Authorization=Bearer x" sends "Authorization: Bearer x".
// The match is case-insensitive and the prefix is stripped.
const headerEnvPrefix = "header_"

const maxHTTPResponseSize = 10 * 1024 * 1024

// httpTransport reaches a backend with one JSON POST per message. There is
// no persistent connection, so there is nothing to correlate: each call's
// response arrives on its own round trip.
type httpTransport struct {
	url     string
	headers http.Header
	client  *http.Client
}

// newHTTPTransport builds the transport for an HTTP backend. Resolved env
// entries carrying the header_ prefix become request headers; all other
// entries are ignored because there is no process to receive them.
func newHTTPTransport(backend *store.Backend, env []store.EnvVar, timeout time.Duration) Transport {
	headers := make(http.Header)
	for _, e := range env {
		if len(e.Key) > len(headerEnvPrefix) && strings.EqualFold(e.Key[:len(headerEnvPrefix)], headerEnvPrefix) {
			headers.Set(e.Key[len(headerEnvPrefix):], e.Value)
		}
	}

	return &httpTransport{
		url:     backend.URL,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *httpTransport) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := protocol.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("malformed response from backend: %w", err)
	}
	return resp, nil
}

// Notify posts the notification and discards the body. Any 2xx counts as
// accepted; servers commonly answer notifications with 202 and no content.
func (t *httpTransport) Notify(ctx context.Context, note *protocol.Request) error {
	_, err := t.post(ctx, note)
	return err
}

func (t *httpTransport) post(ctx context.Context, msg *protocol.Request) ([]byte, error) {
	data, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for key, values := range t.headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxHTTPResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("backend returned HTTP %d: %s", httpResp.StatusCode, truncateForLog(string(body)))
	}

	return body, nil
}

// Close is a no-op; each call is its own connection.
func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
