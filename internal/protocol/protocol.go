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

// Package protocol implements the JSON-RPC 2.0 envelope spoken on both sides
// of the gateway: by the client on the gateway's stdio boundary and by the
// gateway toward each backend.
//
// A message without an id is a notification and never receives a response.
// A response carries either a result or an error, never both.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC protocol version field value.
const Version = "2.0"

// JSON-RPC error codes used at the gateway boundary.
const (
	// CodeInvalidRequest indicates a malformed request envelope.
	CodeInvalidRequest = -32600

	// CodeMethodNotFound indicates an unknown method.
	CodeMethodNotFound = -32601

	// CodeInvalidParams indicates missing or malformed parameters.
	CodeInvalidParams = -32602

	// CodeInternalError indicates an unexpected gateway-side failure.
	CodeInternalError = -32603

	// CodeApplicationError covers storage, configuration and transport
	// failures surfaced to the client.
	CodeApplicationError = -32000
)

var (
	// ErrInvalidMessage is returned when a message cannot be parsed.
	ErrInvalidMessage = errors.New("protocol: invalid message")

	// ErrMissingMethod is returned when a request lacks a method.
	ErrMissingMethod = errors.New("protocol: missing method")
)

// MethodInitialized is the notification method that must never produce a
// response, not even an empty success envelope.
const MethodInitialized = "notifications/initialized"

// Request is a JSON-RPC 2.0 request or notification.
//
// ID is kept raw because clients may use numbers or strings; it is echoed
// back verbatim. A nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so backend-reported errors can be
// propagated through ordinary error returns.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsNotification reports whether the request carries no id and therefore
// must not be answered.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// UnmarshalParams unmarshals the params field into the given value.
func (r *Request) UnmarshalParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

// NewRequest creates a request with the given id, method and params.
// Params may be nil.
func NewRequest(id uint64, method string, params any) (*Request, error) {
	req := &Request{
		JSONRPC: Version,
		Method:  method,
	}

	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request id: %w", err)
	}
	req.ID = idJSON

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	return req, nil
}

// NewNotification creates a notification (a request without an id).
func NewNotification(method string, params any) (*Request, error) {
	req := &Request{
		JSONRPC: Version,
		Method:  method,
	}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	return req, nil
}

// NewSuccess creates a success response echoing the given request id.
func NewSuccess(id json.RawMessage, result any) (*Response, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Result:  resultJSON,
	}, nil
}

// NewError creates an error response echoing the given request id.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewErrorFrom creates an error response from an existing error object.
func NewErrorFrom(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error:   rpcErr,
	}
}

// normalizeID ensures an absent id serializes as null rather than being
// dropped; error responses to unparseable requests carry a null id.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// ParseRequest parses and validates a JSON-RPC request line.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if req.Method == "" {
		return nil, ErrMissingMethod
	}
	return &req, nil
}

// ParseResponse parses a JSON-RPC response line.
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &resp, nil
}

// Marshal encodes the response to a single JSON line (no trailing newline).
func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Marshal encodes the request to a single JSON line (no trailing newline).
func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
