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

package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, req *Request)
	}{
		{
			name:  "request with numeric id",
			input: `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`,
			check: func(t *testing.T, req *Request) {
				assert.Equal(t, "tools/list", req.Method)
				assert.False(t, req.IsNotification())
			},
		},
		{
			name:  "request with string id",
			input: `{"jsonrpc":"2.0","id":"abc","method":"initialize"}`,
			check: func(t *testing.T, req *Request) {
				assert.Equal(t, `"abc"`, string(req.ID))
				assert.False(t, req.IsNotification())
			},
		},
		{
			name:  "notification has no id",
			input: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			check: func(t *testing.T, req *Request) {
				assert.True(t, req.IsNotification())
			},
		},
		{
			name:  "explicit null id is a notification",
			input: `{"jsonrpc":"2.0","id":null,"method":"notifications/initialized"}`,
			check: func(t *testing.T, req *Request) {
				assert.True(t, req.IsNotification())
			},
		},
		{
			name:    "missing method",
			input:   `{"jsonrpc":"2.0","id":1}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, req)
		})
	}
}

func TestNewSuccessEchoesID(t *testing.T) {
	resp, err := NewSuccess(json.RawMessage(`42`), map[string]string{"ok": "yes"})
	require.NoError(t, err)

	data, err := resp.Marshal()
	require.NoError(t, err)

	assert.Contains(t, string(data), `"id":42`)
	assert.Contains(t, string(data), `"result"`)
	assert.NotContains(t, string(data), `"error"`)
}

func TestNewErrorNullID(t *testing.T) {
	resp := NewError(nil, CodeInternalError, "boom")

	data, err := resp.Marshal()
	require.NoError(t, err)

	assert.Contains(t, string(data), `"id":null`)
	assert.Contains(t, string(data), `"code":-32603`)
	assert.NotContains(t, string(data), `"result"`)
}

func TestResponseResultErrorExclusive(t *testing.T) {
	success, err := NewSuccess(json.RawMessage(`1`), "ok")
	require.NoError(t, err)
	assert.Nil(t, success.Error)
	assert.NotNil(t, success.Result)

	failure := NewError(json.RawMessage(`1`), CodeInvalidParams, "bad")
	assert.Nil(t, failure.Result)
	assert.NotNil(t, failure.Error)
}

func TestNewRequestRoundTrip(t *testing.T) {
	req, err := NewRequest(7, MethodToolsCall, CallToolParams{
		Name:      "forecast",
		Arguments: json.RawMessage(`{"city":"Tokyo"}`),
	})
	require.NoError(t, err)

	data, err := req.Marshal()
	require.NoError(t, err)

	parsed, err := ParseRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "7", string(parsed.ID))
	assert.Equal(t, MethodToolsCall, parsed.Method)

	var params CallToolParams
	require.NoError(t, parsed.UnmarshalParams(&params))
	assert.Equal(t, "forecast", params.Name)
	assert.JSONEq(t, `{"city":"Tokyo"}`, string(params.Arguments))
}

func TestNewNotificationHasNoID(t *testing.T) {
	notif, err := NewNotification(MethodInitialized, nil)
	require.NoError(t, err)

	data, err := notif.Marshal()
	require.NoError(t, err)

	assert.False(t, strings.Contains(string(data), `"id"`))
}

func TestErrorImplementsError(t *testing.T) {
	e := &Error{Code: CodeApplicationError, Message: "backend gone"}
	assert.Contains(t, e.Error(), "-32000")
	assert.Contains(t, e.Error(), "backend gone")
}

func TestTextResult(t *testing.T) {
	ok := TextResult("fine", false)
	require.Len(t, ok.Content, 1)
	assert.Equal(t, "text", ok.Content[0].Type)
	assert.Nil(t, ok.IsError)

	failed := TextResult("Error: boom", true)
	require.NotNil(t, failed.IsError)
	assert.True(t, *failed.IsError)
}
