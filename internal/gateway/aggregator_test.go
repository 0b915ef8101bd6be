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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/toolgate/toolgate/internal/store"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "github", "github"},
		{"spaces", "My Tool", "My_Tool"},
		{"hyphens", "web-search", "web_search"},
		{"mixed", "My-Cool Tool", "My_Cool_Tool"},
		{"case preserved", "GitHub", "GitHub"},
		{"already underscored", "a_b", "a_b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestPrefixTool(t *testing.T) {
	assert.Equal(t, "My_Tool__search", PrefixTool("My Tool", "search"))
	assert.Equal(t, "gh__create_issue", PrefixTool("gh", "create_issue"))
}

func TestSplitTool(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		wantPrefix  string
		wantTool    string
		wantOK      bool
	}{
		{"simple", "gh__search", "gh", "search", true},
		{"tool containing separator", "gh__do__thing", "gh", "do__thing", true},
		{"no separator", "search", "", "", false},
		{"empty prefix", "__search", "", "search", true},
		{"empty tool", "gh__", "gh", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, tool, ok := SplitTool(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPrefix, prefix)
			assert.Equal(t, tt.wantTool, tool)
		})
	}
}

func TestCheckConflicts(t *testing.T) {
	pairs := []store.BackendBinding{
		{Backend: store.Backend{Name: "my tool"}},
		{Backend: store.Backend{Name: "my-tool"}},
	}
	err := checkConflicts(pairs)
	assert.ErrorIs(t, err, ErrNameConflict)

	ok := []store.BackendBinding{
		{Backend: store.Backend{Name: "alpha"}},
		{Backend: store.Backend{Name: "beta"}},
	}
	assert.NoError(t, checkConflicts(ok))
}
