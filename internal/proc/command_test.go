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

package proc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_BlankCommandFailsFast(t *testing.T) {
	for _, cmd := range []string{"", "   ", "\t"} {
		_, err := LaunchSpec{Command: cmd}.Resolve()
		var cmdErr *CommandError
		require.ErrorAs(t, err, &cmdErr, "command %q", cmd)
		assert.Contains(t, cmdErr.Error(), "blank")
	}
}

func TestResolve_NpxAutoConfirm(t *testing.T) {
	resolved, err := LaunchSpec{
		Command: "npx",
		Args:    []string{"@example/mcp-server"},
	}.Resolve()
	require.NoError(t, err)

	assert.Equal(t, []string{"-y", "@example/mcp-server"}, resolved.Args,
		"auto-confirm flag goes in front of the package argument")
}

func TestResolve_NpxAutoConfirmNotDuplicated(t *testing.T) {
	resolved, err := LaunchSpec{
		Command: "npx",
		Args:    []string{"-y", "@example/mcp-server"},
	}.Resolve()
	require.NoError(t, err)

	assert.Equal(t, []string{"-y", "@example/mcp-server"}, resolved.Args)
}

func TestResolve_UvxHomeOverrideWhenHomeUnusable(t *testing.T) {
	orig := userHomeDir
	userHomeDir = func() (string, error) { return "", errors.New("no home") }
	defer func() { userHomeDir = orig }()

	scratch := t.TempDir()
	resolved, err := LaunchSpec{
		Command:    "uvx",
		Args:       []string{"mcp-server-demo"},
		ScratchDir: scratch,
	}.Resolve()
	require.NoError(t, err)

	var home string
	for _, kv := range resolved.Env {
		if len(kv) > 5 && kv[:5] == "HOME=" {
			home = kv[5:]
		}
	}
	require.NotEmpty(t, home)
	assert.Contains(t, home, scratch)
	assert.Contains(t, home, "uvx-home")
}

func TestResolve_UvxNoOverrideWhenHomeUsable(t *testing.T) {
	usable := t.TempDir()
	orig := userHomeDir
	userHomeDir = func() (string, error) { return usable, nil }
	defer func() { userHomeDir = orig }()

	resolved, err := LaunchSpec{
		Command: "uvx",
		Args:    []string{"mcp-server-demo"},
	}.Resolve()
	require.NoError(t, err)

	for _, kv := range resolved.Env {
		assert.NotContains(t, kv, "uvx-home")
	}
}

func TestResolve_RuntimeInference(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"npx", RuntimeNodeJS},
		{"/usr/local/bin/npx", RuntimeNodeJS},
		{"node", RuntimeNodeJS},
		{"uvx", RuntimePython},
		{"python3", RuntimePython},
		{"./bin/custom-server", RuntimeOther},
	}
	for _, tt := range tests {
		resolved, err := LaunchSpec{Command: tt.command}.Resolve()
		require.NoError(t, err, "command %s", tt.command)
		assert.Equal(t, tt.want, resolved.Runtime, "command %s", tt.command)
	}
}

func TestResolve_DeclaredRuntimeWins(t *testing.T) {
	resolved, err := LaunchSpec{Command: "npx", Runtime: "external_custom"}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "external_custom", resolved.Runtime)
}

func TestResolve_ExtraEnvOverlaid(t *testing.T) {
	resolved, err := LaunchSpec{
		Command: "server",
		Env:     map[string]string{"API_URL": "https://example.com"},
	}.Resolve()
	require.NoError(t, err)
	assert.Contains(t, resolved.Env, "API_URL=https://example.com")
}
