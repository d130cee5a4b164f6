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
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ndjsonServerScript answers every request line (anything carrying an
// id) with sequential ids matching the handle's id counter.
const ndjsonServerScript = `
i=0
while IFS= read -r line; do
  case "$line" in
  *'"id"'*)
    i=$((i+1))
    printf '{"jsonrpc":"2.0","id":%d,"result":{"status":"ok"}}\n' "$i"
    ;;
  esac
done
`

// contentLengthServerScript stays silent for JSON-lines traffic and
// only answers length-prefixed frames, forcing the framing fallback.
// Replies start at id 2 because the first (unanswered) handshake burns
// id 1.
const contentLengthServerScript = `
i=1
while IFS= read -r line; do
  case "$line" in
  *Content-Length*)
    i=$((i+1))
    body=$(printf '{"jsonrpc":"2.0","id":%d,"result":{"status":"ok"}}' "$i")
    printf 'Content-Length: %d\r\n\r\n%s' "${#body}" "$body"
    ;;
  esac
done
`

func startScript(t *testing.T, script string, cfg HandleConfig) *Handle {
	t.Helper()
	cfg.Spec = LaunchSpec{Command: "sh", Args: []string{"-c", script}}
	if cfg.Tenant == "" {
		cfg.Tenant = "acme"
	}
	if cfg.Connector == "" {
		cfg.Connector = "demo"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = 5 * time.Second
	}

	h, err := Start(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHandle_StartAndSend(t *testing.T) {
	h := startScript(t, ndjsonServerScript, HandleConfig{})

	assert.True(t, h.Alive())
	assert.NotZero(t, h.PID())

	result, err := h.Send(context.Background(), "tools/list", nil)
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", m["status"])
}

func TestHandle_FramingFallback(t *testing.T) {
	h := startScript(t, contentLengthServerScript, HandleConfig{
		InitTimeout: 300 * time.Millisecond,
	})

	assert.Equal(t, FramingContentLength, h.framing())

	result, err := h.Send(context.Background(), "resources/list", nil)
	require.NoError(t, err)
	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", m["status"])
}

func TestHandle_NotificationHasNoResponse(t *testing.T) {
	h := startScript(t, ndjsonServerScript, HandleConfig{})

	result, err := h.Send(context.Background(), "notifications/progress", json.RawMessage(`{"p":1}`))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestHandle_SendAfterCloseFails(t *testing.T) {
	h := startScript(t, ndjsonServerScript, HandleConfig{})
	require.NoError(t, h.Close())

	_, err := h.Send(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.False(t, h.Alive())
}

func TestHandle_ProcessExitSurfacesExitError(t *testing.T) {
	// Answer the handshake, swallow the initialized notification, then
	// quit.
	script := `
IFS= read -r line
printf '{"jsonrpc":"2.0","id":1,"result":{}}\n'
IFS= read -r line
exit 0
`
	h := startScript(t, script, HandleConfig{})

	require.Eventually(t, func() bool { return !h.Alive() },
		5*time.Second, 10*time.Millisecond, "exit must be detected")

	_, err := h.Send(context.Background(), "tools/list", nil)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, h.PID(), exitErr.PID)
}

func TestHandle_StartFailsForMissingExecutable(t *testing.T) {
	_, err := Start(context.Background(), HandleConfig{
		Tenant:    "acme",
		Connector: "demo",
		Spec:      LaunchSpec{Command: "/nonexistent/sagemcp-test-binary"},
	})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
}

func TestHandle_InitFailureTearsDownProcess(t *testing.T) {
	// Never answers anything under either framing.
	_, err := Start(context.Background(), HandleConfig{
		Tenant:      "acme",
		Connector:   "demo",
		Spec:        LaunchSpec{Command: "sh", Args: []string{"-c", "while read x; do :; done"}},
		InitTimeout: 200 * time.Millisecond,
	})
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "demo", initErr.Connector)
}

func TestHandle_InjectToken(t *testing.T) {
	h := &Handle{}
	h.SetUserToken("tok-123")

	out := h.injectToken(json.RawMessage(`{"name":"search"}`))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "search", decoded["name"])
	meta, ok := decoded["_meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Bearer tok-123", meta["authorization"])
}

func TestHandle_InjectTokenLatestWins(t *testing.T) {
	h := &Handle{}
	h.SetUserToken("old")
	h.SetUserToken("new")

	out := h.injectToken(nil)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	meta := decoded["_meta"].(map[string]interface{})
	assert.Equal(t, "Bearer new", meta["authorization"])
}

func TestHandle_InjectTokenEmptyPassthrough(t *testing.T) {
	h := &Handle{}
	params := json.RawMessage(`{"a":1}`)
	assert.Equal(t, params, h.injectToken(params))
}
