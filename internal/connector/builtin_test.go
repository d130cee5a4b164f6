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

package connector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagemcp/sagemcp-sub002/internal/protocol"
)

func initializedBuiltin(t *testing.T) *BuiltinBackend {
	t.Helper()
	b := NewBuiltinBackend("acme", "demo")

	params, _ := json.Marshal(map[string]interface{}{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "test", "version": "0"},
	})
	_, err := b.Send(context.Background(), "initialize", params)
	require.NoError(t, err)
	_, err = b.Send(context.Background(), "notifications/initialized", nil)
	require.NoError(t, err)
	return b
}

func TestBuiltinBackend_ListTools(t *testing.T) {
	b := initializedBuiltin(t)

	result, err := b.Send(context.Background(), "tools/list", nil)
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	tools, ok := m["tools"].([]interface{})
	require.True(t, ok)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.(map[string]interface{})["name"].(string))
	}
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "whoami")
}

func TestBuiltinBackend_CallEcho(t *testing.T) {
	b := initializedBuiltin(t)

	params, _ := json.Marshal(map[string]interface{}{
		"name":      "echo",
		"arguments": map[string]interface{}{"message": "hello"},
	})
	result, err := b.Send(context.Background(), "tools/call", params)
	require.NoError(t, err)

	out, _ := json.Marshal(result)
	assert.Contains(t, string(out), "[acme] hello")
}

func TestBuiltinBackend_WhoamiReflectsToken(t *testing.T) {
	b := initializedBuiltin(t)
	b.SetUserToken("tok-9")

	params, _ := json.Marshal(map[string]interface{}{"name": "whoami"})
	result, err := b.Send(context.Background(), "tools/call", params)
	require.NoError(t, err)

	out, _ := json.Marshal(result)
	assert.Contains(t, string(out), `\"user_token\":true`)
	assert.Contains(t, string(out), "acme")
}

func TestBuiltinBackend_ReadInfoResource(t *testing.T) {
	b := initializedBuiltin(t)

	params, _ := json.Marshal(map[string]interface{}{"uri": "sagemcp://builtin/info"})
	result, err := b.Send(context.Background(), "resources/read", params)
	require.NoError(t, err)

	out, _ := json.Marshal(result)
	assert.Contains(t, string(out), "builtin")
}

func TestBuiltinBackend_UnknownMethod(t *testing.T) {
	b := initializedBuiltin(t)

	_, err := b.Send(context.Background(), "no/such/method", nil)
	var protoErr *protocol.Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, protocol.CodeMethodNotFound, protoErr.Code)
}

func TestBuiltinBackend_UnknownToolIsMethodNotFound(t *testing.T) {
	b := initializedBuiltin(t)

	params, _ := json.Marshal(map[string]interface{}{"name": "nope"})
	_, err := b.Send(context.Background(), "tools/call", params)

	var protoErr *protocol.Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, protocol.CodeMethodNotFound, protoErr.Code)
	assert.Contains(t, protoErr.Message, "nope")
}

func TestBuiltinBackend_BadToolArgsKeepInvalidParams(t *testing.T) {
	b := initializedBuiltin(t)

	// A registered tool with a missing required argument stays an
	// invalid-params error; only unknown tools are remapped.
	params, _ := json.Marshal(map[string]interface{}{"name": "echo"})
	result, err := b.Send(context.Background(), "tools/call", params)
	if err != nil {
		var protoErr *protocol.Error
		require.ErrorAs(t, err, &protoErr)
		assert.NotEqual(t, protocol.CodeMethodNotFound, protoErr.Code)
		return
	}
	// Argument validation inside the handler surfaces as an isError
	// tool result rather than a JSON-RPC error.
	out, _ := json.Marshal(result)
	assert.Contains(t, string(out), "message")
}

func TestBuiltinBackend_CloseIsNoop(t *testing.T) {
	b := NewBuiltinBackend("acme", "demo")
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}
