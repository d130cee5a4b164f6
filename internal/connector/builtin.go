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
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sagemcp/sagemcp-sub002/internal/protocol"
)

// BuiltinBackend is the in-process connector variant. It routes raw
// JSON-RPC messages into an embedded MCP server, so builtin connectors
// exercise the same dispatch path as external ones without a
// subprocess.
type BuiltinBackend struct {
	tenant    string
	connector string
	srv       *server.MCPServer

	tokenMu   sync.RWMutex
	userToken string
}

// NewBuiltinBackend creates the built-in demo connector for a tenant.
// It exposes a small set of tools and a status resource useful for
// smoke tests and gateway onboarding.
func NewBuiltinBackend(tenant, connector string) *BuiltinBackend {
	srv := server.NewMCPServer(
		"sagemcp-builtin",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
	)

	b := &BuiltinBackend{
		tenant:    tenant,
		connector: connector,
		srv:       srv,
	}

	echoTool := mcp.NewTool("echo",
		mcp.WithDescription("Echo a message back, prefixed with the tenant name"),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Text to echo"),
		),
	)
	srv.AddTool(echoTool, b.handleEcho)

	whoamiTool := mcp.NewTool("whoami",
		mcp.WithDescription("Report the tenant and connector identity of this session"),
	)
	srv.AddTool(whoamiTool, b.handleWhoami)

	infoResource := mcp.NewResource(
		"sagemcp://builtin/info",
		"Gateway connector info",
		mcp.WithResourceDescription("Identity of the built-in connector instance"),
		mcp.WithMIMEType("application/json"),
	)
	srv.AddResource(infoResource, b.handleInfo)

	return b
}

// Send routes one JSON-RPC call into the embedded server.
func (b *BuiltinBackend) Send(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	req := protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
	if method != "" && !isNotification(method) {
		req.ID = json.RawMessage(`1`)
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	msg := b.srv.HandleMessage(ctx, raw)
	if msg == nil {
		return nil, nil
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *protocol.Error `json:"error"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		// The embedded server reports an unregistered tool as an
		// invalid-params error; at the gateway surface an unknown tool
		// is a method-not-found condition.
		if method == "tools/call" && resp.Error.Code == protocol.CodeInvalidParams &&
			strings.Contains(resp.Error.Message, "not found") {
			return nil, protocol.NewError(protocol.CodeMethodNotFound, resp.Error.Message)
		}
		return nil, resp.Error
	}

	var decoded interface{}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &decoded); err != nil {
			return nil, err
		}
	}
	return decoded, nil
}

// SetUserToken records the per-request user token; the latest one
// wins.
func (b *BuiltinBackend) SetUserToken(token string) {
	b.tokenMu.Lock()
	b.userToken = token
	b.tokenMu.Unlock()
}

// Close is a no-op; builtin backends hold no external resources.
func (b *BuiltinBackend) Close() error { return nil }

func isNotification(method string) bool {
	return len(method) > len("notifications/") && method[:len("notifications/")] == "notifications/"
}

func (b *BuiltinBackend) handleEcho(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("[%s] %s", b.tenant, message)), nil
}

func (b *BuiltinBackend) handleWhoami(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b.tokenMu.RLock()
	hasToken := b.userToken != ""
	b.tokenMu.RUnlock()

	out, err := json.Marshal(map[string]interface{}{
		"tenant":     b.tenant,
		"connector":  b.connector,
		"user_token": hasToken,
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (b *BuiltinBackend) handleInfo(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	out, err := json.Marshal(map[string]string{
		"tenant":    b.tenant,
		"connector": b.connector,
		"variant":   "builtin",
	})
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}
