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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sagemcp/sagemcp-sub002/internal/protocol"
	"github.com/sagemcp/sagemcp-sub002/pkg/httpclient"
)

// HTTPBackend forwards JSON-RPC calls to a remote MCP endpoint over
// HTTP POST. The shared client's retry policy governs transient
// failures; its typed errors surface unchanged so callers can
// classify them.
type HTTPBackend struct {
	client *httpclient.Client
	url    string
	nextID atomic.Uint64

	tokenMu   sync.RWMutex
	userToken string
}

// NewHTTPBackend creates a backend posting to url with the shared
// client.
func NewHTTPBackend(client *httpclient.Client, url string) *HTTPBackend {
	return &HTTPBackend{client: client, url: url}
}

// Send posts one JSON-RPC message and decodes the response envelope.
// Notifications expect no response body.
func (b *HTTPBackend) Send(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	msg := protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
	notification := isNotification(method)
	if !notification {
		id := b.nextID.Add(1)
		msg.ID = json.RawMessage(fmt.Sprintf("%d", id))
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	b.tokenMu.RLock()
	if b.userToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.userToken)
	}
	b.tokenMu.RUnlock()

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if notification {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", b.url, err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *protocol.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("invalid response from %s: %w", b.url, err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return envelope.Result, nil
}

// SetUserToken records the per-request user token; the latest one
// wins.
func (b *HTTPBackend) SetUserToken(token string) {
	b.tokenMu.Lock()
	b.userToken = token
	b.tokenMu.Unlock()
}

// Close is a no-op; the HTTP client is shared and owned by the
// registry.
func (b *HTTPBackend) Close() error { return nil }
