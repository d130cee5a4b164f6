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
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Backend executes protocol methods on behalf of a transport. It is
// satisfied by both the native in-process variant and the subprocess
// connector; the transport never cares which.
type Backend interface {
	// Send dispatches one method call and returns the decoded result.
	Send(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

	// Close releases the backend. Only the owning pool calls this.
	Close() error
}

// State is the transport lifecycle state.
type State int

const (
	// StateUninitialized is the state before a successful initialize.
	StateUninitialized State = iota
	// StateInitialized is the normal operating state.
	StateInitialized
	// StateClosed is terminal.
	StateClosed
)

// MethodInitialize is the handshake method name.
const MethodInitialize = "initialize"

// NotificationInitialized is the client's post-handshake notification.
const NotificationInitialized = "notifications/initialized"

// Transport handles JSON-RPC messages for one (tenant, connector) pair,
// negotiating the protocol version and dispatching methods to its bound
// backend.
type Transport struct {
	backend Backend
	events  *EventBuffer
	logger  *slog.Logger

	serverName    string
	serverVersion string

	mu      sync.Mutex
	state   State
	version string
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	// Backend executes dispatched methods. Required.
	Backend Backend

	// EventBufferSize is the replay buffer capacity (default 256).
	EventBufferSize int

	// ServerName and ServerVersion populate the initialize result.
	ServerName    string
	ServerVersion string

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// NewTransport creates a transport in the Uninitialized state.
func NewTransport(cfg TransportConfig) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ServerName
	if name == "" {
		name = "sagemcp"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "dev"
	}
	return &Transport{
		backend:       cfg.Backend,
		events:        NewEventBuffer(cfg.EventBufferSize),
		logger:        logger,
		serverName:    name,
		serverVersion: version,
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// NegotiatedVersion returns the protocol version agreed during
// initialize, or "" before the handshake.
func (t *Transport) NegotiatedVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Events returns the transport's replay buffer.
func (t *Transport) Events() *EventBuffer {
	return t.events
}

// PublishEvent buffers a server-initiated event for client delivery.
func (t *Transport) PublishEvent(eventType string, payload interface{}) (Event, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		data = b
	}
	return t.events.Append(eventType, data), nil
}

// Close moves the transport to its terminal state. The backend is not
// closed here; its lifecycle belongs to the pool.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateClosed
}

// HandleRaw processes one inbound body, which may be a single message
// or a batch. It returns the serialized response body, or nil when the
// input produces no response (notifications); the caller maps nil to an
// empty-body success status.
func (t *Transport) HandleRaw(ctx context.Context, body []byte) ([]byte, error) {
	if IsBatch(body) {
		return t.handleBatch(ctx, body)
	}

	msg, perr := ParseMessage(body)
	if perr != nil {
		return json.Marshal(NewErrorResponse(nil, perr))
	}

	resp := t.handleMessage(ctx, msg)
	if resp == nil {
		return nil, nil
	}
	return json.Marshal(resp)
}

// handleBatch processes a JSON array of messages. An empty array yields
// an empty array response; a batch of only notifications yields nil.
func (t *Transport) handleBatch(ctx context.Context, body []byte) ([]byte, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return json.Marshal(NewErrorResponse(nil, NewError(CodeParseError, "Parse error")))
	}

	if len(raw) == 0 {
		return []byte("[]"), nil
	}

	responses := make([]*Response, 0, len(raw))
	for _, item := range raw {
		msg, perr := ParseMessage(item)
		if perr != nil {
			responses = append(responses, NewErrorResponse(nil, perr))
			continue
		}
		if resp := t.handleMessage(ctx, msg); resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		return nil, nil
	}
	return json.Marshal(responses)
}

// handleMessage validates and dispatches one message. It returns nil
// for notifications and inbound response envelopes.
func (t *Transport) handleMessage(ctx context.Context, msg *Message) *Response {
	if verr := msg.Validate(); verr != nil {
		var id json.RawMessage
		if msg.HasID() {
			id = msg.ID
		}
		return NewErrorResponse(id, verr)
	}

	if msg.IsResponse() {
		// Client-to-server responses have no routing target here.
		t.logger.Debug("dropping inbound response envelope")
		return nil
	}

	if msg.IsNotification() {
		t.handleNotification(msg)
		return nil
	}

	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if state == StateClosed {
		return NewErrorResponse(msg.ID, NewError(CodeInvalidRequest, "transport closed"))
	}

	if msg.Method == MethodInitialize {
		return t.handleInitialize(msg)
	}

	if state != StateInitialized {
		return NewErrorResponse(msg.ID, NewError(CodeNotInitialized, "not initialized"))
	}

	result, err := t.backend.Send(ctx, msg.Method, msg.Params)
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			return NewErrorResponse(msg.ID, rpcErr)
		}
		// Internal launch/process details never reach the client.
		t.logger.Error("backend dispatch failed",
			"method", msg.Method,
			"error", err,
		)
		return NewErrorResponse(msg.ID, NewError(CodeInternalError, "backend unavailable"))
	}

	return NewResponse(msg.ID, flattenResult(result))
}

// initializeParams is the subset of initialize params the transport
// cares about.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// handleInitialize negotiates the protocol version and moves the
// transport to Initialized.
func (t *Transport) handleInitialize(msg *Message) *Response {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return NewErrorResponse(msg.ID, NewError(CodeInvalidParams, "invalid initialize params"))
		}
	}

	requested := params.ProtocolVersion
	if requested == "" {
		requested = LatestVersion
	}

	negotiated, err := NegotiateVersion(requested)
	if err != nil {
		return NewErrorResponse(msg.ID, NewError(CodeInvalidParams, "Unsupported protocolVersion"))
	}

	t.mu.Lock()
	t.state = StateInitialized
	t.version = negotiated
	t.mu.Unlock()

	result := map[string]interface{}{
		"protocolVersion": negotiated,
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{"listChanged": false},
			"resources": map[string]interface{}{"listChanged": false},
		},
		"serverInfo": map[string]interface{}{
			"name":    t.serverName,
			"version": t.serverVersion,
		},
	}
	return NewResponse(msg.ID, result)
}

// handleNotification processes a notification's side effects. No
// response is ever produced.
func (t *Transport) handleNotification(msg *Message) {
	switch msg.Method {
	case NotificationInitialized:
		// Handshake completion acknowledgement; nothing to do.
	default:
		t.logger.Debug("ignoring notification", "method", msg.Method)
	}
}

// flattenResult normalizes a backend result for serialization. Raw JSON
// passes through untouched; structured values get their URI fields
// flattened to strings.
func flattenResult(result interface{}) interface{} {
	if raw, ok := result.(json.RawMessage); ok {
		return raw
	}
	return FlattenURIs(result)
}
