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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagemcp/sagemcp-sub002/internal/log"
	"github.com/sagemcp/sagemcp-sub002/internal/protocol"
)

// HandleConfig configures one subprocess connector.
type HandleConfig struct {
	// Tenant and Connector identify the instance for logging and
	// status reporting.
	Tenant    string
	Connector string

	// Spec is the launch command. Required.
	Spec LaunchSpec

	// RequestTimeout bounds each request awaiting its response.
	// Defaults to 30s.
	RequestTimeout time.Duration

	// InitTimeout bounds each handshake attempt (one per framing).
	// Defaults to 10s.
	InitTimeout time.Duration

	// ProtocolVersion is offered in the initialize request. Defaults
	// to the latest supported version.
	ProtocolVersion string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// pendingResult carries one response to its waiting request.
type pendingResult struct {
	result json.RawMessage
	err    *protocol.Error
}

// Handle owns one connector subprocess and speaks JSON-RPC over its
// stdio pipes. It satisfies protocol.Backend and pool.TokenCarrier.
type Handle struct {
	tenant    string
	connector string
	runtime   string
	logger    *slog.Logger

	cmd     *exec.Cmd
	pid     int
	stdin   io.WriteCloser
	decoder *Decoder
	stderr  *StderrBuffer

	// writeMu serializes stdin writes and guards mode.
	writeMu sync.Mutex
	mode    Framing

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingResult
	nextID    atomic.Uint64

	tokenMu   sync.RWMutex
	userToken string

	timeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	exitMu    sync.Mutex
	exitErr   error
}

// Start spawns the connector process and performs the initialize
// handshake, falling back from JSON-lines to length-prefixed framing if
// the first handshake attempt gets no well-formed response. The process
// is torn down on any handshake failure.
func Start(ctx context.Context, cfg HandleConfig) (*Handle, error) {
	resolved, err := cfg.Spec.Resolve()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithConnector(log.WithComponent(logger, "proc"), cfg.Tenant, cfg.Connector)

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	initTimeout := cfg.InitTimeout
	if initTimeout == 0 {
		initTimeout = 10 * time.Second
	}
	version := cfg.ProtocolVersion
	if version == "" {
		version = protocol.LatestVersion
	}

	cmd := exec.Command(resolved.Path, resolved.Args...)
	cmd.Env = resolved.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: resolved.Path, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: resolved.Path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: resolved.Path, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: resolved.Path, Err: err}
	}

	h := &Handle{
		tenant:    cfg.Tenant,
		connector: cfg.Connector,
		runtime:   resolved.Runtime,
		logger:    logger,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		stdin:     stdin,
		decoder:   NewDecoder(FramingNDJSON),
		stderr:    NewStderrBuffer(200),
		mode:      FramingNDJSON,
		pending:   make(map[uint64]chan pendingResult),
		timeout:   timeout,
		done:      make(chan struct{}),
	}

	go consumeStderr(stderr, logger, h.stderr)
	go h.readLoop(stdout)

	if err := h.handshake(ctx, version, initTimeout); err != nil {
		h.Close()
		return nil, &InitError{Connector: cfg.Connector, Err: err}
	}

	logger.Info("connector started",
		"pid", h.pid,
		"runtime", h.runtime,
		"framing", h.framing().String())
	return h, nil
}

// handshake sends initialize under the current framing, falling back to
// the alternate framing on timeout, then emits the initialized
// notification.
func (h *Handle) handshake(ctx context.Context, version string, initTimeout time.Duration) error {
	params, _ := json.Marshal(map[string]interface{}{
		"protocolVersion": version,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "sagemcp",
			"version": "1.0",
		},
	})

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	_, err := h.Send(initCtx, protocol.MethodInitialize, params)
	cancel()

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		h.logger.Warn("handshake got no response, retrying with length-prefixed framing")
		h.setFraming(FramingContentLength)

		initCtx, cancel = context.WithTimeout(ctx, initTimeout)
		_, err = h.Send(initCtx, protocol.MethodInitialize, params)
		cancel()
	}
	if err != nil {
		return err
	}

	return h.notify(protocol.NotificationInitialized, nil)
}

// Send dispatches one request and awaits its response. Methods under
// the notifications/ prefix are fire-and-forget and return (nil, nil).
func (h *Handle) Send(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	select {
	case <-h.done:
		return nil, h.closedErr()
	default:
	}

	if strings.HasPrefix(method, "notifications/") {
		return nil, h.notify(method, params)
	}

	id := h.nextID.Add(1)
	ch := make(chan pendingResult, 1)
	h.pendingMu.Lock()
	h.pending[id] = ch
	h.pendingMu.Unlock()

	msg, err := json.Marshal(protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
		Params:  h.injectToken(params),
	})
	if err != nil {
		h.dropPending(id)
		return nil, err
	}

	if err := h.writeFrame(msg); err != nil {
		h.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		var decoded interface{}
		if len(res.result) > 0 {
			if err := json.Unmarshal(res.result, &decoded); err != nil {
				return nil, fmt.Errorf("proc: malformed result for %s: %w", method, err)
			}
		}
		return decoded, nil
	case <-ctx.Done():
		h.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		h.dropPending(id)
		return nil, fmt.Errorf("proc: request %s timed out after %s: %w",
			method, h.timeout, context.DeadlineExceeded)
	case <-h.done:
		h.dropPending(id)
		return nil, h.closedErr()
	}
}

// notify writes a request without an id; no response is expected.
func (h *Handle) notify(method string, params json.RawMessage) error {
	msg, err := json.Marshal(protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	return h.writeFrame(msg)
}

// SetUserToken overlays a per-request user token; the latest token
// wins and rides on subsequent outgoing requests.
func (h *Handle) SetUserToken(token string) {
	h.tokenMu.Lock()
	h.userToken = token
	h.tokenMu.Unlock()
}

// injectToken attaches the current user token to object params under
// _meta.authorization. Non-object params pass through untouched.
func (h *Handle) injectToken(params json.RawMessage) json.RawMessage {
	h.tokenMu.RLock()
	token := h.userToken
	h.tokenMu.RUnlock()
	if token == "" {
		return params
	}

	obj := make(map[string]interface{})
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return params
		}
	}
	meta, _ := obj["_meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["authorization"] = "Bearer " + token
	obj["_meta"] = meta

	out, err := json.Marshal(obj)
	if err != nil {
		return params
	}
	return out
}

// Alive reports whether the process is still running and the handle is
// open.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed when the process exits or the handle is closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// PID returns the subprocess pid.
func (h *Handle) PID() int { return h.pid }

// Runtime returns the resolved runtime type label.
func (h *Handle) Runtime() string { return h.runtime }

// StderrTail returns the most recent captured stderr lines.
func (h *Handle) StderrTail(n int) []StderrEntry { return h.stderr.Last(n) }

// Close kills the subprocess and fails every pending request. Safe to
// call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.stdin.Close()
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})

	// The reader loop closes done once the process is reaped.
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

func (h *Handle) framing() Framing {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.mode
}

// setFraming switches both directions to the given framing and drops
// any half-read input.
func (h *Handle) setFraming(mode Framing) {
	h.writeMu.Lock()
	h.mode = mode
	h.writeMu.Unlock()
	h.decoder.Reset(mode)
}

func (h *Handle) writeFrame(payload []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := h.stdin.Write(EncodeFrame(h.mode, payload)); err != nil {
		return fmt.Errorf("proc: write to connector failed: %w", err)
	}
	return nil
}

// readLoop feeds stdout into the frame decoder and resolves pending
// requests. It owns process reaping: when the pipe closes it waits on
// the process, records the exit, and fails everything in flight.
func (h *Handle) readLoop(stdout io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			h.decoder.Feed(buf[:n])
			h.drainFrames()
		}
		if err != nil {
			break
		}
	}

	waitErr := h.cmd.Wait()
	h.exitMu.Lock()
	h.exitErr = &ExitError{PID: h.pid, Err: waitErr}
	h.exitMu.Unlock()

	h.failAllPending()
	close(h.done)

	h.logger.Info("connector process exited", "pid", h.pid, log.Error(waitErr))
}

// drainFrames dispatches every complete frame currently buffered.
// Malformed frames are dropped; the loop keeps reading.
func (h *Handle) drainFrames() {
	for {
		frame, err := h.decoder.Next()
		if errors.Is(err, ErrIncompleteFrame) {
			return
		}
		if err != nil {
			h.logger.Debug("dropping malformed frame", log.Error(err))
			continue
		}
		h.dispatch(frame)
	}
}

// dispatch routes one decoded frame to its pending request. Frames
// without a matching id (server notifications, duplicates) are dropped.
func (h *Handle) dispatch(frame []byte) {
	var msg struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *protocol.Error `json:"error"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		h.logger.Debug("dropping undecodable frame", log.Error(err))
		return
	}

	var id uint64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		return
	}

	h.pendingMu.Lock()
	ch, ok := h.pending[id]
	delete(h.pending, id)
	h.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- pendingResult{result: msg.Result, err: msg.Error}
}

func (h *Handle) dropPending(id uint64) {
	h.pendingMu.Lock()
	delete(h.pending, id)
	h.pendingMu.Unlock()
}

// failAllPending resolves every in-flight request with a backend error
// during teardown.
func (h *Handle) failAllPending() {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	for id, ch := range h.pending {
		delete(h.pending, id)
		ch <- pendingResult{err: protocol.NewError(protocol.CodeInternalError, "connector terminated")}
	}
}

// closedErr returns the exit error when the process died, or
// ErrHandleClosed for an explicit close.
func (h *Handle) closedErr() error {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	if h.exitErr != nil {
		return h.exitErr
	}
	return ErrHandleClosed
}
