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

// Package gateway is the HTTP face of the multi-tenant MCP gateway:
// JSON-RPC over POST, server events over SSE, session lifecycle over
// DELETE, with per-tenant rate-limit admission in front of all of it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sagemcp/sagemcp-sub002/internal/connector"
	"github.com/sagemcp/sagemcp-sub002/internal/log"
	"github.com/sagemcp/sagemcp-sub002/internal/pool"
	"github.com/sagemcp/sagemcp-sub002/internal/protocol"
	"github.com/sagemcp/sagemcp-sub002/internal/ratelimit"
	"github.com/sagemcp/sagemcp-sub002/internal/session"
	"github.com/sagemcp/sagemcp-sub002/internal/status"
)

// SessionHeader carries session identity between client and gateway.
const SessionHeader = "Mcp-Session-Id"

// lastEventIDHeader resumes an SSE stream after the given event id.
const lastEventIDHeader = "Last-Event-ID"

const maxBodyBytes = 4 << 20

// Config configures the gateway server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8710".
	Addr string

	// Pool caches backend handles per (tenant, connector). Required.
	Pool *pool.Pool

	// Sessions maps session ids to transports. Required.
	Sessions *session.Manager

	// Limiter admits requests per tenant. Required.
	Limiter *ratelimit.Limiter

	// Registry resolves connector definitions. Required.
	Registry *connector.Registry

	// Status optionally exposes persisted connector status rows.
	Status status.Store

	// ServerName and ServerVersion populate initialize results.
	ServerName    string
	ServerVersion string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	httpSrv *http.Server
}

// NewServer wires the gateway routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Pool == nil || cfg.Sessions == nil || cfg.Limiter == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("pool, sessions, limiter, and registry are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: log.WithComponent(logger, "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp/{tenant}/{connector}", s.handlePost)
	mux.HandleFunc("GET /mcp/{tenant}/{connector}", s.handleEvents)
	mux.HandleFunc("DELETE /mcp/{tenant}/{connector}", s.handleDelete)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /admin/status", s.handleStatus)
	mux.Handle("GET /metrics", s.metricsHandler())

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handlePost is the JSON-RPC endpoint: rate-limit admission, session
// resolution, pool lookup, then transport dispatch.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenant := r.PathValue("tenant")
	name := r.PathValue("connector")
	requestID := uuid.NewString()

	logger := log.WithRequestID(log.WithConnector(s.logger, tenant, name), requestID)

	// Admission uses path attribution so unattributable requests
	// bypass limiting instead of sharing one bucket.
	if !s.admit(w, ratelimit.TenantFromPath(r.URL.Path), name) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeRPCError(w, http.StatusBadRequest, tenant, name,
			protocol.NewError(protocol.CodeParseError, "unreadable request body"))
		return
	}

	sess, created, err := s.resolveSession(r, tenant, name)
	if err != nil {
		var nfErr *connector.NotFoundError
		switch {
		case errors.Is(err, errSessionNotFound):
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			s.observe(tenant, name, http.StatusNotFound, start)
		case errors.As(err, &nfErr):
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": nfErr.Error()})
			s.observe(tenant, name, http.StatusNotFound, start)
		default:
			logger.Error("failed to resolve session", log.Error(err))
			s.writeRPCError(w, http.StatusInternalServerError, tenant, name,
				protocol.NewError(protocol.CodeInternalError, "backend unavailable"))
		}
		return
	}

	resp, err := sess.Transport.HandleRaw(r.Context(), body)
	if err != nil {
		logger.Error("dispatch failed", log.Error(err))
		s.writeRPCError(w, http.StatusInternalServerError, tenant, name,
			protocol.NewError(protocol.CodeInternalError, "backend unavailable"))
		return
	}

	if created {
		w.Header().Set(SessionHeader, sess.ID)
		gatewaySessionsActive.Set(float64(s.cfg.Sessions.ActiveCount()))
	}

	if resp == nil {
		// Notifications produce no body.
		w.WriteHeader(http.StatusAccepted)
		s.observe(tenant, name, http.StatusAccepted, start)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
	s.observe(tenant, name, http.StatusOK, start)

	logger.Debug("request handled",
		log.Duration("duration", time.Since(start).Milliseconds()),
		slog.String(log.SessionIDKey, sess.ID))
}

// handleEvents streams buffered and live server events over SSE,
// replaying from the Last-Event-ID header when present.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	name := r.PathValue("connector")

	sess, ok := s.session(r)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var after uint64
	if raw := r.Header.Get(lastEventIDHeader); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
			return
		}
		after = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(SessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)

	gatewaySSEStreams.Inc()
	defer gatewaySSEStreams.Dec()

	events := sess.Transport.Events()
	live, unsubscribe := events.Subscribe(64)
	defer unsubscribe()

	// Replay the gap before switching to the live feed. Subscribing
	// first means anything published in between shows up on the
	// channel; duplicates are filtered by id.
	replayed := after
	for _, ev := range events.ReplayFrom(after) {
		writeSSE(w, ev)
		replayed = ev.ID
	}
	flusher.Flush()

	logger := log.WithSession(log.WithConnector(s.logger, tenant, name), sess.ID)
	logger.Debug("event stream opened", "after", after)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.ID <= replayed {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

// handleDelete closes the session named by the session header.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing " + SessionHeader + " header"})
		return
	}

	s.cfg.Sessions.CloseSession(id)
	gatewaySessionsActive.Set(float64(s.cfg.Sessions.ActiveCount()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports persisted connector status rows, optionally
// filtered by ?tenant=.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "status store not configured"})
		return
	}

	records, err := s.cfg.Status.List(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		s.logger.Error("failed to list connector status", log.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
		return
	}
	if records == nil {
		records = []status.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"connectors": records})
}

// metricsHandler refreshes pool-derived gauges before each scrape.
func (s *Server) metricsHandler() http.Handler {
	inner := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits, misses := s.cfg.Pool.Stats()
		gatewayPoolLookups.WithLabelValues("hit").Set(float64(hits))
		gatewayPoolLookups.WithLabelValues("miss").Set(float64(misses))
		gatewaySessionsActive.Set(float64(s.cfg.Sessions.ActiveCount()))
		inner.ServeHTTP(w, r)
	})
}

// admit applies per-tenant rate limiting, answering 429 with a
// Retry-After hint on rejection.
func (s *Server) admit(w http.ResponseWriter, tenant, name string) bool {
	if s.cfg.Limiter.Allow(tenant) {
		return true
	}

	retryAfter := s.cfg.Limiter.RetryAfter(tenant)
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	gatewayRateLimited.WithLabelValues(tenant).Inc()
	gatewayRequests.WithLabelValues(tenant, name, "429").Inc()
	s.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	return false
}

var errSessionNotFound = errors.New("gateway: session not found")

// session fetches the session named by the request header.
func (s *Server) session(r *http.Request) (*session.Session, bool) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		return nil, false
	}
	return s.cfg.Sessions.GetSession(id)
}

// resolveSession returns the request's session, creating one (backed
// by a pooled handle and fresh transport) when the header is absent. A
// header naming an unknown or expired session is an error, not an
// implicit create.
func (s *Server) resolveSession(r *http.Request, tenant, name string) (*session.Session, bool, error) {
	if id := r.Header.Get(SessionHeader); id != "" {
		sess, ok := s.cfg.Sessions.GetSession(id)
		if !ok {
			return nil, false, errSessionNotFound
		}
		if token := bearerToken(r); token != "" {
			if tc, ok := sess.Backend.(pool.TokenCarrier); ok {
				tc.SetUserToken(token)
			}
		}
		return sess, false, nil
	}

	backend, err := s.cfg.Pool.GetOrCreate(r.Context(), tenant, name, bearerToken(r))
	if err != nil {
		return nil, false, err
	}

	transport := protocol.NewTransport(protocol.TransportConfig{
		Backend:       backend,
		ServerName:    s.cfg.ServerName,
		ServerVersion: s.cfg.ServerVersion,
		Logger:        s.logger,
	})

	sess, err := s.cfg.Sessions.CreateSession(tenant, name, backend, transport, "")
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func (s *Server) observe(tenant, name string, code int, start time.Time) {
	gatewayRequests.WithLabelValues(tenant, name, strconv.Itoa(code)).Inc()
	gatewayRequestDuration.WithLabelValues(tenant, name).Observe(time.Since(start).Seconds())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeRPCError(w http.ResponseWriter, code int, tenant, name string, rpcErr *protocol.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.NewErrorResponse(nil, rpcErr))
	gatewayRequests.WithLabelValues(tenant, name, strconv.Itoa(code)).Inc()
}

// writeSSE emits one event in text/event-stream format.
func writeSSE(w io.Writer, ev protocol.Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
}
