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

// Package session tracks client-visible session identifiers bound to a
// transport and backend pair, with TTL expiry and per-key caps.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sagemcp/sagemcp-sub002/internal/protocol"
)

// ErrClosed is returned by CreateSession after Shutdown.
var ErrClosed = errors.New("session: manager closed")

// Session is one client-visible session. The backend reference is
// weak: the pool owns the backend's lifecycle and may evict it
// independently; callers must tolerate a stale reference.
type Session struct {
	// ID is the 128-bit random identifier, hex-encoded (32 chars).
	ID string

	// Tenant and Connector identify the owning key.
	Tenant    string
	Connector string

	// Backend is a non-owning reference to the pooled handle.
	Backend protocol.Backend

	// Transport is the protocol transport bound to this session.
	Transport *protocol.Transport

	// Version is the negotiated protocol version.
	Version string

	createdAt  time.Time
	createSeq  uint64
	lastAccess time.Time
}

// Manager maps session ids to sessions. All operations are in-memory
// and never suspend; a single mutex guards the maps.
type Manager struct {
	ttl       time.Duration
	maxPerKey int
	logger    *slog.Logger

	// now is injected for tests.
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	byKey    map[string][]*Session // creation order per (tenant, connector)
	seq      uint64
	closed   bool
}

// Config configures a Manager.
type Config struct {
	// TTL is the idle session lifetime (default 1h).
	TTL time.Duration

	// MaxPerKey caps concurrently open sessions per (tenant, connector)
	// key (default 8).
	MaxPerKey int

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// NewManager creates an empty session manager.
func NewManager(cfg Config) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	maxPerKey := cfg.MaxPerKey
	if maxPerKey <= 0 {
		maxPerKey = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ttl:       ttl,
		maxPerKey: maxPerKey,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		byKey:     make(map[string][]*Session),
	}
}

// newSessionID generates a 128-bit random identifier, hex-encoded.
func newSessionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func sessionKey(tenant, connector string) string {
	return tenant + "/" + connector
}

// CreateSession registers a new session and returns its id. If the key
// is at its cap, the oldest session for that exact key (by creation
// order, not access order) is evicted first.
func (m *Manager) CreateSession(tenant, connector string, backend protocol.Backend, transport *protocol.Transport, version string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	key := sessionKey(tenant, connector)
	if len(m.byKey[key]) >= m.maxPerKey {
		oldest := m.byKey[key][0]
		m.removeLocked(oldest)
		m.logger.Debug("session cap reached, evicting oldest",
			"tenant", tenant,
			"connector", connector,
			"session_id", oldest.ID,
		)
	}

	m.seq++
	now := m.now()
	s := &Session{
		ID:         id,
		Tenant:     tenant,
		Connector:  connector,
		Backend:    backend,
		Transport:  transport,
		Version:    version,
		createdAt:  now,
		createSeq:  m.seq,
		lastAccess: now,
	}
	m.sessions[id] = s
	m.byKey[key] = append(m.byKey[key], s)

	return s, nil
}

// livenessReporter is implemented by backends that can report whether
// they are still usable, such as a subprocess handle whose process
// may have exited.
type livenessReporter interface {
	Alive() bool
}

// GetSession returns the session and refreshes its last access time.
// An expired session, or one whose backend reference has gone stale,
// is removed and reported as absent; the client must re-initialize.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}

	now := m.now()
	if now.Sub(s.lastAccess) > m.ttl {
		m.removeLocked(s)
		return nil, false
	}

	if lr, ok := s.Backend.(livenessReporter); ok && !lr.Alive() {
		if s.Transport != nil {
			s.Transport.Close()
		}
		m.removeLocked(s)
		m.logger.Debug("session backend dead, treating as miss",
			"tenant", s.Tenant,
			"connector", s.Connector,
			"session_id", s.ID,
		)
		return nil, false
	}

	s.lastAccess = now
	return s, true
}

// CloseSession removes a session. No-op if absent.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		if s.Transport != nil {
			s.Transport.Close()
		}
		m.removeLocked(s)
	}
}

// removeLocked unlinks a session from both indexes.
func (m *Manager) removeLocked(s *Session) {
	delete(m.sessions, s.ID)

	key := sessionKey(s.Tenant, s.Connector)
	list := m.byKey[key]
	for i, other := range list {
		if other.ID == s.ID {
			m.byKey[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.byKey[key]) == 0 {
		delete(m.byKey, key)
	}
}

// ActiveCount returns the number of live (non-expired) sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for _, s := range m.sessions {
		if now.Sub(s.lastAccess) <= m.ttl {
			count++
		}
	}
	return count
}

// Reap removes every expired session. Lazy expiry in GetSession keeps
// the manager correct without this; the reaper just frees memory
// sooner.
func (m *Manager) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []*Session
	for _, s := range m.sessions {
		if now.Sub(s.lastAccess) > m.ttl {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		m.removeLocked(s)
	}
	return len(expired)
}

// StartReaper runs Reap on the given interval until ctx is done.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.Reap(); n > 0 {
					m.logger.Debug("reaped expired sessions", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown clears all sessions and flips the manager into a terminal
// state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for _, s := range m.sessions {
		if s.Transport != nil {
			s.Transport.Close()
		}
	}
	m.sessions = make(map[string]*Session)
	m.byKey = make(map[string][]*Session)
}
