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

// Package pool caches initialized backend handles keyed by
// (tenant, connector) so repeated calls avoid re-initialization cost.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sagemcp/sagemcp-sub002/internal/protocol"
)

// ErrClosed is returned by GetOrCreate after Shutdown.
var ErrClosed = errors.New("pool: closed")

// Factory constructs and initializes a backend handle for a key. It is
// invoked outside the pool lock; a factory error means nothing is
// cached for the attempt.
type Factory func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error)

// TokenCarrier is implemented by backends that accept a per-request
// user token overlay. A later request's token always wins.
type TokenCarrier interface {
	SetUserToken(token string)
}

// Key identifies one pooled backend.
type Key struct {
	Tenant    string
	Connector string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Tenant, k.Connector)
}

// entry owns one initialized backend handle until eviction.
type entry struct {
	backend    protocol.Backend
	createdAt  time.Time
	lastAccess time.Time
	userToken  string
}

// Pool is a bounded LRU+TTL cache of backend handles. It is the sole
// owner of the handles it holds: eviction, invalidation and shutdown
// all release the handle.
type Pool struct {
	factory Factory
	maxSize int
	ttl     time.Duration
	logger  *slog.Logger

	// now is injected for tests.
	now func() time.Time

	mu       sync.Mutex
	entries  map[Key]*entry
	inflight map[Key]chan struct{}
	closed   bool
	hits     uint64
	misses   uint64
}

// Config configures a Pool.
type Config struct {
	// Factory constructs backends on cache miss. Required.
	Factory Factory

	// MaxSize bounds the number of cached handles (default 64).
	MaxSize int

	// TTL is the handle lifetime measured from creation (default 30m).
	TTL time.Duration

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 64
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		factory:  cfg.Factory,
		maxSize:  maxSize,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[Key]*entry),
		inflight: make(map[Key]chan struct{}),
	}
}

// GetOrCreate returns the cached backend for the key, creating and
// initializing one on miss. An expired entry counts as a miss and is
// replaced within the same call. Concurrent first access for the same
// key initializes exactly once; initialization runs outside the lock.
func (p *Pool) GetOrCreate(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
	key := Key{Tenant: tenant, Connector: connector}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		var stale protocol.Backend
		if e, ok := p.entries[key]; ok {
			if p.now().Sub(e.createdAt) <= p.ttl {
				e.lastAccess = p.now()
				if userToken != "" {
					e.userToken = userToken
					if tc, ok := e.backend.(TokenCarrier); ok {
						tc.SetUserToken(userToken)
					}
				}
				p.hits++
				backend := e.backend
				p.mu.Unlock()
				return backend, nil
			}
			// Expired: treat as absent and replace below.
			stale = e.backend
			delete(p.entries, key)
		}

		if ch, ok := p.inflight[key]; ok {
			// Another caller is initializing this key; wait and retry.
			p.mu.Unlock()
			if stale != nil {
				_ = stale.Close()
			}
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ch := make(chan struct{})
		p.inflight[key] = ch
		p.misses++
		p.mu.Unlock()

		if stale != nil {
			p.logger.Debug("pool entry expired", "key", key.String())
			_ = stale.Close()
		}

		backend, err := p.factory(ctx, tenant, connector, userToken)

		p.mu.Lock()
		delete(p.inflight, key)
		close(ch)

		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			_ = backend.Close()
			return nil, ErrClosed
		}

		p.evictIfFullLocked()

		now := p.now()
		p.entries[key] = &entry{
			backend:    backend,
			createdAt:  now,
			lastAccess: now,
			userToken:  userToken,
		}
		p.mu.Unlock()

		return backend, nil
	}
}

// evictIfFullLocked removes the least-recently-used entry when the pool
// is at capacity. Eviction is synchronous at insertion time.
func (p *Pool) evictIfFullLocked() {
	if len(p.entries) < p.maxSize {
		return
	}

	var (
		oldestKey Key
		oldest    *entry
	)
	for k, e := range p.entries {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldestKey = k
			oldest = e
		}
	}
	if oldest != nil {
		delete(p.entries, oldestKey)
		p.logger.Debug("pool evicted lru entry", "key", oldestKey.String())
		_ = oldest.backend.Close()
	}
}

// Invalidate removes and releases one entry. No-op if absent.
func (p *Pool) Invalidate(tenant, connector string) {
	key := Key{Tenant: tenant, Connector: connector}

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if ok {
		_ = e.backend.Close()
	}
}

// InvalidateTenant removes and releases all entries for a tenant.
func (p *Pool) InvalidateTenant(tenant string) {
	var evicted []protocol.Backend

	p.mu.Lock()
	for k, e := range p.entries {
		if k.Tenant == tenant {
			evicted = append(evicted, e.backend)
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()

	for _, b := range evicted {
		_ = b.Close()
	}
}

// InvalidateAll removes and releases every entry. The pool stays
// usable; the next GetOrCreate per key builds a fresh backend.
func (p *Pool) InvalidateAll() {
	var evicted []protocol.Backend

	p.mu.Lock()
	for k, e := range p.entries {
		evicted = append(evicted, e.backend)
		delete(p.entries, k)
	}
	p.mu.Unlock()

	for _, b := range evicted {
		_ = b.Close()
	}
}

// Shutdown releases every held handle and flips the pool into a
// terminal state; subsequent GetOrCreate calls fail fast.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	backends := make([]protocol.Backend, 0, len(p.entries))
	for _, e := range p.entries {
		backends = append(backends, e.backend)
	}
	p.entries = make(map[Key]*entry)
	p.mu.Unlock()

	for _, b := range backends {
		_ = b.Close()
	}
}

// Stats returns the exact, monotonic hit and miss counters.
func (p *Pool) Stats() (hits, misses uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}

// Len returns the number of cached entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
