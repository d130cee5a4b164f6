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

package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagemcp/sagemcp-sub002/internal/protocol"
)

// stubBackend is a backend that records closes and token overlays.
type stubBackend struct {
	id        string
	closed    atomic.Bool
	mu        sync.Mutex
	userToken string
}

func (s *stubBackend) Send(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return nil, nil
}

func (s *stubBackend) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *stubBackend) SetUserToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userToken = token
}

func (s *stubBackend) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userToken
}

func newTestPool(t *testing.T, f Factory, maxSize int, ttl time.Duration) *Pool {
	t.Helper()
	p := New(Config{Factory: f, MaxSize: maxSize, TTL: ttl})
	t.Cleanup(p.Shutdown)
	return p
}

func TestPool_HitReturnsSameInstance(t *testing.T) {
	var created atomic.Int64
	p := newTestPool(t, func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
		created.Add(1)
		return &stubBackend{id: tenant + "/" + connector}, nil
	}, 8, time.Hour)

	ctx := context.Background()
	b1, err := p.GetOrCreate(ctx, "acme", "github", "")
	require.NoError(t, err)
	b2, err := p.GetOrCreate(ctx, "acme", "github", "")
	require.NoError(t, err)

	assert.Same(t, b1, b2)
	assert.Equal(t, int64(1), created.Load())

	hits, misses := p.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestPool_TokenOverlayLatestWins(t *testing.T) {
	p := newTestPool(t, func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
		return &stubBackend{userToken: userToken}, nil
	}, 8, time.Hour)

	ctx := context.Background()
	b1, err := p.GetOrCreate(ctx, "acme", "github", "token-a")
	require.NoError(t, err)
	_, err = p.GetOrCreate(ctx, "acme", "github", "token-b")
	require.NoError(t, err)

	assert.Equal(t, "token-b", b1.(*stubBackend).token())
}

func TestPool_FactoryErrorNotCached(t *testing.T) {
	var created atomic.Int64
	failFirst := errors.New("init failed")
	p := newTestPool(t, func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
		if created.Add(1) == 1 {
			return nil, failFirst
		}
		return &stubBackend{}, nil
	}, 8, time.Hour)

	ctx := context.Background()
	_, err := p.GetOrCreate(ctx, "acme", "github", "")
	assert.ErrorIs(t, err, failFirst)
	assert.Equal(t, 0, p.Len())

	// The next call retries initialization.
	b, err := p.GetOrCreate(ctx, "acme", "github", "")
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Equal(t, int64(2), created.Load())
}

func TestPool_LRUEvictionAtCapacity(t *testing.T) {
	backends := make(map[string]*stubBackend)
	p := newTestPool(t, func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
		b := &stubBackend{id: connector}
		backends[connector] = b
		return b, nil
	}, 2, time.Hour)

	base := time.Now()
	var clock atomic.Int64
	p.now = func() time.Time {
		return base.Add(time.Duration(clock.Add(1)) * time.Millisecond)
	}

	ctx := context.Background()
	_, err := p.GetOrCreate(ctx, "acme", "a", "")
	require.NoError(t, err)
	_, err = p.GetOrCreate(ctx, "acme", "b", "")
	require.NoError(t, err)

	// Touch "a" so "b" becomes least recently used.
	_, err = p.GetOrCreate(ctx, "acme", "a", "")
	require.NoError(t, err)

	_, err = p.GetOrCreate(ctx, "acme", "c", "")
	require.NoError(t, err)

	assert.Equal(t, 2, p.Len())
	assert.True(t, backends["b"].closed.Load(), "lru entry should be released")
	assert.False(t, backends["a"].closed.Load())
}

func TestPool_TTLExpiryIsMissAndReplaces(t *testing.T) {
	var created atomic.Int64
	p := newTestPool(t, func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
		created.Add(1)
		return &stubBackend{}, nil
	}, 8, 50*time.Millisecond)

	base := time.Now()
	var offset atomic.Int64
	p.now = func() time.Time {
		return base.Add(time.Duration(offset.Load()))
	}

	ctx := context.Background()
	b1, err := p.GetOrCreate(ctx, "acme", "github", "")
	require.NoError(t, err)

	// Advance beyond the TTL: the entry is expired, replaced in-call.
	offset.Store(int64(100 * time.Millisecond))
	b2, err := p.GetOrCreate(ctx, "acme", "github", "")
	require.NoError(t, err)

	assert.NotSame(t, b1, b2)
	assert.True(t, b1.(*stubBackend).closed.Load(), "expired handle should be released")
	assert.Equal(t, int64(2), created.Load())

	_, misses := p.Stats()
	assert.Equal(t, uint64(2), misses)
}

func TestPool_Invalidate(t *testing.T) {
	var b *stubBackend
	p := newTestPool(t, func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
		b = &stubBackend{}
		return b, nil
	}, 8, time.Hour)

	ctx := context.Background()
	_, err := p.GetOrCreate(ctx, "acme", "github", "")
	require.NoError(t, err)

	p.Invalidate("acme", "github")
	assert.Equal(t, 0, p.Len())
	assert.True(t, b.closed.Load())

	// No-op for absent keys.
	p.Invalidate("acme", "missing")
}

func TestPool_InvalidateTenant(t *testing.T) {
	p := newTestPool(t, func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
		return &stubBackend{}, nil
	}, 8, time.Hour)

	ctx := context.Background()
	for _, c := range []string{"github", "slack"} {
		_, err := p.GetOrCreate(ctx, "acme", c, "")
		require.NoError(t, err)
	}
	_, err := p.GetOrCreate(ctx, "globex", "github", "")
	require.NoError(t, err)

	p.InvalidateTenant("acme")
	assert.Equal(t, 1, p.Len())
}

func TestPool_InvalidateAll(t *testing.T) {
	p := newTestPool(t, func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
		return &stubBackend{}, nil
	}, 8, time.Hour)

	ctx := context.Background()
	_, err := p.GetOrCreate(ctx, "acme", "github", "")
	require.NoError(t, err)
	_, err = p.GetOrCreate(ctx, "globex", "slack", "")
	require.NoError(t, err)

	p.InvalidateAll()
	assert.Equal(t, 0, p.Len())

	// The pool stays usable afterwards.
	_, err = p.GetOrCreate(ctx, "acme", "github", "")
	require.NoError(t, err)
}

func TestPool_ShutdownFailsFast(t *testing.T) {
	var b *stubBackend
	p := New(Config{
		Factory: func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
			b = &stubBackend{}
			return b, nil
		},
		MaxSize: 8,
		TTL:     time.Hour,
	})

	ctx := context.Background()
	_, err := p.GetOrCreate(ctx, "acme", "github", "")
	require.NoError(t, err)

	p.Shutdown()
	assert.True(t, b.closed.Load())

	_, err = p.GetOrCreate(ctx, "acme", "github", "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPool_ConcurrentFirstAccessInitializesOnce(t *testing.T) {
	var created atomic.Int64
	p := newTestPool(t, func(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
		created.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &stubBackend{}, nil
	}, 8, time.Hour)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.GetOrCreate(ctx, "acme", "github", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), created.Load())
	assert.Equal(t, 1, p.Len())
}
