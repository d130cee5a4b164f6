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

// Package ratelimit implements per-tenant token-bucket admission control.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// TokenBucket is a single tenant's rate state. Capacity equals the
// tenant's requests-per-minute budget, so the burst allowance is one
// minute's worth of traffic.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket for the given per-minute budget.
func NewTokenBucket(rpm int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(rpm),
		capacity:   float64(rpm),
		refillRate: float64(rpm) / 60.0,
		lastRefill: time.Now(),
	}
}

// refillLocked adds tokens for elapsed time, clamped at capacity.
func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	}
	tb.lastRefill = now
}

// TryConsume refills the bucket for the time elapsed since the last
// refill, then takes one token if available.
func (tb *TokenBucket) TryConsume(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// TimeUntilToken returns how long until one token is available, or 0
// if a token is available now.
func (tb *TokenBucket) TimeUntilToken(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(now)
	if tb.tokens >= 1 {
		return 0
	}
	missing := 1 - tb.tokens
	return time.Duration(missing / tb.refillRate * float64(time.Second))
}

// Tokens returns the current token count after refill.
func (tb *TokenBucket) Tokens(now time.Time) float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(now)
	return tb.tokens
}

// Limiter holds one token bucket per tenant, created lazily at the
// default rate. Requests that cannot be attributed to a tenant bypass
// rate limiting entirely.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	defaultRPM int
}

// NewLimiter creates a limiter with the given default per-tenant budget.
func NewLimiter(defaultRPM int) *Limiter {
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		defaultRPM: defaultRPM,
	}
}

// bucket returns the tenant's bucket, creating it at the default rate.
func (l *Limiter) bucket(tenant string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	tb, ok := l.buckets[tenant]
	if !ok {
		tb = NewTokenBucket(l.defaultRPM)
		l.buckets[tenant] = tb
	}
	return tb
}

// Allow reports whether the tenant may make one request now. The empty
// tenant always passes.
func (l *Limiter) Allow(tenant string) bool {
	if tenant == "" {
		return true
	}
	return l.bucket(tenant).TryConsume(time.Now())
}

// RetryAfter returns the wait until the tenant's next token.
func (l *Limiter) RetryAfter(tenant string) time.Duration {
	if tenant == "" {
		return 0
	}
	return l.bucket(tenant).TimeUntilToken(time.Now())
}

// SetTenantLimit replaces the tenant's bucket with a full one at the
// new rate. The old bucket's partial state is discarded.
func (l *Limiter) SetTenantLimit(tenant string, rpm int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[tenant] = NewTokenBucket(rpm)
}

// TenantFromPath extracts the tenant slug from a request path shaped
// like /mcp/{tenant}/{connector}. It returns "" when the path cannot be
// attributed to a tenant, which bypasses rate limiting.
func TenantFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "mcp" && parts[1] != "" {
		return parts[1]
	}
	return ""
}
