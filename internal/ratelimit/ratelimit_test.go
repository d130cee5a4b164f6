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

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_FullBucketDrains(t *testing.T) {
	tb := NewTokenBucket(10)
	now := time.Now()

	// Exactly capacity consumptions succeed back to back.
	for i := 0; i < 10; i++ {
		assert.True(t, tb.TryConsume(now), "consumption %d should succeed", i)
	}
	assert.False(t, tb.TryConsume(now))
}

func TestTokenBucket_RefillClampsAtCapacity(t *testing.T) {
	tb := NewTokenBucket(60) // 1 token/sec

	now := time.Now()
	for i := 0; i < 60; i++ {
		tb.TryConsume(now)
	}

	// A huge elapsed interval never grows tokens past capacity.
	later := now.Add(24 * time.Hour)
	assert.InDelta(t, 60, tb.Tokens(later), 0.001)
}

func TestTokenBucket_RefillOverTime(t *testing.T) {
	tb := NewTokenBucket(60) // 1 token/sec

	now := time.Now()
	for i := 0; i < 60; i++ {
		tb.TryConsume(now)
	}
	assert.False(t, tb.TryConsume(now))

	// 2.5 seconds later: 2.5 tokens accumulated, two consumptions succeed.
	later := now.Add(2500 * time.Millisecond)
	assert.True(t, tb.TryConsume(later))
	assert.True(t, tb.TryConsume(later))
	assert.False(t, tb.TryConsume(later))
}

func TestTokenBucket_TimeUntilToken(t *testing.T) {
	tb := NewTokenBucket(60) // 1 token/sec
	now := time.Now()

	assert.Equal(t, time.Duration(0), tb.TimeUntilToken(now))

	for i := 0; i < 60; i++ {
		tb.TryConsume(now)
	}

	wait := tb.TimeUntilToken(now)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(50*time.Millisecond))
}

func TestLimiter_LazyBucketCreation(t *testing.T) {
	l := NewLimiter(2)

	assert.True(t, l.Allow("acme"))
	assert.True(t, l.Allow("acme"))
	assert.False(t, l.Allow("acme"))

	// Another tenant gets its own fresh bucket.
	assert.True(t, l.Allow("globex"))
}

func TestLimiter_SetTenantLimitReplacesBucket(t *testing.T) {
	l := NewLimiter(1)

	assert.True(t, l.Allow("acme"))
	assert.False(t, l.Allow("acme"))

	// Override resets to a full bucket at the new rate.
	l.SetTenantLimit("acme", 5)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("acme"), "consumption %d should succeed", i)
	}
	assert.False(t, l.Allow("acme"))
}

func TestLimiter_EmptyTenantBypasses(t *testing.T) {
	l := NewLimiter(1)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(""))
	}
	assert.Equal(t, time.Duration(0), l.RetryAfter(""))
}

func TestTenantFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/mcp/acme/github", "acme"},
		{"/mcp/acme/github/", "acme"},
		{"/mcp/acme", "acme"},
		{"/healthz", ""},
		{"/metrics", ""},
		{"/mcp//github", ""},
		{"/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, TenantFromPath(tt.path))
		})
	}
}
