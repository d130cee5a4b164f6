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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBuffer_AppendAssignsIncreasingIDs(t *testing.T) {
	buf := NewEventBuffer(8)

	var last uint64
	for i := 0; i < 20; i++ {
		ev := buf.Append("message", nil)
		assert.Greater(t, ev.ID, last)
		last = ev.ID
	}
}

func TestEventBuffer_OverflowKeepsMostRecent(t *testing.T) {
	const capacity = 5
	buf := NewEventBuffer(capacity)

	for i := 0; i < 12; i++ {
		buf.Append("message", []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	assert.Equal(t, capacity, buf.Len())
	// 12 appended, capacity 5: ids 8..12 survive.
	assert.Equal(t, uint64(8), buf.OldestID())
	assert.Equal(t, uint64(12), buf.LastID())
}

func TestEventBuffer_ReplayFrom(t *testing.T) {
	buf := NewEventBuffer(10)
	for i := 0; i < 6; i++ {
		buf.Append("message", nil)
	}

	events := buf.ReplayFrom(3)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(4+i), ev.ID)
	}

	// Replaying from the last id yields nothing.
	assert.Empty(t, buf.ReplayFrom(6))

	// Replaying from before the oldest yields the full buffer.
	assert.Len(t, buf.ReplayFrom(0), 6)
}

func TestEventBuffer_ReplayAfterEviction(t *testing.T) {
	buf := NewEventBuffer(4)
	for i := 0; i < 10; i++ {
		buf.Append("message", nil)
	}

	// ids 7..10 survive; asking for >2 returns only the surviving suffix.
	events := buf.ReplayFrom(2)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(7), events[0].ID)
	assert.Equal(t, uint64(10), events[3].ID)
}

func TestEventBuffer_Subscribe(t *testing.T) {
	buf := NewEventBuffer(4)
	ch, cancel := buf.Subscribe(4)
	defer cancel()

	appended := buf.Append("message", []byte(`{"hello":true}`))

	got := <-ch
	assert.Equal(t, appended.ID, got.ID)
	assert.Equal(t, "message", got.Type)
}
