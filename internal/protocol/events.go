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
	"encoding/json"
	"sync"
)

// Event is one server-initiated message buffered for client replay.
type Event struct {
	// ID is the strictly increasing event identifier. IDs are never
	// reused within a buffer's lifetime.
	ID uint64 `json:"id"`

	// Type is the event type (typically the notification method).
	Type string `json:"type"`

	// Data is the event payload.
	Data json.RawMessage `json:"data,omitempty"`
}

// EventBuffer is a fixed-capacity ring buffer of server events for one
// session. Once full, appending evicts the oldest event; evicted events
// are unrecoverable and clients must re-synchronize from the oldest
// surviving id.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	head     int
	count    int
	capacity int
	nextID   uint64

	// subscribers receive events appended after subscription.
	subscribers map[chan Event]struct{}
}

// NewEventBuffer creates an event buffer with the given capacity.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &EventBuffer{
		events:      make([]Event, capacity),
		capacity:    capacity,
		nextID:      1,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Append adds an event to the buffer and returns it with its assigned id.
func (b *EventBuffer) Append(eventType string, data json.RawMessage) Event {
	b.mu.Lock()

	ev := Event{ID: b.nextID, Type: eventType, Data: data}
	b.nextID++

	tail := (b.head + b.count) % b.capacity
	b.events[tail] = ev
	if b.count < b.capacity {
		b.count++
	} else {
		b.head = (b.head + 1) % b.capacity
	}

	subs := make([]chan Event, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it will catch up via ReplayFrom.
		}
	}

	return ev
}

// ReplayFrom returns every buffered event with id greater than after,
// in id order. The suffix is gap-free: ids older than the oldest
// surviving event are simply not included.
func (b *EventBuffer) ReplayFrom(after uint64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := 0; i < b.count; i++ {
		ev := b.events[(b.head+i)%b.capacity]
		if ev.ID > after {
			out = append(out, ev)
		}
	}
	return out
}

// OldestID returns the id of the oldest surviving event, or 0 if empty.
func (b *EventBuffer) OldestID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return 0
	}
	return b.events[b.head].ID
}

// LastID returns the id of the most recently appended event, or 0.
func (b *EventBuffer) LastID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return 0
	}
	return b.events[(b.head+b.count-1)%b.capacity].ID
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Subscribe registers a channel that receives events appended after the
// call. The returned cancel function removes the subscription.
func (b *EventBuffer) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}
