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
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// StderrEntry is one captured line of subprocess stderr.
type StderrEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Level     slog.Level `json:"level"`
	Message   string     `json:"message"`
}

// StderrBuffer is a fixed-size circular buffer of recent stderr lines.
type StderrBuffer struct {
	mu      sync.RWMutex
	entries []StderrEntry
	head    int
	tail    int
	size    int
	count   int
}

// NewStderrBuffer creates a buffer with the given capacity.
func NewStderrBuffer(capacity int) *StderrBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &StderrBuffer{
		entries: make([]StderrEntry, capacity),
		size:    capacity,
	}
}

// Add appends an entry, overwriting the oldest when full.
func (b *StderrBuffer) Add(entry StderrEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.tail] = entry
	b.tail = (b.tail + 1) % b.size

	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
}

// Last returns the most recent n entries, oldest first.
func (b *StderrBuffer) Last(n int) []StderrEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]StderrEntry, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.entries[(b.head+start+i)%b.size]
	}
	return result
}

// classifySeverity maps a stderr line to a log level by its prefix.
// Subprocess chatter without a recognizable prefix stays at debug so it
// never masquerades as an application error.
func classifySeverity(line string) slog.Level {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "[DEBUG]"):
		return slog.LevelDebug
	case strings.HasPrefix(trimmed, "INFO:"):
		return slog.LevelInfo
	case strings.HasPrefix(trimmed, "WARNING"):
		return slog.LevelWarn
	case strings.HasPrefix(trimmed, "ERROR"):
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// consumeStderr reads lines until EOF, classifying each into a log
// severity and recording it in the buffer.
func consumeStderr(r io.Reader, logger *slog.Logger, buf *StderrBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		level := classifySeverity(line)
		logger.Log(context.Background(), level, "connector stderr", "line", line)
		buf.Add(StderrEntry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   line,
		})
	}
}
