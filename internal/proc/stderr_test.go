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
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		line string
		want slog.Level
	}{
		{"[DEBUG] connecting to upstream", slog.LevelDebug},
		{"INFO: server listening", slog.LevelInfo},
		{"WARNING something odd", slog.LevelWarn},
		{"WARNING: something odd", slog.LevelWarn},
		{"ERROR failed to bind", slog.LevelError},
		{"ERROR: failed to bind", slog.LevelError},
		{"  INFO: leading whitespace", slog.LevelInfo},
		{"npm WARN deprecated package", slog.LevelDebug},
		{"just some chatter", slog.LevelDebug},
		{"Traceback (most recent call last):", slog.LevelDebug},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifySeverity(tt.line), "line %q", tt.line)
	}
}

func TestStderrBuffer_OverwritesOldest(t *testing.T) {
	b := NewStderrBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(StderrEntry{
			Timestamp: time.Now(),
			Level:     slog.LevelDebug,
			Message:   strings.Repeat("x", i+1),
		})
	}

	last := b.Last(10)
	assert.Len(t, last, 3)
	assert.Equal(t, "xxx", last[0].Message)
	assert.Equal(t, "xxxxx", last[2].Message)
}

func TestStderrBuffer_LastSubset(t *testing.T) {
	b := NewStderrBuffer(10)
	b.Add(StderrEntry{Message: "first"})
	b.Add(StderrEntry{Message: "second"})
	b.Add(StderrEntry{Message: "third"})

	last := b.Last(2)
	assert.Len(t, last, 2)
	assert.Equal(t, "second", last[0].Message)
	assert.Equal(t, "third", last[1].Message)
}

func TestConsumeStderr_CapturesClassifiedLines(t *testing.T) {
	buf := NewStderrBuffer(10)
	r := strings.NewReader("INFO: started\n\nERROR boom\n")

	consumeStderr(r, slog.Default(), buf)

	entries := buf.Last(10)
	assert.Len(t, entries, 2, "blank lines are skipped")
	assert.Equal(t, slog.LevelInfo, entries[0].Level)
	assert.Equal(t, slog.LevelError, entries[1].Level)
	assert.Equal(t, "ERROR boom", entries[1].Message)
}
