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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	records []ConnectorStatus
}

func (s *recordingSink) RecordStatus(_ context.Context, tenant, connector string, st ConnectorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, st)
	return nil
}

func (s *recordingSink) states() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.State
	}
	return out
}

func testSpec() LaunchSpec {
	return LaunchSpec{Command: "sh", Args: []string{"-c", ndjsonServerScript}}
}

func newTestManager(sink StatusSink) *Manager {
	return NewManager(ManagerConfig{
		ProbeInterval:  time.Hour, // probes stay out of these tests
		RequestTimeout: 5 * time.Second,
		Status:         sink,
	})
}

func TestManager_GetReturnsSameHandle(t *testing.T) {
	m := newTestManager(nil)
	defer m.Shutdown(context.Background())

	h1, err := m.Get(context.Background(), "acme", "demo", testSpec())
	require.NoError(t, err)

	h2, err := m.Get(context.Background(), "acme", "demo", testSpec())
	require.NoError(t, err)

	assert.Same(t, h1, h2)
}

func TestManager_DistinctKeysDistinctProcesses(t *testing.T) {
	m := newTestManager(nil)
	defer m.Shutdown(context.Background())

	h1, err := m.Get(context.Background(), "acme", "demo", testSpec())
	require.NoError(t, err)
	h2, err := m.Get(context.Background(), "globex", "demo", testSpec())
	require.NoError(t, err)

	assert.NotEqual(t, h1.PID(), h2.PID())
}

func TestManager_RespawnsAfterExit(t *testing.T) {
	m := newTestManager(nil)
	defer m.Shutdown(context.Background())

	h1, err := m.Get(context.Background(), "acme", "demo", testSpec())
	require.NoError(t, err)
	firstPID := h1.PID()

	h1.Close()
	require.Eventually(t, func() bool { return !h1.Alive() },
		5*time.Second, 10*time.Millisecond)

	h2, err := m.Get(context.Background(), "acme", "demo", testSpec())
	require.NoError(t, err)
	assert.NotEqual(t, firstPID, h2.PID(), "a fresh process replaces the dead one")
}

func TestManager_RecordsStatusTransitions(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(sink)

	h, err := m.Get(context.Background(), "acme", "demo", testSpec())
	require.NoError(t, err)

	states := sink.states()
	require.NotEmpty(t, states)
	assert.Equal(t, StateRunning, states[0])

	sink.mu.Lock()
	first := sink.records[0]
	sink.mu.Unlock()
	assert.Equal(t, h.PID(), first.PID)
	assert.Equal(t, RuntimeOther, first.Runtime)

	m.Shutdown(context.Background())
	assert.Contains(t, sink.states(), StateStopped)
}

func TestManager_StatusReflectsLiveness(t *testing.T) {
	m := newTestManager(nil)
	defer m.Shutdown(context.Background())

	_, ok := m.Status("acme", "demo")
	assert.False(t, ok)

	h, err := m.Get(context.Background(), "acme", "demo", testSpec())
	require.NoError(t, err)

	st, ok := m.Status("acme", "demo")
	require.True(t, ok)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, h.PID(), st.PID)

	h.Close()
	require.Eventually(t, func() bool {
		st, ok := m.Status("acme", "demo")
		return ok && st.State == StateExited
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_StopRemovesConnector(t *testing.T) {
	m := newTestManager(nil)
	defer m.Shutdown(context.Background())

	h, err := m.Get(context.Background(), "acme", "demo", testSpec())
	require.NoError(t, err)

	m.Stop(context.Background(), "acme", "demo")
	assert.False(t, h.Alive())

	_, ok := m.Status("acme", "demo")
	assert.False(t, ok)
}

func TestManager_ShutdownIsTerminal(t *testing.T) {
	m := newTestManager(nil)
	m.Shutdown(context.Background())

	_, err := m.Get(context.Background(), "acme", "demo", testSpec())
	require.ErrorIs(t, err, ErrHandleClosed)
}

func TestManager_SpawnFailureRecordsStatus(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(sink)
	defer m.Shutdown(context.Background())

	_, err := m.Get(context.Background(), "acme", "demo", LaunchSpec{Command: "   "})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, sink.states(), StateExited)
}
