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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sagemcp/sagemcp-sub002/internal/log"
)

// Connector states persisted to status tracking.
const (
	StateRunning   = "running"
	StateUnhealthy = "unhealthy"
	StateExited    = "exited"
	StateStopped   = "stopped"
)

// ConnectorStatus is the observable state of one managed connector.
type ConnectorStatus struct {
	State           string
	PID             int
	Runtime         string
	LastHealthCheck time.Time
	LastError       string
}

// StatusSink receives connector status transitions. Implementations
// must tolerate concurrent calls.
type StatusSink interface {
	RecordStatus(ctx context.Context, tenant, connector string, st ConnectorStatus) error
}

// ManagerConfig configures the process manager.
type ManagerConfig struct {
	// ProbeInterval is the minimum spacing between health probes per
	// connector. Defaults to 30s.
	ProbeInterval time.Duration

	// FailureThreshold is the number of consecutive probe failures
	// before a connector is declared unhealthy. Defaults to 3.
	FailureThreshold int

	// RequestTimeout is passed through to each handle.
	RequestTimeout time.Duration

	// Status receives state transitions. Optional.
	Status StatusSink

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// managed pairs a handle with its health bookkeeping.
type managed struct {
	handle *Handle
	spec   LaunchSpec

	mu        sync.Mutex
	failures  int
	unhealthy bool
	lastProbe time.Time
	lastError string

	stop chan struct{}
}

// Manager owns one subprocess per (tenant, connector) and supervises
// its health. A connector found dead or unhealthy is torn down and
// respawned on the next access rather than in the background.
type Manager struct {
	mu     sync.Mutex
	procs  map[string]*managed
	closed bool

	probeInterval time.Duration
	threshold     int
	reqTimeout    time.Duration
	status        StatusSink
	logger        *slog.Logger

	wg sync.WaitGroup
}

// NewManager creates a process manager.
func NewManager(cfg ManagerConfig) *Manager {
	interval := cfg.ProbeInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		procs:         make(map[string]*managed),
		probeInterval: interval,
		threshold:     threshold,
		reqTimeout:    cfg.RequestTimeout,
		status:        cfg.Status,
		logger:        log.WithComponent(logger, "proc-manager"),
	}
}

func procKey(tenant, connector string) string {
	return tenant + "/" + connector
}

// Get returns the live handle for (tenant, connector), spawning one on
// first access and respawning when the previous process exited or was
// declared unhealthy.
func (m *Manager) Get(ctx context.Context, tenant, connector string, spec LaunchSpec) (*Handle, error) {
	key := procKey(tenant, connector)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrHandleClosed
	}
	if mp, ok := m.procs[key]; ok {
		if mp.handle.Alive() && !mp.isUnhealthy() {
			m.mu.Unlock()
			return mp.handle, nil
		}
		// Dead or unhealthy: replace on this access.
		delete(m.procs, key)
		m.mu.Unlock()
		m.teardown(ctx, tenant, connector, mp)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrHandleClosed
		}
	}
	m.mu.Unlock()

	handle, err := Start(ctx, HandleConfig{
		Tenant:         tenant,
		Connector:      connector,
		Spec:           spec,
		RequestTimeout: m.reqTimeout,
		Logger:         m.logger,
	})
	if err != nil {
		m.record(ctx, tenant, connector, ConnectorStatus{
			State:     StateExited,
			Runtime:   spec.Runtime,
			LastError: err.Error(),
		})
		return nil, err
	}

	mp := &managed{handle: handle, spec: spec, stop: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		handle.Close()
		return nil, ErrHandleClosed
	}
	if existing, ok := m.procs[key]; ok {
		// Lost a race with another spawner; keep the first one.
		m.mu.Unlock()
		handle.Close()
		return existing.handle, nil
	}
	m.procs[key] = mp
	m.mu.Unlock()

	m.record(ctx, tenant, connector, ConnectorStatus{
		State:           StateRunning,
		PID:             handle.PID(),
		Runtime:         handle.Runtime(),
		LastHealthCheck: time.Now(),
	})

	m.wg.Add(1)
	go m.supervise(tenant, connector, mp)

	return handle, nil
}

// Status returns the current bookkeeping for a connector, if managed.
func (m *Manager) Status(tenant, connector string) (ConnectorStatus, bool) {
	m.mu.Lock()
	mp, ok := m.procs[procKey(tenant, connector)]
	m.mu.Unlock()
	if !ok {
		return ConnectorStatus{}, false
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	state := StateRunning
	if !mp.handle.Alive() {
		state = StateExited
	} else if mp.unhealthy {
		state = StateUnhealthy
	}
	return ConnectorStatus{
		State:           state,
		PID:             mp.handle.PID(),
		Runtime:         mp.handle.Runtime(),
		LastHealthCheck: mp.lastProbe,
		LastError:       mp.lastError,
	}, true
}

// Stop tears down one connector. No-op if absent.
func (m *Manager) Stop(ctx context.Context, tenant, connector string) {
	key := procKey(tenant, connector)
	m.mu.Lock()
	mp, ok := m.procs[key]
	delete(m.procs, key)
	m.mu.Unlock()
	if ok {
		m.teardown(ctx, tenant, connector, mp)
	}
}

// Shutdown stops every managed connector and flips the manager into a
// terminal state.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	procs := m.procs
	m.procs = make(map[string]*managed)
	m.mu.Unlock()

	for key, mp := range procs {
		tenant, connector, _ := splitKey(key)
		m.teardown(ctx, tenant, connector, mp)
	}
	m.wg.Wait()
}

func splitKey(key string) (tenant, connector string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}

func (m *Manager) teardown(ctx context.Context, tenant, connector string, mp *managed) {
	close(mp.stop)
	mp.handle.Close()
	m.record(ctx, tenant, connector, ConnectorStatus{
		State:   StateStopped,
		PID:     mp.handle.PID(),
		Runtime: mp.handle.Runtime(),
	})
}

// supervise watches one connector: process exit flips it unhealthy
// immediately, and periodic probes track consecutive failures against
// the threshold.
func (m *Manager) supervise(tenant, connector string, mp *managed) {
	defer m.wg.Done()

	logger := log.WithConnector(m.logger, tenant, connector)
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mp.stop:
			return

		case <-mp.handle.Done():
			// Exit is immediate unhealthiness, no threshold involved.
			mp.mu.Lock()
			mp.unhealthy = true
			mp.lastError = fmt.Sprintf("%v", mp.handle.closedErr())
			mp.mu.Unlock()

			logger.Warn("connector process died", "pid", mp.handle.PID())
			m.record(context.Background(), tenant, connector, ConnectorStatus{
				State:           StateExited,
				PID:             mp.handle.PID(),
				Runtime:         mp.handle.Runtime(),
				LastHealthCheck: time.Now(),
				LastError:       fmt.Sprintf("%v", mp.handle.closedErr()),
			})
			return

		case <-ticker.C:
			m.probe(tenant, connector, mp, logger)
		}
	}
}

// probe issues the lightweight health check with a fallback, updating
// the consecutive-failure count.
func (m *Manager) probe(tenant, connector string, mp *managed, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeInterval)
	defer cancel()

	err := m.probeOnce(ctx, mp.handle)

	mp.mu.Lock()
	mp.lastProbe = time.Now()
	if err == nil {
		mp.failures = 0
		mp.unhealthy = false
		mp.lastError = ""
		mp.mu.Unlock()
		return
	}

	mp.failures++
	mp.lastError = err.Error()
	failures := mp.failures
	crossed := failures >= m.threshold && !mp.unhealthy
	if failures >= m.threshold {
		mp.unhealthy = true
	}
	mp.mu.Unlock()

	if crossed {
		logger.Warn("connector declared unhealthy",
			"consecutive_failures", failures,
			log.Error(err))
		m.record(context.Background(), tenant, connector, ConnectorStatus{
			State:           StateUnhealthy,
			PID:             mp.handle.PID(),
			Runtime:         mp.handle.Runtime(),
			LastHealthCheck: time.Now(),
			LastError:       err.Error(),
		})
	} else {
		logger.Debug("health probe failed",
			"consecutive_failures", failures,
			log.Error(err))
	}
}

// probeOnce lists resources, falling back to listing tools before
// concluding the connector is unreachable.
func (m *Manager) probeOnce(ctx context.Context, h *Handle) error {
	if _, err := h.Send(ctx, "resources/list", nil); err == nil {
		return nil
	}
	_, err := h.Send(ctx, "tools/list", nil)
	return err
}

func (m *Manager) record(ctx context.Context, tenant, connector string, st ConnectorStatus) {
	if m.status == nil {
		return
	}
	if err := m.status.RecordStatus(ctx, tenant, connector, st); err != nil {
		m.logger.Warn("failed to record connector status",
			slog.String(log.TenantKey, tenant),
			slog.String(log.ConnectorKey, connector),
			log.Error(err))
	}
}

func (mp *managed) isUnhealthy() bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.unhealthy
}
