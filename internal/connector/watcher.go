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

package connector

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sagemcp/sagemcp-sub002/internal/log"
)

// Watcher reloads the connector registry when its file changes.
// Editors often replace files via rename, so the parent directory is
// watched rather than the file itself.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	registry  *Registry
	path      string
	onReload  func()
	logger    *slog.Logger

	debounceDelay time.Duration
	mu            sync.Mutex
	pending       *time.Timer

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// WatcherConfig configures the registry watcher.
type WatcherConfig struct {
	// Registry to reload. Required.
	Registry *Registry

	// Path is the registry file. Required.
	Path string

	// OnReload runs after each successful reload, typically to
	// invalidate pooled backends. Optional.
	OnReload func()

	// DebounceDelay coalesces bursts of file events. Defaults to
	// 200ms.
	DebounceDelay time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewWatcher starts watching the registry file.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.DebounceDelay
	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}

	w := &Watcher{
		fsWatcher:     fsWatcher,
		registry:      cfg.Registry,
		path:          absPath,
		onReload:      cfg.OnReload,
		logger:        log.WithComponent(logger, "connector-watcher"),
		debounceDelay: debounce,
		stop:          make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	err := w.fsWatcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", log.Error(err))
		}
	}
}

// scheduleReload debounces a registry reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, func() {
		if err := w.registry.Reload(); err != nil {
			w.logger.Error("registry reload failed, keeping previous definitions", log.Error(err))
			return
		}
		if w.onReload != nil {
			w.onReload()
		}
	})
}
