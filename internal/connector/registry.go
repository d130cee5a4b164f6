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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sagemcp/sagemcp-sub002/internal/log"
	"github.com/sagemcp/sagemcp-sub002/internal/proc"
	"github.com/sagemcp/sagemcp-sub002/internal/protocol"
	"github.com/sagemcp/sagemcp-sub002/pkg/httpclient"
)

// NotFoundError reports a connector that is unknown or not granted to
// the requesting tenant.
type NotFoundError struct {
	Tenant    string
	Connector string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("connector %q is not available for tenant %q", e.Connector, e.Tenant)
}

// Registry resolves (tenant, connector) pairs to backend definitions.
// The definition set can be swapped atomically by Reload.
type Registry struct {
	mu   sync.RWMutex
	file *File
	path string

	procs  *proc.Manager
	http   *httpclient.Client
	logger *slog.Logger
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Path is the registry YAML file. Required.
	Path string

	// Procs manages external connector subprocesses. Required when any
	// external connector is defined.
	Procs *proc.Manager

	// HTTP is the shared outbound client. Required when any http
	// connector is defined.
	HTTP *httpclient.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewRegistry loads the registry file and returns a resolver over it.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	file, err := LoadFile(cfg.Path)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		file:   file,
		path:   cfg.Path,
		procs:  cfg.Procs,
		http:   cfg.HTTP,
		logger: log.WithComponent(logger, "connector-registry"),
	}, nil
}

// Reload re-reads the registry file and swaps the definition set. On
// parse or validation failure the previous set stays in effect.
func (r *Registry) Reload() error {
	file, err := LoadFile(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.file = file
	r.mu.Unlock()

	r.logger.Info("connector registry reloaded", "connectors", len(file.Connectors))
	return nil
}

// Resolve returns the definition for (tenant, connector), enforcing
// the tenant's allowlist when one is configured.
func (r *Registry) Resolve(tenant, connector string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.file.Connectors[connector]
	if !ok {
		return nil, &NotFoundError{Tenant: tenant, Connector: connector}
	}

	if entry, ok := r.file.Tenants[tenant]; ok && entry != nil && len(entry.Connectors) > 0 {
		allowed := false
		for _, c := range entry.Connectors {
			if c == connector {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, &NotFoundError{Tenant: tenant, Connector: connector}
		}
	}

	return def, nil
}

// Names returns the registered connector names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.file.Connectors))
	for name := range r.file.Connectors {
		names = append(names, name)
	}
	return names
}

// Backend constructs or fetches the backend for (tenant, connector).
// Builtin connectors get a fresh in-process server; external ones go
// through the process manager, which reuses a live subprocess; http
// connectors post to their remote endpoint through the shared client.
func (r *Registry) Backend(ctx context.Context, tenant, connector, userToken string) (protocol.Backend, error) {
	def, err := r.Resolve(tenant, connector)
	if err != nil {
		return nil, err
	}

	switch def.Type {
	case TypeBuiltin:
		backend := NewBuiltinBackend(tenant, connector)
		if userToken != "" {
			backend.SetUserToken(userToken)
		}
		return backend, nil

	case TypeExternal:
		if r.procs == nil {
			return nil, fmt.Errorf("connector %q requires a process manager", connector)
		}
		handle, err := r.procs.Get(ctx, tenant, connector, proc.LaunchSpec{
			Command: def.Command,
			Args:    def.Args,
			Env:     def.Env,
			Runtime: def.Runtime,
		})
		if err != nil {
			return nil, err
		}
		if userToken != "" {
			handle.SetUserToken(userToken)
		}
		return handle, nil

	case TypeHTTP:
		if r.http == nil {
			return nil, fmt.Errorf("connector %q requires an http client", connector)
		}
		backend := NewHTTPBackend(r.http, def.URL)
		if userToken != "" {
			backend.SetUserToken(userToken)
		}
		return backend, nil

	default:
		return nil, fmt.Errorf("connector %q: unknown type %q", connector, def.Type)
	}
}

// RequestTimeout returns the configured per-request timeout for a
// connector, or the fallback when unset or unknown.
func (r *Registry) RequestTimeout(connector string, fallback time.Duration) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if def, ok := r.file.Connectors[connector]; ok && def.TimeoutSeconds > 0 {
		return time.Duration(def.TimeoutSeconds) * time.Second
	}
	return fallback
}
