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

// Package status persists observable connector state so operators can
// inspect what the gateway is running without attaching a debugger.
package status

import (
	"context"
	"time"
)

// Record is one connector's persisted status row.
type Record struct {
	Tenant          string    `json:"tenant"`
	Connector       string    `json:"connector"`
	State           string    `json:"state"`
	PID             int       `json:"pid,omitempty"`
	Runtime         string    `json:"runtime,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists connector status. Implementations must be safe for
// concurrent use.
type Store interface {
	// Upsert writes the current status for (tenant, connector),
	// replacing any previous row.
	Upsert(ctx context.Context, rec Record) error

	// Get returns one row, or (nil, nil) when absent.
	Get(ctx context.Context, tenant, connector string) (*Record, error)

	// List returns all rows for a tenant, every tenant when tenant is
	// empty, ordered by tenant then connector.
	List(ctx context.Context, tenant string) ([]Record, error)

	// Close releases the underlying storage.
	Close() error
}
