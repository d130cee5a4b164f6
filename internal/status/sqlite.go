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

package status

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sagemcp/sagemcp-sub002/internal/proc"
)

// SQLiteStore implements Store on a local SQLite database.
//
// WAL mode keeps status writes from blocking concurrent readers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the status database at
// path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open status database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to status database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run status migrations: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `CREATE TABLE IF NOT EXISTS connector_status (
		tenant TEXT NOT NULL,
		connector TEXT NOT NULL,
		state TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		runtime TEXT NOT NULL DEFAULT '',
		last_health_check TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant, connector)
	)`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Upsert writes the current status row for (tenant, connector).
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	var lastCheck interface{}
	if !rec.LastHealthCheck.IsZero() {
		lastCheck = rec.LastHealthCheck.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_status
			(tenant, connector, state, pid, runtime, last_health_check, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, connector) DO UPDATE SET
			state = excluded.state,
			pid = excluded.pid,
			runtime = excluded.runtime,
			last_health_check = excluded.last_health_check,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		rec.Tenant, rec.Connector, rec.State, rec.PID, rec.Runtime,
		lastCheck, rec.LastError, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert connector status: %w", err)
	}
	return nil
}

// Get returns one status row, or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, tenant, connector string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant, connector, state, pid, runtime, last_health_check, last_error, updated_at
		FROM connector_status WHERE tenant = ? AND connector = ?`,
		tenant, connector)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read connector status: %w", err)
	}
	return rec, nil
}

// List returns status rows for a tenant, or every row when tenant is
// empty.
func (s *SQLiteStore) List(ctx context.Context, tenant string) ([]Record, error) {
	query := `SELECT tenant, connector, state, pid, runtime, last_health_check, last_error, updated_at
		FROM connector_status`
	args := []interface{}{}
	if tenant != "" {
		query += ` WHERE tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY tenant, connector`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connector status: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connector status: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var lastCheck sql.NullString
	var updatedAt string

	if err := row.Scan(&rec.Tenant, &rec.Connector, &rec.State, &rec.PID,
		&rec.Runtime, &lastCheck, &rec.LastError, &updatedAt); err != nil {
		return nil, err
	}

	if lastCheck.Valid && lastCheck.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, lastCheck.String); err == nil {
			rec.LastHealthCheck = ts
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}

// Sink adapts a Store to the process manager's status reporting.
type Sink struct {
	store Store
}

// NewSink wraps a store for use as a proc.StatusSink.
func NewSink(store Store) *Sink {
	return &Sink{store: store}
}

// RecordStatus persists a connector state transition.
func (s *Sink) RecordStatus(ctx context.Context, tenant, connector string, st proc.ConnectorStatus) error {
	return s.store.Upsert(ctx, Record{
		Tenant:          tenant,
		Connector:       connector,
		State:           st.State,
		PID:             st.PID,
		Runtime:         st.Runtime,
		LastHealthCheck: st.LastHealthCheck,
		LastError:       st.LastError,
	})
}
