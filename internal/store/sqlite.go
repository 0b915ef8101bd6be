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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
//
// WAL mode for concurrent readers, foreign keys enforced. Secret values are
// stored only as ciphertext tokens produced by the secrets package.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path and
// runs migrations. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS backends (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			image TEXT,
			binary_path TEXT,
			args_json TEXT,
			url TEXT,
			env_json TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE IF NOT EXISTS bindings (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			backend_id TEXT NOT NULL REFERENCES backends(id) ON DELETE CASCADE,
			enabled INTEGER NOT NULL DEFAULT 1,
			overrides_json TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(scope, backend_id)
		)`,

		`CREATE TABLE IF NOT EXISTS secrets (
			ref TEXT PRIMARY KEY,
			ciphertext TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_bindings_scope
			ON bindings(scope)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_scope_enabled
			ON bindings(scope, enabled)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateBackend registers a new backend.
func (s *SQLiteStore) CreateBackend(ctx context.Context, backend *Backend) error {
	if backend == nil {
		return fmt.Errorf("backend cannot be nil")
	}
	if err := backend.Validate(); err != nil {
		return err
	}

	if backend.ID == "" {
		backend.ID = uuid.New().String()
	}

	argsJSON, err := json.Marshal(backend.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	envJSON, err := json.Marshal(backend.Env)
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backends (id, name, kind, image, binary_path, args_json, url, env_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		backend.ID, backend.Name, string(backend.Kind),
		backend.Image, backend.BinaryPath, string(argsJSON), backend.URL, string(envJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrBackendExists, backend.Name)
		}
		return fmt.Errorf("failed to insert backend: %w", err)
	}

	return nil
}

// ListBackends returns all registered backends.
func (s *SQLiteStore) ListBackends(ctx context.Context) ([]Backend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, image, binary_path, args_json, url, env_json, created_at, updated_at
		 FROM backends ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query backends: %w", err)
	}
	defer rows.Close()

	var backends []Backend
	for rows.Next() {
		backend, err := scanBackend(rows)
		if err != nil {
			return nil, err
		}
		backends = append(backends, *backend)
	}

	return backends, rows.Err()
}

// GetBackendByName returns one backend by display name.
func (s *SQLiteStore) GetBackendByName(ctx context.Context, name string) (*Backend, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, image, binary_path, args_json, url, env_json, created_at, updated_at
		 FROM backends WHERE name = ?`, name)

	backend, err := scanBackend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: backend %q", ErrNotFound, name)
	}
	return backend, err
}

// CreateBinding activates a backend within a scope.
func (s *SQLiteStore) CreateBinding(ctx context.Context, binding *Binding) error {
	if binding == nil {
		return fmt.Errorf("binding cannot be nil")
	}
	if binding.Scope == "" {
		return fmt.Errorf("binding scope is required")
	}
	if binding.BackendID == "" {
		return fmt.Errorf("binding backend id is required")
	}

	if binding.ID == "" {
		binding.ID = uuid.New().String()
	}

	overridesJSON, err := json.Marshal(binding.Overrides)
	if err != nil {
		return fmt.Errorf("failed to marshal overrides: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bindings (id, scope, backend_id, enabled, overrides_json)
		 VALUES (?, ?, ?, ?, ?)`,
		binding.ID, binding.Scope, binding.BackendID, boolToInt(binding.Enabled), string(overridesJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: backend %s in scope %s", ErrBindingExists, binding.BackendID, binding.Scope)
		}
		return fmt.Errorf("failed to insert binding: %w", err)
	}

	return nil
}

// ListBindings returns all bindings for a scope.
func (s *SQLiteStore) ListBindings(ctx context.Context, scope string) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, backend_id, enabled, overrides_json, created_at, updated_at
		 FROM bindings WHERE scope = ? ORDER BY created_at`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer rows.Close()

	var bindings []Binding
	for rows.Next() {
		var (
			b             Binding
			enabled       int
			overridesJSON sql.NullString
			createdAt     string
			updatedAt     string
		)
		if err := rows.Scan(&b.ID, &b.Scope, &b.BackendID, &enabled, &overridesJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		b.Enabled = enabled != 0
		if overridesJSON.Valid && overridesJSON.String != "" {
			if err := json.Unmarshal([]byte(overridesJSON.String), &b.Overrides); err != nil {
				return nil, fmt.Errorf("failed to unmarshal overrides: %w", err)
			}
		}
		b.CreatedAt = parseTimestamp(createdAt)
		b.UpdatedAt = parseTimestamp(updatedAt)
		bindings = append(bindings, b)
	}

	return bindings, rows.Err()
}

// ListEnabledBackends returns every enabled (backend, binding) pair for a scope.
func (s *SQLiteStore) ListEnabledBackends(ctx context.Context, scope string) ([]BackendBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.name, m.kind, m.image, m.binary_path, m.args_json, m.url, m.env_json, m.created_at, m.updated_at,
		        b.id, b.scope, b.backend_id, b.overrides_json
		 FROM backends m
		 INNER JOIN bindings b ON m.id = b.backend_id
		 WHERE b.scope = ? AND b.enabled = 1
		 ORDER BY m.name`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query enabled backends: %w", err)
	}
	defer rows.Close()

	var pairs []BackendBinding
	for rows.Next() {
		var (
			pair          BackendBinding
			argsJSON      sql.NullString
			envJSON       sql.NullString
			overridesJSON sql.NullString
			createdAt     string
			updatedAt     string
		)
		err := rows.Scan(
			&pair.Backend.ID, &pair.Backend.Name, &pair.Backend.Kind,
			&pair.Backend.Image, &pair.Backend.BinaryPath, &argsJSON,
			&pair.Backend.URL, &envJSON, &createdAt, &updatedAt,
			&pair.Binding.ID, &pair.Binding.Scope, &pair.Binding.BackendID, &overridesJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enabled backend: %w", err)
		}

		if err := unmarshalInto(argsJSON, &pair.Backend.Args); err != nil {
			return nil, err
		}
		if err := unmarshalInto(envJSON, &pair.Backend.Env); err != nil {
			return nil, err
		}
		if err := unmarshalInto(overridesJSON, &pair.Binding.Overrides); err != nil {
			return nil, err
		}

		pair.Backend.CreatedAt = parseTimestamp(createdAt)
		pair.Backend.UpdatedAt = parseTimestamp(updatedAt)
		pair.Binding.Enabled = true
		pairs = append(pairs, pair)
	}

	return pairs, rows.Err()
}

// PutSecret stores ciphertext under a fresh reference.
func (s *SQLiteStore) PutSecret(ctx context.Context, ciphertext string) (string, error) {
	ref := uuid.New().String()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (ref, ciphertext) VALUES (?, ?)`, ref, ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to insert secret: %w", err)
	}

	return ref, nil
}

// GetSecretCiphertext resolves a secret reference.
func (s *SQLiteStore) GetSecretCiphertext(ctx context.Context, ref string) (string, bool, error) {
	var ciphertext string
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM secrets WHERE ref = ?`, ref).Scan(&ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query secret: %w", err)
	}

	return ciphertext, true, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanBackend.
type scanner interface {
	Scan(dest ...any) error
}

// scanBackend reads one backend row.
func scanBackend(row scanner) (*Backend, error) {
	var (
		b         Backend
		argsJSON  sql.NullString
		envJSON   sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&b.ID, &b.Name, &b.Kind, &b.Image, &b.BinaryPath,
		&argsJSON, &b.URL, &envJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := unmarshalInto(argsJSON, &b.Args); err != nil {
		return nil, err
	}
	if err := unmarshalInto(envJSON, &b.Env); err != nil {
		return nil, err
	}

	b.CreatedAt = parseTimestamp(createdAt)
	b.UpdatedAt = parseTimestamp(updatedAt)
	return &b, nil
}

// unmarshalInto decodes a nullable JSON column.
func unmarshalInto(col sql.NullString, v any) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTimestamp parses sqlite's datetime('now') format.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// isUniqueViolation detects UNIQUE constraint failures without importing
// driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
