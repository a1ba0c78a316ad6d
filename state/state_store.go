// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state persists templates, tasks, executions, and credentials in an
// embedded sqlite database. The daemon is the single writer; every multi-row
// mutation runs inside one transaction.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"

	"github.com/automator/automator/structs"
)

// StateStore wraps the sqlite handle and exposes typed repository operations.
type StateStore struct {
	db     *sql.DB
	logger hclog.Logger
}

// Open opens (or creates) the database file, applies the schema, and seeds
// built-in templates that are not already present.
func Open(path string, logger hclog.Logger) (*StateStore, error) {
	// The _pragma options run on every new connection; foreign keys must be
	// on for the executions -> tasks cascade to work.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Single writer keeps WAL mode from returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &StateStore{
		db:     db,
		logger: logger.Named("state"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedBuiltinTemplates(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

// Ping reports database health for the status endpoint.
func (s *StateStore) Ping() error {
	return s.db.Ping()
}

func (s *StateStore) migrate() error {
	for _, ddl := range schema {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// withTxn runs fn inside a transaction, rolling back on error.
func (s *StateStore) withTxn(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return structs.WrapError(structs.ErrKindStorage, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return structs.WrapError(structs.ErrKindStorage, err)
	}
	return nil
}

// querier lets repository helpers run against either the pool or an open
// transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// timeFormat is the canonical timestamp encoding for every column. It is
// fixed-width UTC with millisecond precision so that lexicographic string
// comparison in SQL matches chronological order, and so the claim CAS can
// compare formatted values for equality.
const timeFormat = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeJSON(v any) (string, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", structs.WrapError(structs.ErrKindStorage, err)
	}
	return string(buf), nil
}

func decodeJSON(raw string, out any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return structs.WrapError(structs.ErrKindStorage, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
