// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

// schema is applied in order at startup. Statements are idempotent so a
// restart against an existing database file is a no-op.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS templates (
		id                   TEXT PRIMARY KEY,
		name                 TEXT NOT NULL UNIQUE,
		description          TEXT NOT NULL DEFAULT '',
		category             TEXT NOT NULL DEFAULT '',
		code                 TEXT NOT NULL,
		params_schema        TEXT NOT NULL DEFAULT '[]',
		required_credentials TEXT NOT NULL DEFAULT '[]',
		suggested_schedule   TEXT NOT NULL DEFAULT '',
		is_builtin           INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		template_id    TEXT NOT NULL REFERENCES templates(id),
		name           TEXT NOT NULL UNIQUE,
		params         TEXT NOT NULL DEFAULT '{}',
		schedule_type  TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		credentials    TEXT NOT NULL DEFAULT '[]',
		enabled        INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		last_run_at    TEXT,
		next_run_at    TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS executions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		status      TEXT NOT NULL,
		output      TEXT,
		error       TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT NOT NULL UNIQUE,
		type            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		last_used_at    TEXT,
		encrypted_value TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_next_run_at ON tasks (next_run_at) WHERE enabled = 1`,
	`CREATE INDEX IF NOT EXISTS idx_executions_task_started ON executions (task_id, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions (started_at)`,
}
