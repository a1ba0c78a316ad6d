// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"database/sql"
	"errors"
	"time"

	"github.com/automator/automator/structs"
)

const taskColumns = `id, template_id, name, params, schedule_type, schedule_value, credentials, enabled, created_at, updated_at, last_run_at, next_run_at`

func scanTask(row interface{ Scan(...any) error }) (*structs.Task, error) {
	var t structs.Task
	var paramsRaw, credsRaw, createdAt, updatedAt string
	var lastRun, nextRun sql.NullString
	var enabled int
	err := row.Scan(&t.ID, &t.TemplateID, &t.Name, &paramsRaw, &t.ScheduleType,
		&t.ScheduleValue, &credsRaw, &enabled, &createdAt, &updatedAt, &lastRun, &nextRun)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(paramsRaw, &t.Params); err != nil {
		return nil, err
	}
	if err := decodeJSON(credsRaw, &t.Credentials); err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.LastRunAt, err = parseTimePtr(lastRun); err != nil {
		return nil, err
	}
	if t.NextRunAt, err = parseTimePtr(nextRun); err != nil {
		return nil, err
	}
	return &t, nil
}

// checkTaskReferences enforces the referential invariants inside the caller's
// transaction: the template must exist and every granted credential name must
// resolve to a credential row.
func checkTaskReferences(tx *sql.Tx, task *structs.Task) error {
	if _, err := templateByID(tx, task.TemplateID); err != nil {
		return err
	}
	for _, name := range task.Credentials {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM credentials WHERE name = ?`, name).Scan(&n); err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		if n == 0 {
			return structs.NewErrorf(structs.ErrKindValidation, "credential %q does not exist", name)
		}
	}
	return nil
}

// CreateTask inserts a task, computing next_run_at when the task is enabled.
func (s *StateStore) CreateTask(task *structs.Task) (*structs.Task, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	task = task.Copy()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.LastRunAt = nil

	if task.Enabled {
		next, err := structs.NextRunAt(task.ScheduleType, task.ScheduleValue, nil, now)
		if err != nil {
			return nil, err
		}
		task.NextRunAt = next
		// A once schedule already in the past can never fire; store the task
		// disabled, the same way the claim disables a fired once task.
		if next == nil {
			task.Enabled = false
		}
	} else {
		task.NextRunAt = nil
	}

	err := s.withTxn(func(tx *sql.Tx) error {
		if err := checkTaskReferences(tx, task); err != nil {
			return err
		}
		paramsRaw, err := encodeJSON(task.Params)
		if err != nil {
			return err
		}
		credsRaw, err := encodeJSON(task.Credentials)
		if err != nil {
			return err
		}
		res, err := tx.Exec(`INSERT INTO tasks
			(template_id, name, params, schedule_type, schedule_value, credentials, enabled, created_at, updated_at, last_run_at, next_run_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			task.TemplateID, task.Name, paramsRaw, task.ScheduleType, task.ScheduleValue,
			credsRaw, boolToInt(task.Enabled), formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
			nil, formatTimePtr(task.NextRunAt))
		if isUniqueViolation(err) {
			return structs.NewErrorf(structs.ErrKindConflict, "task name %q already in use", task.Name)
		}
		if err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		task.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask replaces a task's mutable fields and recomputes next_run_at from
// the (possibly new) schedule and the existing last_run_at.
func (s *StateStore) UpdateTask(task *structs.Task) (*structs.Task, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	task = task.Copy()

	err := s.withTxn(func(tx *sql.Tx) error {
		existing, err := taskByID(tx, task.ID)
		if err != nil {
			return err
		}
		if err := checkTaskReferences(tx, task); err != nil {
			return err
		}
		task.CreatedAt = existing.CreatedAt
		task.LastRunAt = existing.LastRunAt
		task.UpdatedAt = now

		if task.Enabled {
			next, err := structs.NextRunAt(task.ScheduleType, task.ScheduleValue, task.LastRunAt, now)
			if err != nil {
				return err
			}
			task.NextRunAt = next
			if next == nil {
				// Past once schedule; see CreateTask.
				task.Enabled = false
			}
		} else {
			task.NextRunAt = nil
		}

		paramsRaw, err := encodeJSON(task.Params)
		if err != nil {
			return err
		}
		credsRaw, err := encodeJSON(task.Credentials)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE tasks SET template_id=?, name=?, params=?, schedule_type=?,
			schedule_value=?, credentials=?, enabled=?, updated_at=?, next_run_at=? WHERE id=?`,
			task.TemplateID, task.Name, paramsRaw, task.ScheduleType, task.ScheduleValue,
			credsRaw, boolToInt(task.Enabled), formatTime(task.UpdatedAt),
			formatTimePtr(task.NextRunAt), task.ID)
		if isUniqueViolation(err) {
			return structs.NewErrorf(structs.ErrKindConflict, "task name %q already in use", task.Name)
		}
		if err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// SetTaskEnabled toggles a task, recomputing or clearing next_run_at so that
// invariant "enabled implies scheduled" holds after the transaction.
func (s *StateStore) SetTaskEnabled(id int64, enabled bool) (*structs.Task, error) {
	now := time.Now().UTC()
	var out *structs.Task
	err := s.withTxn(func(tx *sql.Tx) error {
		task, err := taskByID(tx, id)
		if err != nil {
			return err
		}
		task.Enabled = enabled
		task.UpdatedAt = now
		if enabled {
			next, err := structs.NextRunAt(task.ScheduleType, task.ScheduleValue, task.LastRunAt, now)
			if err != nil {
				return err
			}
			task.NextRunAt = next
			if next == nil {
				// Past once schedule; see CreateTask.
				task.Enabled = false
			}
		} else {
			task.NextRunAt = nil
		}
		_, err = tx.Exec(`UPDATE tasks SET enabled=?, updated_at=?, next_run_at=? WHERE id=?`,
			boolToInt(task.Enabled), formatTime(now), formatTimePtr(task.NextRunAt), id)
		if err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		out = task
		return nil
	})
	return out, err
}

// DeleteTask removes a task; the foreign key cascades to its executions.
func (s *StateStore) DeleteTask(id int64) error {
	return s.withTxn(func(tx *sql.Tx) error {
		if _, err := taskByID(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		return nil
	})
}

// TaskByID returns the task or a not_found error.
func (s *StateStore) TaskByID(id int64) (*structs.Task, error) {
	return taskByID(s.db, id)
}

func taskByID(q querier, id int64) (*structs.Task, error) {
	task, err := scanTask(q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.NewErrorf(structs.ErrKindNotFound, "task %d not found", id)
	}
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	return task, nil
}

// TaskListFilter narrows Tasks results.
type TaskListFilter struct {
	Enabled    *bool
	TemplateID string

	// HasErrors selects tasks whose most recent execution ended failed or
	// timed out.
	HasErrors bool
}

// Tasks lists tasks matching the filter, ordered by id.
func (s *StateStore) Tasks(filter TaskListFilter) ([]*structs.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.TemplateID != "" {
		query += ` AND template_id = ?`
		args = append(args, filter.TemplateID)
	}
	if filter.HasErrors {
		query += ` AND (SELECT status FROM executions e WHERE e.task_id = tasks.id
			ORDER BY e.started_at DESC, e.id DESC LIMIT 1) IN ('failed', 'timeout')`
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	defer rows.Close()

	var out []*structs.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, structs.WrapError(structs.ErrKindStorage, err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// DueTasks returns enabled tasks whose next_run_at has arrived, soonest first.
func (s *StateStore) DueTasks(now time.Time) ([]*structs.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, formatTime(now))
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	defer rows.Close()

	var out []*structs.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, structs.WrapError(structs.ErrKindStorage, err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ClaimTask is the compare-and-swap at the heart of the scheduler: it advances
// next_run_at and stamps last_run_at in one statement, conditioned on
// next_run_at being unchanged since the task was read. A false return means
// another claimant (or an operator edit) got there first.
//
// Once schedules are disabled on claim since they never fire again.
func (s *StateStore) ClaimTask(task *structs.Task, now time.Time) (bool, error) {
	if task.NextRunAt == nil {
		return false, nil
	}
	now = now.UTC()

	next, err := structs.NextRunAt(task.ScheduleType, task.ScheduleValue, &now, now)
	if err != nil {
		return false, err
	}
	enabled := task.Enabled
	if task.ScheduleType == structs.ScheduleTypeOnce {
		next = nil
		enabled = false
	}

	res, err := s.db.Exec(`UPDATE tasks SET last_run_at=?, next_run_at=?, enabled=?, updated_at=?
		WHERE id=? AND next_run_at=?`,
		formatTime(now), formatTimePtr(next), boolToInt(enabled), formatTime(now),
		task.ID, formatTime(*task.NextRunAt))
	if err != nil {
		return false, structs.WrapError(structs.ErrKindStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, structs.WrapError(structs.ErrKindStorage, err)
	}
	if n == 1 {
		task.LastRunAt = &now
		task.NextRunAt = next
		task.Enabled = enabled
		return true, nil
	}
	return false, nil
}

// RecomputeTaskSchedule refreshes next_run_at for one task from its schedule
// and last_run_at. Disabled tasks get a nil next_run_at.
func (s *StateStore) RecomputeTaskSchedule(id int64, now time.Time) (*structs.Task, error) {
	now = now.UTC()
	var out *structs.Task
	err := s.withTxn(func(tx *sql.Tx) error {
		task, err := taskByID(tx, id)
		if err != nil {
			return err
		}
		if task.Enabled {
			next, err := structs.NextRunAt(task.ScheduleType, task.ScheduleValue, task.LastRunAt, now)
			if err != nil {
				return err
			}
			task.NextRunAt = next
			if next == nil {
				// Past once schedule; see CreateTask.
				task.Enabled = false
			}
		} else {
			task.NextRunAt = nil
		}
		_, err = tx.Exec(`UPDATE tasks SET next_run_at=?, enabled=? WHERE id=?`,
			formatTimePtr(task.NextRunAt), boolToInt(task.Enabled), id)
		if err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		out = task
		return nil
	})
	return out, err
}

// NextExecutionAt returns the earliest scheduled fire time over all enabled
// tasks, or nil when nothing is scheduled.
func (s *StateStore) NextExecutionAt() (*time.Time, error) {
	var next sql.NullString
	err := s.db.QueryRow(`SELECT MIN(next_run_at) FROM tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL`).Scan(&next)
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	return parseTimePtr(next)
}
