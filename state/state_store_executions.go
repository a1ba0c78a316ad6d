// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"database/sql"
	"errors"
	"time"

	"github.com/automator/automator/structs"
)

const executionColumns = `id, task_id, started_at, finished_at, status, output, error, duration_ms`

func scanExecution(row interface{ Scan(...any) error }) (*structs.Execution, error) {
	var e structs.Execution
	var startedAt string
	var finishedAt, outputRaw sql.NullString
	var durationMs sql.NullInt64
	err := row.Scan(&e.ID, &e.TaskID, &startedAt, &finishedAt, &e.Status, &outputRaw, &e.Error, &durationMs)
	if err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if e.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if outputRaw.Valid && outputRaw.String != "" {
		e.Output = &structs.ExecutionOutput{}
		if err := decodeJSON(outputRaw.String, e.Output); err != nil {
			return nil, err
		}
	}
	if durationMs.Valid {
		e.DurationMs = &durationMs.Int64
	}
	return &e, nil
}

// CreateExecution inserts a running row for the task and returns it.
func (s *StateStore) CreateExecution(taskID int64, startedAt time.Time) (*structs.Execution, error) {
	startedAt = startedAt.UTC()
	exec := &structs.Execution{
		TaskID:    taskID,
		StartedAt: startedAt,
		Status:    structs.ExecutionStatusRunning,
	}
	err := s.withTxn(func(tx *sql.Tx) error {
		if _, err := taskByID(tx, taskID); err != nil {
			return err
		}
		res, err := tx.Exec(`INSERT INTO executions (task_id, started_at, status) VALUES (?,?,?)`,
			taskID, formatTime(startedAt), structs.ExecutionStatusRunning)
		if err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		exec.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// CompleteExecution transitions a running row to a terminal status in a single
// transaction. Terminal rows are immutable; a second completion is a conflict.
func (s *StateStore) CompleteExecution(id int64, status string, finishedAt time.Time,
	output *structs.ExecutionOutput, errMsg string) (*structs.Execution, error) {

	switch status {
	case structs.ExecutionStatusSuccess, structs.ExecutionStatusFailed, structs.ExecutionStatusTimeout:
	default:
		return nil, structs.NewErrorf(structs.ErrKindValidation, "invalid terminal status %q", status)
	}
	finishedAt = finishedAt.UTC()

	var out *structs.Execution
	err := s.withTxn(func(tx *sql.Tx) error {
		exec, err := executionByID(tx, id)
		if err != nil {
			return err
		}
		if exec.Terminal() {
			return structs.NewErrorf(structs.ErrKindConflict, "execution %d already finished", id)
		}

		durationMs := finishedAt.Sub(exec.StartedAt).Milliseconds()
		var outputRaw any
		if output != nil {
			raw, err := encodeJSON(output)
			if err != nil {
				return err
			}
			outputRaw = raw
		}
		_, err = tx.Exec(`UPDATE executions SET status=?, finished_at=?, output=?, error=?, duration_ms=? WHERE id=?`,
			status, formatTime(finishedAt), outputRaw, errMsg, durationMs, id)
		if err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}

		exec.Status = status
		exec.FinishedAt = &finishedAt
		exec.Output = output
		exec.Error = errMsg
		exec.DurationMs = &durationMs
		out = exec
		return nil
	})
	return out, err
}

// ExecutionByID returns the execution or a not_found error.
func (s *StateStore) ExecutionByID(id int64) (*structs.Execution, error) {
	return executionByID(s.db, id)
}

func executionByID(q querier, id int64) (*structs.Execution, error) {
	exec, err := scanExecution(q.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.NewErrorf(structs.ErrKindNotFound, "execution %d not found", id)
	}
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	return exec, nil
}

// ExecutionListFilter narrows Executions results. Limit defaults to 50 and is
// capped at 500.
type ExecutionListFilter struct {
	TaskID    *int64
	Status    string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}

// Executions lists executions newest first and returns the total count
// matching the filter before limit/offset.
func (s *StateStore) Executions(filter ExecutionListFilter) ([]*structs.Execution, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.TaskID != nil {
		where += ` AND task_id = ?`
		args = append(args, *filter.TaskID)
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.StartDate != nil {
		where += ` AND started_at >= ?`
		args = append(args, formatTime(*filter.StartDate))
	}
	if filter.EndDate != nil {
		where += ` AND started_at <= ?`
		args = append(args, formatTime(*filter.EndDate))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, structs.WrapError(structs.ErrKindStorage, err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	query := `SELECT ` + executionColumns + ` FROM executions` + where +
		` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, structs.WrapError(structs.ErrKindStorage, err)
	}
	defer rows.Close()

	var out []*structs.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, structs.WrapError(structs.ErrKindStorage, err)
		}
		out = append(out, exec)
	}
	return out, total, rows.Err()
}

// PruneExecutions deletes terminal executions older than the retention window
// and returns the number of rows removed.
func (s *StateStore) PruneExecutions(olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, structs.NewErrorf(structs.ErrKindValidation, "retention must be at least 1 day, got %d", olderThanDays)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	res, err := s.db.Exec(`DELETE FROM executions WHERE started_at < ? AND status != ?`,
		formatTime(cutoff), structs.ExecutionStatusRunning)
	if err != nil {
		return 0, structs.WrapError(structs.ErrKindStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, structs.WrapError(structs.ErrKindStorage, err)
	}
	return n, nil
}

// RecoverStaleExecutions rewrites rows left running by a previous process to
// timeout. It runs once at startup before the scheduler begins dispatching.
func (s *StateStore) RecoverStaleExecutions(now time.Time) (int, error) {
	now = now.UTC()
	recovered := 0
	err := s.withTxn(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id, started_at FROM executions WHERE status = ?`,
			structs.ExecutionStatusRunning)
		if err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		type stale struct {
			id        int64
			startedAt time.Time
		}
		var stales []stale
		for rows.Next() {
			var st stale
			var startedAt string
			if err := rows.Scan(&st.id, &startedAt); err != nil {
				rows.Close()
				return structs.WrapError(structs.ErrKindStorage, err)
			}
			if st.startedAt, err = parseTime(startedAt); err != nil {
				rows.Close()
				return err
			}
			stales = append(stales, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}

		for _, st := range stales {
			durationMs := now.Sub(st.startedAt).Milliseconds()
			_, err := tx.Exec(`UPDATE executions SET status=?, finished_at=?, error=?, duration_ms=? WHERE id=?`,
				structs.ExecutionStatusTimeout, formatTime(now),
				"daemon restarted during execution", durationMs, st.id)
			if err != nil {
				return structs.WrapError(structs.ErrKindStorage, err)
			}
		}
		recovered = len(stales)
		return nil
	})
	return recovered, err
}
