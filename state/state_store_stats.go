// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"time"

	"github.com/automator/automator/structs"
)

// Stats gathers the counters the system status endpoint reports. Reads are not
// wrapped in a transaction; minor skew between counters is acceptable.
func (s *StateStore) Stats() (*structs.StoreStats, error) {
	stats := &structs.StoreStats{}
	dayAgo := formatTime(time.Now().UTC().Add(-24 * time.Hour))

	counts := []struct {
		query string
		args  []any
		dest  *int
	}{
		{`SELECT COUNT(*) FROM tasks`, nil, &stats.Tasks},
		{`SELECT COUNT(*) FROM tasks WHERE enabled = 1`, nil, &stats.EnabledTasks},
		{`SELECT COUNT(*) FROM executions`, nil, &stats.Executions},
		{`SELECT COUNT(*) FROM credentials`, nil, &stats.Credentials},
		{`SELECT COUNT(*) FROM templates`, nil, &stats.Templates},
		{`SELECT COUNT(*) FROM executions WHERE status = 'running'`, nil, &stats.PendingExecutions},
		{`SELECT COUNT(*) FROM executions WHERE status IN ('failed','timeout') AND started_at >= ?`,
			[]any{dayAgo}, &stats.RecentErrors},
		{`SELECT COUNT(*) FROM executions WHERE started_at >= ?`, []any{dayAgo}, &stats.Executions24h},
		{`SELECT COUNT(*) FROM executions WHERE status = 'success' AND started_at >= ?`,
			[]any{dayAgo}, &stats.Succeeded24h},
		{`SELECT COUNT(*) FROM executions WHERE status IN ('failed','timeout') AND started_at >= ?`,
			[]any{dayAgo}, &stats.Failed24h},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query, c.args...).Scan(c.dest); err != nil {
			return nil, structs.WrapError(structs.ErrKindStorage, err)
		}
	}
	return stats, nil
}
