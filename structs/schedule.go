// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/cronexpr"
	lru "github.com/hashicorp/golang-lru/v2"
)

// cronCache holds parsed cron expressions keyed by their text. Expressions are
// immutable once parsed so sharing across tasks is safe.
var cronCache, _ = lru.New[string, *cronexpr.Expression](128)

// parseCron parses a 5-field cron expression. Macros ("@daily") and the
// optional seconds/years fields are rejected; the stored schedule format is
// exactly minute hour day-of-month month day-of-week.
func parseCron(spec string) (*cronexpr.Expression, error) {
	if expr, ok := cronCache.Get(spec); ok {
		return expr, nil
	}
	if strings.HasPrefix(spec, "@") {
		return nil, NewErrorf(ErrKindValidation, "cron macros are not supported: %q", spec)
	}
	if len(strings.Fields(spec)) != 5 {
		return nil, NewErrorf(ErrKindValidation, "cron expression must have 5 fields: %q", spec)
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, NewErrorf(ErrKindValidation, "invalid cron expression %q: %v", spec, err)
	}
	cronCache.Add(spec, expr)
	return expr, nil
}

// ValidateSchedule checks a scheduleType/scheduleValue pair.
func ValidateSchedule(scheduleType, scheduleValue string) error {
	switch scheduleType {
	case ScheduleTypeCron:
		_, err := parseCron(scheduleValue)
		return err
	case ScheduleTypeOnce:
		if _, err := time.Parse(time.RFC3339, scheduleValue); err != nil {
			return NewErrorf(ErrKindValidation, "once schedule must be RFC 3339: %q", scheduleValue)
		}
		return nil
	case ScheduleTypeInterval:
		secs, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || secs < 1 {
			return NewErrorf(ErrKindValidation, "interval schedule must be an integer number of seconds >= 1: %q", scheduleValue)
		}
		return nil
	default:
		return NewErrorf(ErrKindValidation, "unknown schedule type %q", scheduleType)
	}
}

// NextRunAt computes the next fire instant for a schedule. A nil result with a
// nil error means the schedule will never fire again (a once schedule whose
// instant has passed).
//
// The reference point is max(lastRunAt, now) so that editing a task or
// restarting the daemon never replays a backlog of missed periods.
func NextRunAt(scheduleType, scheduleValue string, lastRunAt *time.Time, now time.Time) (*time.Time, error) {
	now = now.UTC()
	from := now
	if lastRunAt != nil && lastRunAt.After(from) {
		from = lastRunAt.UTC()
	}

	switch scheduleType {
	case ScheduleTypeOnce:
		at, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, NewErrorf(ErrKindValidation, "once schedule must be RFC 3339: %q", scheduleValue)
		}
		at = at.UTC()
		if !at.After(now) {
			return nil, nil
		}
		return &at, nil

	case ScheduleTypeInterval:
		secs, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || secs < 1 {
			return nil, NewErrorf(ErrKindValidation, "interval schedule must be an integer number of seconds >= 1: %q", scheduleValue)
		}
		next := from.Add(time.Duration(secs) * time.Second)
		return &next, nil

	case ScheduleTypeCron:
		expr, err := parseCron(scheduleValue)
		if err != nil {
			return nil, err
		}
		next := expr.Next(from)
		if next.IsZero() {
			return nil, nil
		}
		next = next.UTC()
		return &next, nil

	default:
		return nil, NewErrorf(ErrKindValidation, "unknown schedule type %q", scheduleType)
	}
}
