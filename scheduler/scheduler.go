// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler owns the tick loop that turns task schedules into
// executions. Due tasks are claimed with a compare-and-swap on next_run_at
// and handed to the dispatcher; a slot gate bounds how many run at once.
package scheduler

import (
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/automator/automator/executor"
	"github.com/automator/automator/helper/pointer"
	"github.com/automator/automator/state"
	"github.com/automator/automator/structs"
)

const (
	// DefaultMaxConcurrent bounds concurrent executions across all tasks.
	DefaultMaxConcurrent = 4

	// DefaultTick is how long the loop sleeps between due-task scans. A task
	// change wakes the loop early.
	DefaultTick = time.Second

	// DefaultRetentionDays is how long terminal execution rows are kept.
	DefaultRetentionDays = 30

	// DefaultShutdownGrace is how long Stop waits for in-flight executions.
	DefaultShutdownGrace = 30 * time.Second

	// retentionInterval is how often the retention sweep runs.
	retentionInterval = time.Hour
)

// Dispatcher runs one task to a terminal execution. *executor.Executor is the
// production implementation.
type Dispatcher interface {
	Execute(ctx context.Context, taskID int64, opts *executor.Options) (*executor.Result, error)
}

// Config configures a Scheduler.
type Config struct {
	Store      *state.StateStore
	Dispatcher Dispatcher
	Logger     hclog.Logger

	// MaxConcurrent bounds concurrent executions; 0 means DefaultMaxConcurrent.
	MaxConcurrent int

	// RetentionDays bounds execution history age; 0 means DefaultRetentionDays,
	// negative disables the sweep.
	RetentionDays int

	// Tick overrides the scan interval; tests shrink it.
	Tick time.Duration

	// ShutdownGrace overrides how long Stop waits for in-flight executions.
	ShutdownGrace time.Duration
}

// Scheduler drives the tick loop. Start and Stop are idempotent.
type Scheduler struct {
	store      *state.StateStore
	dispatcher Dispatcher
	logger     hclog.Logger

	tick          time.Duration
	retentionDays int
	grace         time.Duration

	// slots is the concurrency gate; a claim only happens with a slot held.
	slots chan struct{}

	// wake cuts the tick sleep short after a task change.
	wake chan struct{}

	lock    sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// New returns a stopped Scheduler.
func New(cfg *Config) *Scheduler {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	retention := cfg.RetentionDays
	if retention == 0 {
		retention = DefaultRetentionDays
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	return &Scheduler{
		store:         cfg.Store,
		dispatcher:    cfg.Dispatcher,
		logger:        cfg.Logger.Named("scheduler"),
		tick:          tick,
		retentionDays: retention,
		grace:         grace,
		slots:         make(chan struct{}, maxConcurrent),
		wake:          make(chan struct{}, 1),
	}
}

// Start runs the recovery sweep and launches the tick loop. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.lock.Lock()
	if s.running {
		s.lock.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.lock.Unlock()

	// Executions left running by a previous process are dead; mark them so.
	if n, err := s.store.RecoverStaleExecutions(time.Now()); err != nil {
		s.logger.Error("recovery sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Info("recovered executions interrupted by restart", "count", n)
	}

	// Enabled tasks without a fire time get one; tasks whose fire time passed
	// while the daemon was down keep it and fire once on the first scan.
	s.scheduleUntracked(time.Now().UTC())

	s.logger.Info("scheduler started", "max_concurrent", cap(s.slots),
		"retention_days", s.retentionDays)
	go s.run()
}

// Stop signals the tick loop to exit and waits up to the shutdown grace for
// in-flight executions. Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.lock.Lock()
	if !s.running {
		s.lock.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.lock.Unlock()

	<-s.doneCh

	flushed := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		s.logger.Info("scheduler stopped")
	case <-time.After(s.grace):
		// Leftover running rows get swept to timeout on next start.
		s.logger.Warn("shutdown grace expired with executions still in flight")
	}
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.running
}

// JobCount returns the number of enabled tasks currently tracked.
func (s *Scheduler) JobCount() int {
	tasks, err := s.store.Tasks(state.TaskListFilter{Enabled: pointer.Of(true)})
	if err != nil {
		s.logger.Error("failed to count tracked tasks", "error", err)
		return 0
	}
	return len(tasks)
}

// OnTaskChanged wakes the tick loop so a created or edited task fires on time
// instead of waiting out the current sleep. The store already updated the
// task's fire time, so a disabled or deleted task makes this a no-op.
func (s *Scheduler) OnTaskChanged(taskID int64) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RescheduleAll recomputes the fire time of every enabled task from its
// schedule and last run. Tasks whose schedule no longer parses are disabled.
func (s *Scheduler) RescheduleAll() error {
	now := time.Now().UTC()
	tasks, err := s.store.Tasks(state.TaskListFilter{Enabled: pointer.Of(true)})
	if err != nil {
		return err
	}

	var mErr *multierror.Error
	for _, task := range tasks {
		if _, err := s.store.RecomputeTaskSchedule(task.ID, now); err != nil {
			if structs.IsValidation(err) {
				s.disableBroken(task, err)
				continue
			}
			mErr = multierror.Append(mErr, err)
		}
	}
	s.OnTaskChanged(0)
	return mErr.ErrorOrNil()
}

// scheduleUntracked gives a fire time to enabled tasks that lost theirs.
func (s *Scheduler) scheduleUntracked(now time.Time) {
	tasks, err := s.store.Tasks(state.TaskListFilter{Enabled: pointer.Of(true)})
	if err != nil {
		s.logger.Error("failed to list tasks at startup", "error", err)
		return
	}
	for _, task := range tasks {
		if task.NextRunAt != nil {
			continue
		}
		if _, err := s.store.RecomputeTaskSchedule(task.ID, now); err != nil {
			s.disableBroken(task, err)
		}
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	retention := time.NewTicker(retentionInterval)
	defer retention.Stop()

	s.dispatchDue(time.Now())
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatchDue(time.Now())
		case <-s.wake:
			s.dispatchDue(time.Now())
		case <-retention.C:
			s.pruneHistory()
		}
	}
}

// dispatchDue claims every due task it can get a slot for and hands each to
// the dispatcher on its own goroutine. A saturated gate leaves the remainder
// unclaimed for the next scan.
func (s *Scheduler) dispatchDue(now time.Time) {
	defer metrics.MeasureSince([]string{"scheduler", "dispatch"}, time.Now())

	due, err := s.store.DueTasks(now)
	if err != nil {
		s.logger.Error("failed to scan for due tasks", "error", err)
		return
	}

	for _, task := range due {
		select {
		case s.slots <- struct{}{}:
		default:
			metrics.IncrCounter([]string{"scheduler", "gate_saturated"}, 1)
			s.logger.Debug("concurrency gate saturated, deferring due tasks",
				"deferred", len(due))
			return
		}

		// The claim advances next_run_at in the same statement, so a fire time
		// that came due several periods ago still yields exactly one run.
		claimed, err := s.store.ClaimTask(task, now)
		if err != nil {
			<-s.slots
			if structs.IsValidation(err) {
				s.disableBroken(task, err)
			} else {
				// Transient storage trouble; the task keeps its fire time and
				// the next scan retries the claim.
				s.logger.Error("failed to claim task", "task_id", task.ID,
					"task", task.Name, "error", err)
			}
			continue
		}
		if !claimed {
			// Someone edited the task between the scan and the claim.
			<-s.slots
			continue
		}

		s.wg.Add(1)
		go func(taskID int64, name string) {
			defer s.wg.Done()
			defer func() { <-s.slots }()

			res, err := s.dispatcher.Execute(context.Background(), taskID, nil)
			switch {
			case structs.IsConflict(err):
				// Previous run still in flight; this fire is skipped and the
				// claim already moved next_run_at past it.
				s.logger.Debug("skipped fire, previous run still in flight",
					"task_id", taskID, "task", name)
			case err != nil:
				s.logger.Error("dispatch failed", "task_id", taskID, "task", name,
					"error", err)
			case !res.Success:
				s.logger.Warn("execution finished with error", "task_id", taskID,
					"task", name, "status", res.Execution.Status, "error", res.Error)
			}
		}(task.ID, task.Name)
	}
}

// disableBroken takes a task whose schedule cannot produce a fire time out of
// rotation. The tick loop keeps going.
func (s *Scheduler) disableBroken(task *structs.Task, err error) {
	s.logger.Error("disabling task with unschedulable schedule",
		"task_id", task.ID, "task", task.Name, "schedule_type", task.ScheduleType,
		"schedule_value", task.ScheduleValue, "error", err)
	if _, derr := s.store.SetTaskEnabled(task.ID, false); derr != nil {
		s.logger.Error("failed to disable task", "task_id", task.ID, "error", derr)
	}
}

func (s *Scheduler) pruneHistory() {
	if s.retentionDays < 0 {
		return
	}
	n, err := s.store.PruneExecutions(s.retentionDays)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned old executions", "count", n, "retention_days", s.retentionDays)
	}
}
