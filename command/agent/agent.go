// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent wires the store, vault, executor, and scheduler into one
// process and exposes them over HTTP and MCP control planes.
package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/automator/automator/executor"
	"github.com/automator/automator/scheduler"
	"github.com/automator/automator/state"
	"github.com/automator/automator/vault"
)

// Agent owns the daemon's subsystems. One agent runs per data directory,
// enforced with a file lock.
type Agent struct {
	config *Config
	logger hclog.Logger

	store     *state.StateStore
	vault     *vault.Vault
	executor  *executor.Executor
	scheduler *scheduler.Scheduler

	fileLock  *flock.Flock
	inmemSink *metrics.InmemSink
	startedAt time.Time
}

// NewAgent opens the data directory, acquires the process lock, and starts the
// scheduler. Failures here are fatal to startup.
func NewAgent(config *Config, logger hclog.Logger) (*Agent, error) {
	if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// The store is single-writer; a second daemon over the same directory
	// would corrupt scheduling claims.
	fileLock := flock.New(config.LockPath())
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire process lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is locked by another automatord", config.DataDir)
	}

	a := &Agent{
		config:    config,
		logger:    logger,
		fileLock:  fileLock,
		startedAt: time.Now(),
	}

	a.inmemSink = metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.NewGlobal(metrics.DefaultConfig("automatord"), a.inmemSink)

	a.store, err = state.Open(config.DatabasePath(), logger)
	if err != nil {
		fileLock.Unlock()
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	a.vault = vault.New(config.DataDir, logger)

	a.executor = executor.New(&executor.Config{
		Store:  a.store,
		Vault:  a.vault,
		Logger: logger,
	})

	a.scheduler = scheduler.New(&scheduler.Config{
		Store:         a.store,
		Dispatcher:    a.executor,
		Logger:        logger,
		MaxConcurrent: config.MaxConcurrent,
		RetentionDays: config.RetentionDays,
	})
	a.scheduler.Start()

	a.logger.Info("agent started", "data_dir", config.DataDir,
		"auth_enabled", config.AuthEnabled())
	return a, nil
}

// Shutdown stops the scheduler, waits out the shutdown grace, and releases the
// store and the process lock.
func (a *Agent) Shutdown() {
	a.logger.Info("agent shutting down")
	a.scheduler.Stop()
	a.vault.ClearKey()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close state store", "error", err)
	}
	if err := a.fileLock.Unlock(); err != nil {
		a.logger.Error("failed to release process lock", "error", err)
	}
	a.logger.Info("agent shutdown complete")
}

func (a *Agent) uptime() time.Duration {
	return time.Since(a.startedAt)
}
