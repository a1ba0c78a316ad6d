// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package executor runs one task's script to a terminal state: it validates
// parameters, resolves decrypted credential values, supervises the sandbox
// subprocess, and persists the execution record. Script failures are data on
// the execution row, never control flow for the daemon.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/automator/automator/state"
	"github.com/automator/automator/structs"
	"github.com/automator/automator/vault"
)

const (
	// DefaultTimeout bounds a run when the caller does not say otherwise.
	DefaultTimeout = 5 * time.Minute

	// MaxTimeout is the hard cap no caller can exceed.
	MaxTimeout = 30 * time.Minute

	// DefaultOutputLimit is the aggregate console capture budget per run.
	DefaultOutputLimit = 1 << 20 // 1 MiB
)

// Config configures an Executor.
type Config struct {
	Store  *state.StateStore
	Vault  *vault.Vault
	Logger hclog.Logger

	// SandboxCommand overrides the interpreter argv; tests substitute a stub
	// that speaks the same pipe protocol.
	SandboxCommand []string

	// OutputLimit overrides the console capture budget.
	OutputLimit int64
}

// Options tune a single run.
type Options struct {
	// TimeoutMs bounds the script runtime; 0 means DefaultTimeout. Values
	// above MaxTimeout are clamped.
	TimeoutMs int64
}

// Result is the outcome of one Execute call.
type Result struct {
	Execution *structs.Execution `json:"execution"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
}

// Executor runs task scripts. It also owns the per-task in-flight registry so
// that scheduled and manual runs of the same task never overlap, whichever
// entry point they arrive through.
type Executor struct {
	store  *state.StateStore
	vault  *vault.Vault
	logger hclog.Logger

	sandboxCmd  []string
	outputLimit int64

	lock     sync.Mutex
	inflight map[int64]struct{}
}

// New returns an Executor.
func New(cfg *Config) *Executor {
	cmd := cfg.SandboxCommand
	if len(cmd) == 0 {
		cmd = defaultSandboxCommand()
	}
	limit := cfg.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &Executor{
		store:       cfg.Store,
		vault:       cfg.Vault,
		logger:      cfg.Logger.Named("executor"),
		sandboxCmd:  cmd,
		outputLimit: limit,
		inflight:    make(map[int64]struct{}),
	}
}

// Running reports whether an execution for the task is currently in flight.
func (e *Executor) Running(taskID int64) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	_, ok := e.inflight[taskID]
	return ok
}

// tryAcquire reserves the task's run slot.
func (e *Executor) tryAcquire(taskID int64) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	if _, ok := e.inflight[taskID]; ok {
		return false
	}
	e.inflight[taskID] = struct{}{}
	return true
}

func (e *Executor) release(taskID int64) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.inflight, taskID)
}

// Execute runs the task once. The returned error covers failures to even get
// a run started (unknown task, concurrent run, storage trouble); once an
// execution row exists, failures land on the row and Execute returns the
// terminal record with Success=false.
func (e *Executor) Execute(ctx context.Context, taskID int64, opts *Options) (*Result, error) {
	defer metrics.MeasureSince([]string{"executor", "execute"}, time.Now())

	if !e.tryAcquire(taskID) {
		return nil, structs.NewErrorf(structs.ErrKindConflict, "task %d is already running", taskID)
	}
	defer e.release(taskID)

	task, err := e.store.TaskByID(taskID)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.store.TemplateByID(task.TemplateID)
	if err != nil {
		return nil, err
	}

	timeout := DefaultTimeout
	if opts != nil && opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	exec, err := e.store.CreateExecution(taskID, time.Now())
	if err != nil {
		return nil, err
	}
	e.logger.Debug("execution started", "task_id", taskID, "execution_id", exec.ID,
		"template", tmpl.ID, "timeout", timeout)

	// Everything from here on terminates the row instead of returning early.
	params, err := task.ResolveParams(tmpl)
	if err != nil {
		return e.fail(exec, err.Error())
	}

	credentials, err := e.resolveCredentials(task)
	if err != nil {
		return e.fail(exec, err.Error())
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := runSandbox(runCtx, e.logger, e.sandboxCmd, &sandboxRequest{
		Code:        tmpl.Code,
		Params:      params,
		Credentials: credentials,
	}, e.outputLimit)
	if err != nil {
		return e.fail(exec, fmt.Sprintf("failed to launch sandbox: %v", err))
	}

	output := &structs.ExecutionOutput{
		Console:     res.Console,
		ReturnValue: res.ReturnValue,
	}

	var status, errMsg string
	switch {
	case res.TimedOut:
		status = structs.ExecutionStatusTimeout
		errMsg = fmt.Sprintf("execution exceeded timeout of %dms", timeout.Milliseconds())
	case res.Unserializable:
		status = structs.ExecutionStatusFailed
		errMsg = "return value not serialisable"
	case res.ScriptErr != "":
		status = structs.ExecutionStatusFailed
		errMsg = res.ScriptErr
	default:
		status = structs.ExecutionStatusSuccess
	}

	final, err := e.store.CompleteExecution(exec.ID, status, time.Now(), output, errMsg)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"executor", "executions", status}, 1)
	e.logger.Debug("execution finished", "task_id", taskID, "execution_id", exec.ID,
		"status", status, "duration_ms", *final.DurationMs)

	return &Result{
		Execution: final,
		Success:   status == structs.ExecutionStatusSuccess,
		Error:     errMsg,
	}, nil
}

// fail terminates the execution row with status failed before user code ran.
func (e *Executor) fail(exec *structs.Execution, errMsg string) (*Result, error) {
	final, err := e.store.CompleteExecution(exec.ID, structs.ExecutionStatusFailed, time.Now(), nil, errMsg)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"executor", "executions", structs.ExecutionStatusFailed}, 1)
	return &Result{Execution: final, Success: false, Error: errMsg}, nil
}

// resolveCredentials decrypts every credential granted to the task. Any
// missing row, missing value, or decryption failure aborts the run before
// user code starts; last_used_at is stamped only when the whole set resolved.
func (e *Executor) resolveCredentials(task *structs.Task) (map[string]string, error) {
	if len(task.Credentials) == 0 {
		// No grants: the vault is never touched.
		return map[string]string{}, nil
	}

	values := make(map[string]string, len(task.Credentials))
	for _, name := range task.Credentials {
		cred, err := e.store.CredentialByName(name)
		if err != nil || !cred.HasValue() {
			return nil, structs.NewErrorf(structs.ErrKindCredentialUnavailable,
				"credential %s unavailable", name)
		}
		plaintext, err := e.vault.Decrypt(cred.EncryptedValue)
		if err != nil {
			return nil, structs.NewErrorf(structs.ErrKindCredentialUnavailable,
				"credential %s unavailable", name)
		}
		values[name] = plaintext
	}

	if err := e.store.TouchCredentialUsage(task.Credentials, time.Now()); err != nil {
		e.logger.Warn("failed to stamp credential usage", "error", err)
	}
	return values, nil
}
