// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/automator/automator/executor"
	"github.com/automator/automator/state"
	"github.com/automator/automator/structs"
	"github.com/automator/automator/version"
)

// The HTTP endpoints and the MCP tools are adapters over the same operations,
// defined here, so the two surfaces cannot drift apart.

// ListTemplates returns templates, optionally narrowed to one category.
func (a *Agent) ListTemplates(category string) ([]*structs.Template, error) {
	return a.store.Templates(category)
}

// GetTemplate returns one template by id.
func (a *Agent) GetTemplate(id string) (*structs.Template, error) {
	return a.store.TemplateByID(id)
}

// CreateTemplate stores an operator-authored template. Operators cannot mint
// builtin templates. A template submitted without an id gets a generated one.
func (a *Agent) CreateTemplate(tmpl *structs.Template) (*structs.Template, error) {
	tmpl = tmpl.Copy()
	tmpl.IsBuiltin = false
	if tmpl.ID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, structs.WrapError(structs.ErrKindInternal, err)
		}
		tmpl.ID = id
	}
	if err := a.store.CreateTemplate(tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// UpdateTemplate replaces a template's mutable fields.
func (a *Agent) UpdateTemplate(tmpl *structs.Template) (*structs.Template, error) {
	if err := a.store.UpdateTemplate(tmpl); err != nil {
		return nil, err
	}
	return a.store.TemplateByID(tmpl.ID)
}

// DeleteTemplate removes a template unless it is builtin or in use.
func (a *Agent) DeleteTemplate(id string) error {
	return a.store.DeleteTemplate(id)
}

// ListTasks returns tasks matching the filter.
func (a *Agent) ListTasks(filter state.TaskListFilter) ([]*structs.Task, error) {
	return a.store.Tasks(filter)
}

// GetTask returns one task by id.
func (a *Agent) GetTask(id int64) (*structs.Task, error) {
	return a.store.TaskByID(id)
}

// CreateTask stores a task and wakes the scheduler so a near-term schedule
// fires on time.
func (a *Agent) CreateTask(task *structs.Task) (*structs.Task, error) {
	created, err := a.store.CreateTask(task)
	if err != nil {
		return nil, err
	}
	a.scheduler.OnTaskChanged(created.ID)
	return created, nil
}

// UpdateTask replaces a task's definition and reschedules it.
func (a *Agent) UpdateTask(task *structs.Task) (*structs.Task, error) {
	updated, err := a.store.UpdateTask(task)
	if err != nil {
		return nil, err
	}
	a.scheduler.OnTaskChanged(updated.ID)
	return updated, nil
}

// DeleteTask removes a task and, through the schema, its executions.
func (a *Agent) DeleteTask(id int64) error {
	if err := a.store.DeleteTask(id); err != nil {
		return err
	}
	a.scheduler.OnTaskChanged(id)
	return nil
}

// ToggleTask flips a task's enabled flag.
func (a *Agent) ToggleTask(id int64) (*structs.Task, error) {
	task, err := a.store.TaskByID(id)
	if err != nil {
		return nil, err
	}
	toggled, err := a.store.SetTaskEnabled(id, !task.Enabled)
	if err != nil {
		return nil, err
	}
	a.scheduler.OnTaskChanged(id)
	return toggled, nil
}

// ExecuteTask runs a task synchronously outside the scheduler.
func (a *Agent) ExecuteTask(ctx context.Context, id int64, timeoutMs int64) (*executor.Result, error) {
	var opts *executor.Options
	if timeoutMs > 0 {
		opts = &executor.Options{TimeoutMs: timeoutMs}
	}
	return a.executor.Execute(ctx, id, opts)
}

// ExecutionPage is one page of execution history.
type ExecutionPage struct {
	Items []*structs.Execution `json:"items"`
	Total int                  `json:"total"`
}

// ListExecutions returns a page of execution history, newest first.
func (a *Agent) ListExecutions(filter state.ExecutionListFilter) (*ExecutionPage, error) {
	items, total, err := a.store.Executions(filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*structs.Execution{}
	}
	return &ExecutionPage{Items: items, Total: total}, nil
}

// GetExecution returns one execution by id.
func (a *Agent) GetExecution(id int64) (*structs.Execution, error) {
	return a.store.ExecutionByID(id)
}

// CredentialCreateRequest creates credential metadata, optionally with an
// initial value. The value is write-only; no response ever carries it back.
type CredentialCreateRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value,omitempty"`
}

// ListCredentials returns credential metadata. Values never appear here, only
// whether one is stored.
func (a *Agent) ListCredentials() ([]*structs.CredentialStub, error) {
	creds, err := a.store.Credentials()
	if err != nil {
		return nil, err
	}
	stubs := make([]*structs.CredentialStub, 0, len(creds))
	for _, cred := range creds {
		stubs = append(stubs, cred.Stub())
	}
	return stubs, nil
}

// CreateCredential stores credential metadata and, when a value is supplied,
// encrypts and stores it in the same call.
func (a *Agent) CreateCredential(req *CredentialCreateRequest) (*structs.CredentialStub, error) {
	cred, err := a.store.CreateCredential(&structs.Credential{
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
	})
	if err != nil {
		return nil, err
	}
	if req.Value != "" {
		if err := a.SetCredentialValue(req.Name, req.Value); err != nil {
			return nil, err
		}
		if cred, err = a.store.CredentialByName(req.Name); err != nil {
			return nil, err
		}
	}
	return cred.Stub(), nil
}

// SetCredentialValue encrypts and stores a credential's value.
func (a *Agent) SetCredentialValue(name, value string) error {
	blob, err := a.vault.Encrypt(value)
	if err != nil {
		return err
	}
	return a.store.SetCredentialValue(name, blob)
}

// ClearCredentialValue removes a credential's value, keeping the metadata.
func (a *Agent) ClearCredentialValue(name string) error {
	return a.store.ClearCredentialValue(name)
}

// DeleteCredential removes a credential unless a task references it.
func (a *Agent) DeleteCredential(id int64) error {
	return a.store.DeleteCredential(id)
}

// StatusCounts is the entity census inside a status response.
type StatusCounts struct {
	Tasks        int `json:"tasks"`
	EnabledTasks int `json:"enabledTasks"`
	Executions   int `json:"executions"`
	Credentials  int `json:"credentials"`
	Templates    int `json:"templates"`
}

// StatusActivity is the last-24h execution summary inside a status response.
type StatusActivity struct {
	Executions24h int     `json:"executions24h"`
	SuccessRate   float64 `json:"successRate"`
	FailedCount   int     `json:"failedCount"`
	PendingCount  int     `json:"pendingCount"`
	RecentErrors  int     `json:"recentErrors"`
}

// StatusResponse is the system status document.
type StatusResponse struct {
	SchedulerRunning bool           `json:"schedulerRunning"`
	ActiveJobs       int            `json:"activeJobs"`
	NextExecution    *time.Time     `json:"nextExecution,omitempty"`
	DBConnected      bool           `json:"dbConnected"`
	Counts           StatusCounts   `json:"counts"`
	RecentActivity   StatusActivity `json:"recentActivity"`
	UptimeSeconds    int64          `json:"uptimeSeconds"`
	Version          string         `json:"version"`
}

// Status assembles the system status document.
func (a *Agent) Status() (*StatusResponse, error) {
	stats, err := a.store.Stats()
	if err != nil {
		return nil, err
	}
	next, err := a.store.NextExecutionAt()
	if err != nil {
		return nil, err
	}

	successRate := 0.0
	if stats.Executions24h > 0 {
		successRate = float64(stats.Succeeded24h) / float64(stats.Executions24h)
	}

	return &StatusResponse{
		SchedulerRunning: a.scheduler.IsRunning(),
		ActiveJobs:       a.scheduler.JobCount(),
		NextExecution:    next,
		DBConnected:      a.store.Ping() == nil,
		Counts: StatusCounts{
			Tasks:        stats.Tasks,
			EnabledTasks: stats.EnabledTasks,
			Executions:   stats.Executions,
			Credentials:  stats.Credentials,
			Templates:    stats.Templates,
		},
		RecentActivity: StatusActivity{
			Executions24h: stats.Executions24h,
			SuccessRate:   successRate,
			FailedCount:   stats.Failed24h,
			PendingCount:  stats.PendingExecutions,
			RecentErrors:  stats.RecentErrors,
		},
		UptimeSeconds: int64(a.uptime().Seconds()),
		Version:       version.GetVersion().VersionNumber(),
	}, nil
}
