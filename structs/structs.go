// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"
)

const (
	// ScheduleTypeCron fires on a 5-field cron expression, evaluated in UTC.
	ScheduleTypeCron = "cron"

	// ScheduleTypeOnce fires a single time at an RFC 3339 instant.
	ScheduleTypeOnce = "once"

	// ScheduleTypeInterval fires every N seconds.
	ScheduleTypeInterval = "interval"
)

const (
	ExecutionStatusRunning = "running"
	ExecutionStatusSuccess = "success"
	ExecutionStatusFailed  = "failed"
	ExecutionStatusTimeout = "timeout"
)

const (
	CredentialTypeAPIKey     = "api_key"
	CredentialTypeOAuthToken = "oauth_token"
	CredentialTypeEnvVar     = "env_var"
	CredentialTypeSecret     = "secret"
)

const (
	ParamTypeString  = "string"
	ParamTypeNumber  = "number"
	ParamTypeBoolean = "boolean"
)

// ParamSpec declares a single template parameter. Order within
// Template.ParamsSchema is preserved.
type ParamSpec struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Template is a reusable script recipe that tasks bind against.
type Template struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Description         string      `json:"description,omitempty"`
	Category            string      `json:"category,omitempty"`
	Code                string      `json:"code"`
	ParamsSchema        []ParamSpec `json:"paramsSchema"`
	RequiredCredentials []string    `json:"requiredCredentials"`
	SuggestedSchedule   string      `json:"suggestedSchedule,omitempty"`
	IsBuiltin           bool        `json:"isBuiltin"`
}

func (t *Template) Copy() *Template {
	if t == nil {
		return nil
	}
	nt := *t
	nt.ParamsSchema = slices.Clone(t.ParamsSchema)
	nt.RequiredCredentials = slices.Clone(t.RequiredCredentials)
	return &nt
}

// Validate checks the template definition itself, not any task bound to it.
func (t *Template) Validate() error {
	var mErr multierror.Error
	if t.ID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing template id"))
	}
	if t.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing template name"))
	}
	if t.Code == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing template code"))
	}
	seen := set.New[string](len(t.ParamsSchema))
	for _, p := range t.ParamsSchema {
		if p.Name == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("parameter with empty name"))
			continue
		}
		if !seen.Insert(p.Name) {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("duplicate parameter %q", p.Name))
		}
		switch p.Type {
		case ParamTypeString, ParamTypeNumber, ParamTypeBoolean:
		default:
			mErr.Errors = append(mErr.Errors, fmt.Errorf("parameter %q has unknown type %q", p.Name, p.Type))
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewError(ErrKindValidation, err.Error())
	}
	return nil
}

// Task binds a template to parameter values, a schedule, and a credential
// grant list.
type Task struct {
	ID            int64                  `json:"id"`
	TemplateID    string                 `json:"templateId"`
	Name          string                 `json:"name"`
	Params        map[string]interface{} `json:"params"`
	ScheduleType  string                 `json:"scheduleType"`
	ScheduleValue string                 `json:"scheduleValue"`
	Credentials   []string               `json:"credentials"`
	Enabled       bool                   `json:"enabled"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	LastRunAt     *time.Time             `json:"lastRunAt,omitempty"`
	NextRunAt     *time.Time             `json:"nextRunAt,omitempty"`
}

func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	nt := *t
	nt.Params = maps.Clone(t.Params)
	nt.Credentials = slices.Clone(t.Credentials)
	if t.LastRunAt != nil {
		v := *t.LastRunAt
		nt.LastRunAt = &v
	}
	if t.NextRunAt != nil {
		v := *t.NextRunAt
		nt.NextRunAt = &v
	}
	return &nt
}

// Validate checks the task's own fields. Referential checks against the
// template and credentials happen in the state store transaction.
func (t *Task) Validate() error {
	var mErr multierror.Error
	if t.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing task name"))
	}
	if t.TemplateID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing template id"))
	}
	if err := ValidateSchedule(t.ScheduleType, t.ScheduleValue); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	creds := set.From(t.Credentials)
	if creds.Size() != len(t.Credentials) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("duplicate credential grant"))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewError(ErrKindValidation, err.Error())
	}
	return nil
}

// ResolveParams validates the task's params against the template's schema and
// returns the effective mapping with defaults substituted for missing optional
// parameters. Unknown params are rejected.
func (t *Task) ResolveParams(tmpl *Template) (map[string]interface{}, error) {
	declared := set.New[string](len(tmpl.ParamsSchema))
	resolved := make(map[string]interface{}, len(tmpl.ParamsSchema))

	for _, p := range tmpl.ParamsSchema {
		declared.Insert(p.Name)
		v, ok := t.Params[p.Name]
		if !ok {
			if p.Required {
				return nil, NewErrorf(ErrKindValidation, "missing required parameter %q", p.Name)
			}
			if p.Default != nil {
				resolved[p.Name] = p.Default
			}
			continue
		}
		if !paramTypeMatches(p.Type, v) {
			return nil, NewErrorf(ErrKindValidation, "parameter %q must be of type %s", p.Name, p.Type)
		}
		resolved[p.Name] = v
	}

	for name := range t.Params {
		if !declared.Contains(name) {
			return nil, NewErrorf(ErrKindValidation, "unknown parameter %q", name)
		}
	}
	return resolved, nil
}

func paramTypeMatches(typ string, v interface{}) bool {
	switch typ {
	case ParamTypeString:
		_, ok := v.(string)
		return ok
	case ParamTypeBoolean:
		_, ok := v.(bool)
		return ok
	case ParamTypeNumber:
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
	}
	return false
}

// ConsoleLine is one captured console entry from a script run.
type ConsoleLine struct {
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// ExecutionOutput holds the structured output of a finished run.
type ExecutionOutput struct {
	Console     []ConsoleLine   `json:"console"`
	ReturnValue json.RawMessage `json:"returnValue,omitempty"`
}

// Execution records one attempted run of a task. Rows transition exactly once
// from running to a terminal status and are immutable thereafter.
type Execution struct {
	ID         int64            `json:"id"`
	TaskID     int64            `json:"taskId"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Status     string           `json:"status"`
	Output     *ExecutionOutput `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMs *int64           `json:"durationMs,omitempty"`
}

// Terminal returns true once the execution has reached a final status.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusTimeout:
		return true
	}
	return false
}

// Credential is a named secret. EncryptedValue is the vault blob, or empty for
// metadata-only credentials. Plaintext never appears on this struct.
type Credential struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	Description    string     `json:"description,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
	EncryptedValue string     `json:"-"`
}

// HasValue reports whether a value has been stored for this credential.
func (c *Credential) HasValue() bool {
	return c.EncryptedValue != ""
}

// Stub is the listing shape for credentials. The encrypted blob stays behind;
// only the boolean value status crosses the API boundary.
func (c *Credential) Stub() *CredentialStub {
	return &CredentialStub{
		ID:          c.ID,
		Name:        c.Name,
		Type:        c.Type,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
		LastUsedAt:  c.LastUsedAt,
		HasValue:    c.HasValue(),
	}
}

type CredentialStub struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	HasValue    bool       `json:"hasValue"`
}

// Validate checks credential metadata.
func (c *Credential) Validate() error {
	var mErr multierror.Error
	if c.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing credential name"))
	}
	switch c.Type {
	case CredentialTypeAPIKey, CredentialTypeOAuthToken, CredentialTypeEnvVar, CredentialTypeSecret:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown credential type %q", c.Type))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return NewError(ErrKindValidation, err.Error())
	}
	return nil
}

// StoreStats is the aggregate snapshot used by the system status endpoint.
type StoreStats struct {
	Tasks             int `json:"tasks"`
	EnabledTasks      int `json:"enabledTasks"`
	Executions        int `json:"executions"`
	Credentials       int `json:"credentials"`
	Templates         int `json:"templates"`
	PendingExecutions int `json:"pendingExecutions"`
	RecentErrors      int `json:"recentErrors"`
	Executions24h     int `json:"executions24h"`
	Succeeded24h      int `json:"succeeded24h"`
	Failed24h         int `json:"failed24h"`
}
