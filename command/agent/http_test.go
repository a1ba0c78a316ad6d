// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	keyring "github.com/zalando/go-keyring"

	"github.com/shoenig/test/must"

	"github.com/automator/automator/executor"
	"github.com/automator/automator/helper/testlog"
	"github.com/automator/automator/scheduler"
	"github.com/automator/automator/state"
	"github.com/automator/automator/structs"
	"github.com/automator/automator/vault"
)

// TestStubInterpreter is the fake sandbox the agent tests launch instead of
// node. It reads the pipe-protocol request from stdin and echoes either the
// message parameter or the resolved credentials.
func TestStubInterpreter(t *testing.T) {
	if len(flag.Args()) == 0 {
		t.Skip("helper process only")
	}
	mode := flag.Args()[0]

	var req struct {
		Params      map[string]interface{} `json:"params"`
		Credentials map[string]string      `json:"credentials"`
	}
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		os.Exit(1)
	}
	emit := func(v interface{}) {
		b, _ := json.Marshal(v)
		fmt.Println(string(b))
	}
	switch mode {
	case "echo":
		msg, _ := req.Params["message"].(string)
		emit(map[string]interface{}{"type": "console", "level": "log", "message": msg})
		emit(map[string]interface{}{"type": "result", "value": msg})
	case "credentials":
		emit(map[string]interface{}{"type": "result", "value": req.Credentials})
	}
	os.Exit(0)
}

func testAgent(t *testing.T, tweak func(*Config)) *Agent {
	t.Helper()
	keyring.MockInit()
	logger := testlog.HCLogger(t)
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.DataDir = dir
	if tweak != nil {
		tweak(cfg)
	}

	store, err := state.Open(filepath.Join(dir, dbFileName), logger)
	must.NoError(t, err)

	vlt := vault.New(dir, logger)
	exec := executor.New(&executor.Config{
		Store:  store,
		Vault:  vlt,
		Logger: logger,
		SandboxCommand: []string{
			os.Args[0], "-test.run=TestStubInterpreter", "--", "echo",
		},
	})
	sched := scheduler.New(&scheduler.Config{
		Store:      store,
		Dispatcher: exec,
		Logger:     logger,
		Tick:       25 * time.Millisecond,
	})

	t.Cleanup(func() {
		sched.Stop()
		store.Close()
	})

	return &Agent{
		config:    cfg,
		logger:    logger,
		store:     store,
		vault:     vlt,
		executor:  exec,
		scheduler: sched,
		inmemSink: metrics.NewInmemSink(10*time.Second, time.Minute),
		startedAt: time.Now(),
	}
}

func testHTTPServer(t *testing.T, a *Agent) *HTTPServer {
	t.Helper()
	srv := &HTTPServer{
		agent:  a,
		mux:    http.NewServeMux(),
		logger: a.logger.Named("http"),
	}
	srv.registerHandlers(false)
	return srv
}

// httpDo runs one request through the mux and decodes the JSON response.
func httpDo(t *testing.T, srv *HTTPServer, method, path string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		must.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		must.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func mockTaskBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"templateId":    "log-message",
		"name":          name,
		"params":        map[string]interface{}{"message": "hi"},
		"scheduleType":  "interval",
		"scheduleValue": "60",
		"enabled":       true,
	}
}

func TestHTTP_TemplateEndpoints(t *testing.T) {
	a := testAgent(t, nil)
	srv := testHTTPServer(t, a)

	// The builtins are seeded and listable.
	var list []*structs.Template
	rec := httpDo(t, srv, http.MethodGet, "/v1/templates", nil, &list)
	must.Eq(t, http.StatusOK, rec.Code)
	must.True(t, len(list) >= 3)

	// Create, then read it back.
	created := &structs.Template{}
	rec = httpDo(t, srv, http.MethodPost, "/v1/templates", map[string]interface{}{
		"id":   "greet",
		"name": "Greeter",
		"code": "console.log('hello')",
		// isBuiltin from the wire is ignored
		"isBuiltin": true,
		"category":  "examples",
	}, created)
	must.Eq(t, http.StatusOK, rec.Code)
	must.False(t, created.IsBuiltin)

	got := &structs.Template{}
	rec = httpDo(t, srv, http.MethodGet, "/v1/template/greet", nil, got)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, "Greeter", got.Name)

	// Category filter includes it.
	rec = httpDo(t, srv, http.MethodGet, "/v1/templates?category=examples", nil, &list)
	must.Eq(t, http.StatusOK, rec.Code)
	for _, tmpl := range list {
		must.Eq(t, "examples", tmpl.Category)
	}

	// Update changes the name.
	got.Name = "Greeter 2"
	rec = httpDo(t, srv, http.MethodPut, "/v1/template/greet", got, got)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, "Greeter 2", got.Name)

	// Builtins refuse deletion; the new template does not.
	rec = httpDo(t, srv, http.MethodDelete, "/v1/template/log-message", nil, nil)
	must.Eq(t, http.StatusConflict, rec.Code)
	rec = httpDo(t, srv, http.MethodDelete, "/v1/template/greet", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)

	rec = httpDo(t, srv, http.MethodGet, "/v1/template/greet", nil, nil)
	must.Eq(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_TaskEndpoints(t *testing.T) {
	a := testAgent(t, nil)
	srv := testHTTPServer(t, a)

	task := &structs.Task{}
	rec := httpDo(t, srv, http.MethodPost, "/v1/tasks", mockTaskBody("web-task"), task)
	must.Eq(t, http.StatusOK, rec.Code)
	must.NotNil(t, task.NextRunAt)

	// Unknown template surfaces as not found, not a 500.
	bad := mockTaskBody("orphan")
	bad["templateId"] = "nope"
	rec = httpDo(t, srv, http.MethodPost, "/v1/tasks", bad, nil)
	must.Eq(t, http.StatusNotFound, rec.Code)

	// Malformed schedule is a 400.
	bad = mockTaskBody("bad-sched")
	bad["scheduleValue"] = "often"
	rec = httpDo(t, srv, http.MethodPost, "/v1/tasks", bad, nil)
	must.Eq(t, http.StatusBadRequest, rec.Code)

	// Toggle twice is identity on enabled.
	toggled := &structs.Task{}
	path := fmt.Sprintf("/v1/task/%d/toggle", task.ID)
	httpDo(t, srv, http.MethodPost, path, nil, toggled)
	must.False(t, toggled.Enabled)
	must.Nil(t, toggled.NextRunAt)
	httpDo(t, srv, http.MethodPost, path, nil, toggled)
	must.True(t, toggled.Enabled)
	must.NotNil(t, toggled.NextRunAt)

	// Synchronous execute returns the terminal record.
	res := &executor.Result{}
	rec = httpDo(t, srv, http.MethodPost, fmt.Sprintf("/v1/task/%d/execute", task.ID), nil, res)
	must.Eq(t, http.StatusOK, rec.Code)
	must.True(t, res.Success)
	must.Eq(t, structs.ExecutionStatusSuccess, res.Execution.Status)

	// Filters.
	var tasks []*structs.Task
	rec = httpDo(t, srv, http.MethodGet, "/v1/tasks?enabled=true&templateId=log-message", nil, &tasks)
	must.Eq(t, http.StatusOK, rec.Code)
	must.SliceLen(t, 1, tasks)

	// Delete cascades the history.
	rec = httpDo(t, srv, http.MethodDelete, fmt.Sprintf("/v1/task/%d", task.ID), nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	page := &ExecutionPage{}
	httpDo(t, srv, http.MethodGet, fmt.Sprintf("/v1/executions?taskId=%d", task.ID), nil, page)
	must.Eq(t, 0, page.Total)
}

func TestHTTP_ExecutionEndpoints(t *testing.T) {
	a := testAgent(t, nil)
	srv := testHTTPServer(t, a)

	task := &structs.Task{}
	httpDo(t, srv, http.MethodPost, "/v1/tasks", mockTaskBody("history"), task)
	execPath := fmt.Sprintf("/v1/task/%d/execute", task.ID)
	for i := 0; i < 3; i++ {
		rec := httpDo(t, srv, http.MethodPost, execPath, nil, nil)
		must.Eq(t, http.StatusOK, rec.Code)
	}

	page := &ExecutionPage{}
	rec := httpDo(t, srv, http.MethodGet, "/v1/executions?limit=2", nil, page)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, 3, page.Total)
	must.SliceLen(t, 2, page.Items)

	// Newest first, and the single-record endpoint agrees with the listing.
	must.True(t, !page.Items[0].StartedAt.Before(page.Items[1].StartedAt))
	got := &structs.Execution{}
	rec = httpDo(t, srv, http.MethodGet, fmt.Sprintf("/v1/execution/%d", page.Items[0].ID), nil, got)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, page.Items[0].Status, got.Status)

	rec = httpDo(t, srv, http.MethodGet, "/v1/execution/99999", nil, nil)
	must.Eq(t, http.StatusNotFound, rec.Code)
}

// TestHTTP_PlaintextNeverListed is the property check: a credential value must
// not appear in any read endpoint's response body.
func TestHTTP_PlaintextNeverListed(t *testing.T) {
	a := testAgent(t, nil)
	srv := testHTTPServer(t, a)

	const secret = "hunter2-super-secret-value"

	stub := &structs.CredentialStub{}
	rec := httpDo(t, srv, http.MethodPost, "/v1/credentials", &CredentialCreateRequest{
		Name:  "API_KEY",
		Type:  structs.CredentialTypeAPIKey,
		Value: secret,
	}, stub)
	must.Eq(t, http.StatusOK, rec.Code)
	must.True(t, stub.HasValue)

	task := mockTaskBody("secret-user")
	task["credentials"] = []string{"API_KEY"}
	created := &structs.Task{}
	httpDo(t, srv, http.MethodPost, "/v1/tasks", task, created)
	httpDo(t, srv, http.MethodPost, fmt.Sprintf("/v1/task/%d/execute", created.ID), nil, nil)

	reads := []string{
		"/v1/templates",
		"/v1/tasks",
		"/v1/executions",
		"/v1/credentials",
		fmt.Sprintf("/v1/task/%d", created.ID),
		"/v1/system/status",
	}
	for _, path := range reads {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		out := httptest.NewRecorder()
		srv.mux.ServeHTTP(out, req)
		must.Eq(t, http.StatusOK, out.Code, must.Sprintf("GET %s", path))
		must.StrNotContains(t, out.Body.String(), secret, must.Sprintf("GET %s leaked the plaintext", path))
	}
}

func TestHTTP_CredentialEndpoints(t *testing.T) {
	a := testAgent(t, nil)
	srv := testHTTPServer(t, a)

	// Metadata only: hasValue is false until a value is stored.
	stub := &structs.CredentialStub{}
	rec := httpDo(t, srv, http.MethodPost, "/v1/credentials", &CredentialCreateRequest{
		Name: "TOKEN", Type: structs.CredentialTypeSecret,
	}, stub)
	must.Eq(t, http.StatusOK, rec.Code)
	must.False(t, stub.HasValue)

	rec = httpDo(t, srv, http.MethodPut, "/v1/credential/TOKEN/value",
		map[string]string{"value": "s3cr3t"}, nil)
	must.Eq(t, http.StatusOK, rec.Code)

	var list []*structs.CredentialStub
	httpDo(t, srv, http.MethodGet, "/v1/credentials", nil, &list)
	must.SliceLen(t, 1, list)
	must.True(t, list[0].HasValue)

	rec = httpDo(t, srv, http.MethodDelete, "/v1/credential/TOKEN/value", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	httpDo(t, srv, http.MethodGet, "/v1/credentials", nil, &list)
	must.False(t, list[0].HasValue)

	// A referencing task blocks deletion until it is gone.
	task := mockTaskBody("cred-holder")
	task["credentials"] = []string{"TOKEN"}
	created := &structs.Task{}
	httpDo(t, srv, http.MethodPost, "/v1/tasks", task, created)

	delPath := fmt.Sprintf("/v1/credential/%d", list[0].ID)
	rec = httpDo(t, srv, http.MethodDelete, delPath, nil, nil)
	must.Eq(t, http.StatusConflict, rec.Code)

	httpDo(t, srv, http.MethodDelete, fmt.Sprintf("/v1/task/%d", created.ID), nil, nil)
	rec = httpDo(t, srv, http.MethodDelete, delPath, nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
}

func TestHTTP_SystemEndpoints(t *testing.T) {
	a := testAgent(t, nil)
	srv := testHTTPServer(t, a)
	a.scheduler.Start()

	task := &structs.Task{}
	httpDo(t, srv, http.MethodPost, "/v1/tasks", mockTaskBody("status-task"), task)
	httpDo(t, srv, http.MethodPost, fmt.Sprintf("/v1/task/%d/execute", task.ID), nil, nil)

	status := &StatusResponse{}
	rec := httpDo(t, srv, http.MethodGet, "/v1/system/status", nil, status)
	must.Eq(t, http.StatusOK, rec.Code)
	must.True(t, status.SchedulerRunning)
	must.Eq(t, 1, status.ActiveJobs)
	must.True(t, status.DBConnected)
	must.NotNil(t, status.NextExecution)
	must.Eq(t, 1, status.Counts.Tasks)
	must.True(t, status.Counts.Templates >= 3)
	must.Eq(t, 1, status.RecentActivity.Executions24h)
	must.Eq(t, 1.0, status.RecentActivity.SuccessRate)
	must.NotEq(t, "", status.Version)

	var health map[string]string
	rec = httpDo(t, srv, http.MethodGet, "/v1/system/health", nil, &health)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, "ok", health["status"])

	rec = httpDo(t, srv, http.MethodGet, "/v1/metrics", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	a := testAgent(t, nil)
	srv := testHTTPServer(t, a)

	rec := httpDo(t, srv, http.MethodDelete, "/v1/templates", nil, nil)
	must.Eq(t, http.StatusMethodNotAllowed, rec.Code)
	rec = httpDo(t, srv, http.MethodPost, "/v1/executions", nil, nil)
	must.Eq(t, http.StatusMethodNotAllowed, rec.Code)
	rec = httpDo(t, srv, http.MethodPut, "/v1/system/status", nil, nil)
	must.Eq(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTP_AuthEnforcement(t *testing.T) {
	a := testAgent(t, func(cfg *Config) {
		cfg.OAuthClientID = "client"
		cfg.OAuthClientSecret = "oauth-secret"
		cfg.APIToken = "token123"
	})
	srv := testHTTPServer(t, a)
	handler := srv.requireToken(srv.mux)

	do := func(token, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	must.Eq(t, http.StatusUnauthorized, do("", "/v1/tasks"))
	must.Eq(t, http.StatusUnauthorized, do("wrong", "/v1/tasks"))
	must.Eq(t, http.StatusOK, do("token123", "/v1/tasks"))

	// The health probe stays open for supervisors.
	must.Eq(t, http.StatusOK, do("", "/v1/system/health"))
}
