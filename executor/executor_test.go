// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	keyring "github.com/zalando/go-keyring"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/automator/automator/helper/testlog"
	"github.com/automator/automator/state"
	"github.com/automator/automator/structs"
	"github.com/automator/automator/vault"
)

// TestSandboxHelper is not a test: it is the stub interpreter the executor
// tests launch instead of node. The mode argument after "--" selects the
// scripted behavior. It speaks the same stdin/stdout pipe protocol as the
// real harness.
func TestSandboxHelper(t *testing.T) {
	if len(flag.Args()) == 0 {
		t.Skip("helper process only")
	}
	mode := flag.Args()[0]

	// hang is spawned by the orphan mode as a grandchild; it never speaks the
	// pipe protocol, it just outlives its parent unless the group kill lands.
	if mode == "hang" {
		time.Sleep(10 * time.Second)
		os.Exit(0)
	}

	var req struct {
		Code        string                 `json:"code"`
		Params      map[string]interface{} `json:"params"`
		Credentials map[string]string      `json:"credentials"`
	}
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Printf(`{"type":"error","message":"bad request"}` + "\n")
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
	case "throw":
		emit(map[string]interface{}{"type": "console", "level": "error", "message": "about to fail"})
		emit(map[string]interface{}{"type": "error", "message": "boom from script"})
	case "unserializable":
		emit(map[string]interface{}{"type": "error", "code": "unserializable",
			"message": "return value not serialisable"})
	case "sleep":
		emit(map[string]interface{}{"type": "console", "level": "log", "message": "going to sleep"})
		time.Sleep(10 * time.Second)
	case "orphan":
		child := osexec.Command(os.Args[0], "-test.run=TestSandboxHelper", "--", "hang")
		if err := child.Start(); err != nil {
			emit(map[string]interface{}{"type": "error", "message": err.Error()})
			break
		}
		emit(map[string]interface{}{"type": "console", "level": "log",
			"message": strconv.Itoa(child.Process.Pid)})
		time.Sleep(10 * time.Second)
	case "spam":
		for i := 0; i < 200; i++ {
			emit(map[string]interface{}{"type": "console", "level": "log",
				"message": fmt.Sprintf("line %03d %s", i, strings.Repeat("x", 100))})
		}
		emit(map[string]interface{}{"type": "result", "value": true})
	}
	os.Exit(0)
}

func stubSandbox(mode string) []string {
	return []string{os.Args[0], "-test.run=TestSandboxHelper", "--", mode}
}

type harness struct {
	store *state.StateStore
	vault *vault.Vault
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keyring.MockInit()
	dir := t.TempDir()
	store, err := state.Open(filepath.Join(dir, "automator.db"), testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &harness{
		store: store,
		vault: vault.New(dir, testlog.HCLogger(t)),
	}
}

func (h *harness) executor(t *testing.T, mode string) *Executor {
	return New(&Config{
		Store:          h.store,
		Vault:          h.vault,
		Logger:         testlog.HCLogger(t),
		SandboxCommand: stubSandbox(mode),
	})
}

func (h *harness) createTask(t *testing.T, name string, creds []string) *structs.Task {
	t.Helper()
	task, err := h.store.CreateTask(&structs.Task{
		TemplateID:    "log-message",
		Name:          name,
		Params:        map[string]interface{}{"message": "hi"},
		ScheduleType:  structs.ScheduleTypeInterval,
		ScheduleValue: "60",
		Credentials:   creds,
		Enabled:       true,
	})
	must.NoError(t, err)
	return task
}

func TestExecutor_Success(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "echoer", nil)
	exec := h.executor(t, "echo")

	res, err := exec.Execute(context.Background(), task.ID, nil)
	must.NoError(t, err)
	must.True(t, res.Success)

	got := res.Execution
	must.Eq(t, structs.ExecutionStatusSuccess, got.Status)
	must.NotNil(t, got.FinishedAt)
	must.NotNil(t, got.DurationMs)
	must.Eq(t, *got.DurationMs, got.FinishedAt.Sub(got.StartedAt).Milliseconds())
	must.SliceLen(t, 1, got.Output.Console)
	must.Eq(t, "hi", got.Output.Console[0].Message)
	must.Eq(t, `"hi"`, string(got.Output.ReturnValue))

	// The record is persisted, not just returned.
	stored, err := h.store.ExecutionByID(got.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ExecutionStatusSuccess, stored.Status)
}

func TestExecutor_ParamValidationFails(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, "echo")

	// Required parameter missing.
	task, err := h.store.CreateTask(&structs.Task{
		TemplateID:    "log-message",
		Name:          "no-params",
		Params:        map[string]interface{}{},
		ScheduleType:  structs.ScheduleTypeInterval,
		ScheduleValue: "60",
		Enabled:       true,
	})
	must.NoError(t, err)

	res, err := exec.Execute(context.Background(), task.ID, nil)
	must.NoError(t, err)
	must.False(t, res.Success)
	must.Eq(t, structs.ExecutionStatusFailed, res.Execution.Status)
	must.StrContains(t, res.Error, "missing required parameter")
}

func TestExecutor_CredentialFlow(t *testing.T) {
	h := newHarness(t)

	_, err := h.store.CreateCredential(&structs.Credential{
		Name: "SLACK_WEBHOOK_URL", Type: structs.CredentialTypeSecret,
	})
	must.NoError(t, err)
	blob, err := h.vault.Encrypt("https://example/hook")
	must.NoError(t, err)
	must.NoError(t, h.store.SetCredentialValue("SLACK_WEBHOOK_URL", blob))

	task := h.createTask(t, "hooked", []string{"SLACK_WEBHOOK_URL"})
	exec := h.executor(t, "credentials")

	res, err := exec.Execute(context.Background(), task.ID, nil)
	must.NoError(t, err)
	must.True(t, res.Success)

	// The decrypted value reached the sandbox.
	var got map[string]string
	must.NoError(t, json.Unmarshal(res.Execution.Output.ReturnValue, &got))
	must.Eq(t, "https://example/hook", got["SLACK_WEBHOOK_URL"])

	// Usage was stamped.
	cred, err := h.store.CredentialByName("SLACK_WEBHOOK_URL")
	must.NoError(t, err)
	must.NotNil(t, cred.LastUsedAt)
}

func TestExecutor_CredentialUnavailable(t *testing.T) {
	h := newHarness(t)

	// Metadata exists but no value was ever stored.
	_, err := h.store.CreateCredential(&structs.Credential{
		Name: "EMPTY", Type: structs.CredentialTypeAPIKey,
	})
	must.NoError(t, err)

	task := h.createTask(t, "starved", []string{"EMPTY"})
	exec := h.executor(t, "credentials")

	res, err := exec.Execute(context.Background(), task.ID, nil)
	must.NoError(t, err)
	must.False(t, res.Success)
	must.Eq(t, structs.ExecutionStatusFailed, res.Execution.Status)
	must.Eq(t, "credential EMPTY unavailable", res.Error)

	// No usage stamp on failure.
	cred, err := h.store.CredentialByName("EMPTY")
	must.NoError(t, err)
	must.Nil(t, cred.LastUsedAt)
}

func TestExecutor_UndecryptableCredential(t *testing.T) {
	h := newHarness(t)

	_, err := h.store.CreateCredential(&structs.Credential{
		Name: "GARBAGE", Type: structs.CredentialTypeSecret,
	})
	must.NoError(t, err)
	must.NoError(t, h.store.SetCredentialValue("GARBAGE", "definitely-not-a-vault-blob"))

	task := h.createTask(t, "tampered", []string{"GARBAGE"})
	exec := h.executor(t, "credentials")

	res, err := exec.Execute(context.Background(), task.ID, nil)
	must.NoError(t, err)
	must.False(t, res.Success)
	must.Eq(t, "credential GARBAGE unavailable", res.Error)
}

func TestExecutor_ScriptThrow(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "thrower", nil)
	exec := h.executor(t, "throw")

	res, err := exec.Execute(context.Background(), task.ID, nil)
	must.NoError(t, err)
	must.False(t, res.Success)
	must.Eq(t, structs.ExecutionStatusFailed, res.Execution.Status)
	must.Eq(t, "boom from script", res.Error)
	// Console output before the throw is retained.
	must.SliceLen(t, 1, res.Execution.Output.Console)
}

func TestExecutor_UnserializableReturn(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "circular", nil)
	exec := h.executor(t, "unserializable")

	res, err := exec.Execute(context.Background(), task.ID, nil)
	must.NoError(t, err)
	must.False(t, res.Success)
	must.Eq(t, structs.ExecutionStatusFailed, res.Execution.Status)
	must.Eq(t, "return value not serialisable", res.Error)
}

func TestExecutor_Timeout(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "sleeper", nil)
	exec := h.executor(t, "sleep")

	res, err := exec.Execute(context.Background(), task.ID, &Options{TimeoutMs: 100})
	must.NoError(t, err)
	must.False(t, res.Success)
	must.Eq(t, structs.ExecutionStatusTimeout, res.Execution.Status)
	must.StrContains(t, res.Error, "100")
	must.StrContains(t, res.Error, "timeout")

	// The watchdog fired close to the deadline.
	must.True(t, *res.Execution.DurationMs >= 100)
	must.True(t, *res.Execution.DurationMs < 2000)

	// Already-flushed console lines are retained.
	must.SliceLen(t, 1, res.Execution.Output.Console)
	must.Eq(t, "going to sleep", res.Execution.Output.Console[0].Message)
}

func TestExecutor_OutputTruncation(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "spammer", nil)

	exec := New(&Config{
		Store:          h.store,
		Vault:          h.vault,
		Logger:         testlog.HCLogger(t),
		SandboxCommand: stubSandbox("spam"),
		OutputLimit:    4 * 1024, // force truncation
	})

	res, err := exec.Execute(context.Background(), task.ID, nil)
	must.NoError(t, err)
	must.True(t, res.Success)

	console := res.Execution.Output.Console
	must.True(t, len(console) > 0)
	// Oldest lines dropped, newest retained, marker appended.
	must.Eq(t, "[output truncated]", console[len(console)-1].Message)
	must.StrContains(t, console[len(console)-2].Message, "line 199")
	must.StrNotContains(t, console[0].Message, "line 000")

	// The cap bounds what is stored, not an approximation of it: the
	// serialized console stays within the limit plus the marker line.
	raw, err := json.Marshal(console)
	must.NoError(t, err)
	must.True(t, int64(len(raw)) <= 4*1024+256)
}

func TestExecutor_TimeoutKillsProcessGroup(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "forker", nil)
	exec := h.executor(t, "orphan")

	res, err := exec.Execute(context.Background(), task.ID, &Options{TimeoutMs: 200})
	must.NoError(t, err)
	must.Eq(t, structs.ExecutionStatusTimeout, res.Execution.Status)

	// The sandbox reported the pid of the process it spawned before the
	// watchdog fired; that process must go down with the group.
	must.SliceLen(t, 1, res.Execution.Output.Console)
	pid, err := strconv.Atoi(res.Execution.Output.Console[0].Message)
	must.NoError(t, err)

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return processGone(pid) }),
		wait.Timeout(3*time.Second),
		wait.Gap(50*time.Millisecond),
	))
}

// processGone reports that pid is no longer running; an unreaped zombie
// counts as gone.
func processGone(pid int) bool {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(raw))
	return len(fields) > 2 && fields[2] == "Z"
}

func TestExecutor_NoConcurrentRunsPerTask(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "busy", nil)
	exec := h.executor(t, "sleep")

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		res, err := exec.Execute(context.Background(), task.ID, &Options{TimeoutMs: 500})
		if err == nil {
			_ = res
		}
	}()
	<-started
	// Give the first run a moment to acquire the slot.
	for i := 0; i < 100 && !exec.Running(task.ID); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	must.True(t, exec.Running(task.ID))

	_, err := exec.Execute(context.Background(), task.ID, nil)
	must.Error(t, err)
	must.True(t, structs.IsConflict(err))
	<-done
}

func TestExecutor_UnknownTask(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, "echo")

	_, err := exec.Execute(context.Background(), 999, nil)
	must.Error(t, err)
	must.True(t, structs.IsNotFound(err))
}
