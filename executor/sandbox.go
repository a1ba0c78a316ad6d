// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/armon/circbuf"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/automator/automator/structs"
)

// stderrBufSize bounds captured interpreter stderr (syntax errors, crashes).
const stderrBufSize = 16 * 1024

// sandboxRequest is written to the interpreter's stdin as a single JSON
// document. The script sees exactly params, credentials, and console; the
// store and vault are out of reach by construction since only plaintext
// values cross the pipe.
type sandboxRequest struct {
	Code        string                 `json:"code"`
	Params      map[string]interface{} `json:"params"`
	Credentials map[string]string      `json:"credentials"`
}

// sandboxEvent is one NDJSON line on the interpreter's stdout.
type sandboxEvent struct {
	Type    string          `json:"type"` // console | result | error
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// sandboxResult is the digested outcome of one interpreter run.
type sandboxResult struct {
	Console        []structs.ConsoleLine
	ReturnValue    json.RawMessage
	ScriptErr      string // non-empty when the script threw
	Unserializable bool
	TimedOut       bool
}

// consoleBuffer accumulates console lines under an aggregate byte budget.
// Overflow drops the oldest lines and appends a single truncation marker at
// the end of the capture.
type consoleBuffer struct {
	lines     []structs.ConsoleLine
	sizes     []int
	total     int64
	limit     int64
	truncated bool
}

func newConsoleBuffer(limit int64) *consoleBuffer {
	return &consoleBuffer{limit: limit}
}

func (b *consoleBuffer) append(line structs.ConsoleLine) {
	// Budget what actually gets stored: the serialized line plus a separator.
	enc, _ := json.Marshal(line)
	size := len(enc) + 1
	b.lines = append(b.lines, line)
	b.sizes = append(b.sizes, size)
	b.total += int64(size)
	for b.total > b.limit && len(b.lines) > 1 {
		b.total -= int64(b.sizes[0])
		b.lines = b.lines[1:]
		b.sizes = b.sizes[1:]
		b.truncated = true
	}
}

func (b *consoleBuffer) snapshot(now time.Time) []structs.ConsoleLine {
	out := b.lines
	if b.truncated {
		out = append(out, structs.ConsoleLine{
			Level:     "warn",
			Timestamp: now.UTC(),
			Message:   "[output truncated]",
		})
	}
	return out
}

// runSandbox launches the interpreter, feeds it the request, and collects
// events until the process exits or ctx expires. The returned error covers
// infrastructure failures only; script failures come back in the result.
func runSandbox(ctx context.Context, logger hclog.Logger, argv []string,
	req *sandboxRequest, outputLimit int64) (*sandboxResult, error) {

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	setupProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox stdout: %w", err)
	}
	stderr, _ := circbuf.NewBuffer(stderrBufSize)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start sandbox %q: %w", argv[0], err)
	}

	// Feed the request and close stdin so interpreters that read to EOF make
	// progress.
	go func() {
		enc := json.NewEncoder(stdin)
		if err := enc.Encode(req); err != nil {
			logger.Debug("failed writing sandbox request", "error", err)
		}
		stdin.Close()
	}()

	res := &sandboxResult{}
	console := newConsoleBuffer(outputLimit)
	sawResult := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			// The watchdog fired: stop observing output. Lines already
			// flushed into the buffer are retained.
			break
		}
		var ev sandboxEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// Stray prints from the interpreter itself; keep them visible.
			console.append(structs.ConsoleLine{
				Level: "log", Timestamp: time.Now().UTC(), Message: scanner.Text(),
			})
			continue
		}
		switch ev.Type {
		case "console":
			level := ev.Level
			switch level {
			case "log", "warn", "error":
			default:
				level = "log"
			}
			console.append(structs.ConsoleLine{
				Level: level, Timestamp: time.Now().UTC(), Message: ev.Message,
			})
		case "result":
			res.ReturnValue = append(json.RawMessage(nil), ev.Value...)
			sawResult = true
		case "error":
			if ev.Code == "unserializable" {
				res.Unserializable = true
			}
			res.ScriptErr = ev.Message
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && err != io.ErrClosedPipe {
		logger.Debug("sandbox stdout read error", "error", err)
	}

	waitErr := cmd.Wait()
	res.Console = console.snapshot(time.Now())

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, nil
	}
	if waitErr != nil && res.ScriptErr == "" && !sawResult {
		// The interpreter died without reporting: surface whatever stderr
		// it left behind.
		msg := string(stderr.Bytes())
		if msg == "" {
			msg = waitErr.Error()
		}
		res.ScriptErr = fmt.Sprintf("sandbox exited abnormally: %s", msg)
	}
	return res, nil
}

// nodeHarness is the bootstrap passed to `node -e`. It reads the request from
// stdin, evaluates the user script inside an async function whose only
// bindings are params, credentials, console, and sleep, and reports events as
// NDJSON on the real stdout. fetch and setTimeout come from the node runtime.
const nodeHarness = `
const chunks = [];
process.stdin.on("data", (c) => chunks.push(c));
process.stdin.on("end", async () => {
  const emit = (ev) => process.stdout.write(JSON.stringify(ev) + "\n");
  let req;
  try {
    req = JSON.parse(Buffer.concat(chunks).toString("utf8"));
  } catch (err) {
    emit({ type: "error", message: "bad request: " + err.message });
    process.exit(1);
  }
  const console2 = {
    log: (...a) => emit({ type: "console", level: "log", message: a.join(" ") }),
    warn: (...a) => emit({ type: "console", level: "warn", message: a.join(" ") }),
    error: (...a) => emit({ type: "console", level: "error", message: a.join(" ") }),
  };
  const sleep = (ms) => new Promise((r) => setTimeout(r, ms));
  try {
    const AsyncFunction = Object.getPrototypeOf(async function () {}).constructor;
    const fn = new AsyncFunction("params", "credentials", "console", "sleep", req.code);
    const value = await fn(req.params || {}, req.credentials || {}, console2, sleep);
    let encoded;
    try {
      encoded = value === undefined ? undefined : JSON.stringify(value);
    } catch (err) {
      emit({ type: "error", code: "unserializable", message: "return value not serialisable" });
      process.exit(0);
    }
    if (encoded === undefined) {
      emit({ type: "result" });
    } else {
      emit({ type: "result", value: JSON.parse(encoded) });
    }
    process.exit(0);
  } catch (err) {
    emit({ type: "error", message: err && err.message ? err.message : String(err) });
    process.exit(0);
  }
});
`

// defaultSandboxCommand runs the embedded harness under node.
func defaultSandboxCommand() []string {
	return []string{"node", "-e", nodeHarness}
}
