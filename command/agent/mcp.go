// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/automator/automator/helper/pointer"
	"github.com/automator/automator/state"
	"github.com/automator/automator/structs"
	"github.com/automator/automator/version"
)

// mcpProtocolVersion is the MCP revision this server speaks.
const mcpProtocolVersion = "2025-06-18"

// JSON-RPC 2.0 error codes. The -32700..-32600 values are the reserved ones;
// domain error kinds map into the implementation-defined -32000..-32099 range.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

var rpcKindCodes = map[structs.ErrKind]int{
	structs.ErrKindNotFound:              -32004,
	structs.ErrKindConflict:              -32009,
	structs.ErrKindValidation:            rpcInvalidParams,
	structs.ErrKindExecution:             -32010,
	structs.ErrKindTimeout:               -32008,
	structs.ErrKindCredentialUnavailable: -32011,
	structs.ErrKindStorage:               -32012,
	structs.ErrKindInternal:              rpcInternalError,
}

type jsonrpcRequest struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

// mcpTool describes one tool in tools/list and binds its handler.
type mcpTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`

	run func(ctx context.Context, args json.RawMessage) (interface{}, error)
}

// MCPServer serves newline-delimited JSON-RPC 2.0 over a byte stream,
// typically the process stdio. It exposes one tool per control-plane
// operation, delegating to the same agent methods as the HTTP endpoints.
type MCPServer struct {
	agent  *Agent
	logger hclog.Logger

	in  io.Reader
	out io.Writer

	writeLock sync.Mutex
	tools     []*mcpTool
}

// NewMCPServer returns an MCP server reading requests from in and writing
// responses to out.
func NewMCPServer(agent *Agent, in io.Reader, out io.Writer) *MCPServer {
	m := &MCPServer{
		agent:  agent,
		logger: agent.logger.Named("mcp"),
		in:     in,
		out:    out,
	}
	m.tools = m.buildTools()
	return m
}

// Run processes requests until the input stream closes or ctx is cancelled.
func (m *MCPServer) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(m.in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			m.reply(&jsonrpcResponse{
				Version: "2.0",
				Error:   &jsonrpcError{Code: rpcParseError, Message: "parse error"},
			})
			continue
		}
		m.dispatch(ctx, &req)
	}
	return scanner.Err()
}

func (m *MCPServer) dispatch(ctx context.Context, req *jsonrpcRequest) {
	start := time.Now()
	defer func() {
		m.logger.Trace("request complete", "method", req.Method, "duration", time.Since(start))
	}()

	switch req.Method {
	case "initialize":
		m.result(req, map[string]interface{}{
			"protocolVersion": mcpProtocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo": map[string]interface{}{
				"name":    "automatord",
				"version": version.GetVersion().VersionNumber(),
			},
		})
	case "notifications/initialized":
		// Notification; no response.
	case "ping":
		m.result(req, map[string]interface{}{})
	case "tools/list":
		m.result(req, map[string]interface{}{"tools": m.tools})
	case "tools/call":
		m.callTool(ctx, req)
	default:
		m.fail(req, rpcMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (m *MCPServer) callTool(ctx context.Context, req *jsonrpcRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		m.fail(req, rpcInvalidParams, "invalid tools/call params")
		return
	}

	var tool *mcpTool
	for _, t := range m.tools {
		if t.Name == params.Name {
			tool = t
			break
		}
	}
	if tool == nil {
		m.fail(req, rpcInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
		return
	}

	out, err := tool.run(ctx, params.Arguments)
	if err != nil {
		code, ok := rpcKindCodes[structs.KindOf(err)]
		if !ok {
			code = rpcInternalError
		}
		m.fail(req, code, err.Error())
		return
	}

	text, err := json.Marshal(out)
	if err != nil {
		m.fail(req, rpcInternalError, "failed to encode tool result")
		return
	}
	m.result(req, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(text)},
		},
	})
}

func (m *MCPServer) result(req *jsonrpcRequest, result interface{}) {
	if req.ID == nil {
		return
	}
	m.reply(&jsonrpcResponse{Version: "2.0", ID: req.ID, Result: result})
}

func (m *MCPServer) fail(req *jsonrpcRequest, code int, msg string) {
	if req.ID == nil {
		return
	}
	m.reply(&jsonrpcResponse{Version: "2.0", ID: req.ID,
		Error: &jsonrpcError{Code: code, Message: msg}})
}

func (m *MCPServer) reply(resp *jsonrpcResponse) {
	m.writeLock.Lock()
	defer m.writeLock.Unlock()
	enc := json.NewEncoder(m.out)
	if err := enc.Encode(resp); err != nil {
		m.logger.Error("failed to write response", "error", err)
	}
}

// objSchema builds a minimal JSON schema for a tool's arguments.
func objSchema(props map[string]string, required ...string) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	for name, typ := range props {
		properties[name] = map[string]interface{}{"type": typ}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func unmarshalArgs(args json.RawMessage, out interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, out); err != nil {
		return structs.NewErrorf(structs.ErrKindValidation, "invalid arguments: %v", err)
	}
	return nil
}

type idArgs struct {
	ID int64 `json:"id"`
}

type nameArgs struct {
	Name string `json:"name"`
}

func (m *MCPServer) buildTools() []*mcpTool {
	a := m.agent
	return []*mcpTool{
		{
			Name:        "template_list",
			Description: "List script templates, optionally by category.",
			InputSchema: objSchema(map[string]string{"category": "string"}),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in struct {
					Category string `json:"category"`
				}
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				return a.ListTemplates(in.Category)
			},
		},
		{
			Name:        "template_get",
			Description: "Fetch one template by id.",
			InputSchema: objSchema(map[string]string{"id": "string"}, "id"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in struct {
					ID string `json:"id"`
				}
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				return a.GetTemplate(in.ID)
			},
		},
		{
			Name:        "template_create",
			Description: "Create a script template.",
			InputSchema: objSchema(map[string]string{
				"id": "string", "name": "string", "description": "string",
				"category": "string", "code": "string", "paramsSchema": "array",
				"requiredCredentials": "array", "suggestedSchedule": "string",
			}, "name", "code"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var tmpl structs.Template
				if err := unmarshalArgs(args, &tmpl); err != nil {
					return nil, err
				}
				return a.CreateTemplate(&tmpl)
			},
		},
		{
			Name:        "template_update",
			Description: "Replace a template's mutable fields.",
			InputSchema: objSchema(map[string]string{
				"id": "string", "name": "string", "description": "string",
				"category": "string", "code": "string", "paramsSchema": "array",
				"requiredCredentials": "array", "suggestedSchedule": "string",
			}, "id"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var tmpl structs.Template
				if err := unmarshalArgs(args, &tmpl); err != nil {
					return nil, err
				}
				return a.UpdateTemplate(&tmpl)
			},
		},
		{
			Name:        "template_delete",
			Description: "Delete a template that is not builtin and not in use.",
			InputSchema: objSchema(map[string]string{"id": "string"}, "id"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in struct {
					ID string `json:"id"`
				}
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				if err := a.DeleteTemplate(in.ID); err != nil {
					return nil, err
				}
				return map[string]bool{"deleted": true}, nil
			},
		},
		{
			Name:        "task_list",
			Description: "List tasks with optional enabled, templateId, and hasErrors filters.",
			InputSchema: objSchema(map[string]string{
				"enabled": "boolean", "templateId": "string", "hasErrors": "boolean",
			}),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in struct {
					Enabled    *bool  `json:"enabled"`
					TemplateID string `json:"templateId"`
					HasErrors  bool   `json:"hasErrors"`
				}
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				return a.ListTasks(state.TaskListFilter{
					Enabled:    in.Enabled,
					TemplateID: in.TemplateID,
					HasErrors:  in.HasErrors,
				})
			},
		},
		{
			Name:        "task_get",
			Description: "Fetch one task by id.",
			InputSchema: objSchema(map[string]string{"id": "integer"}, "id"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in idArgs
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				return a.GetTask(in.ID)
			},
		},
		{
			Name:        "task_create",
			Description: "Create a task binding a template to params, a schedule, and credential grants.",
			InputSchema: objSchema(map[string]string{
				"templateId": "string", "name": "string", "params": "object",
				"scheduleType": "string", "scheduleValue": "string",
				"credentials": "array", "enabled": "boolean",
			}, "templateId", "name", "scheduleType", "scheduleValue"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var task structs.Task
				if err := unmarshalArgs(args, &task); err != nil {
					return nil, err
				}
				return a.CreateTask(&task)
			},
		},
		{
			Name:        "task_update",
			Description: "Replace a task's definition and reschedule it.",
			InputSchema: objSchema(map[string]string{
				"id": "integer", "templateId": "string", "name": "string",
				"params": "object", "scheduleType": "string", "scheduleValue": "string",
				"credentials": "array", "enabled": "boolean",
			}, "id"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var task structs.Task
				if err := unmarshalArgs(args, &task); err != nil {
					return nil, err
				}
				return a.UpdateTask(&task)
			},
		},
		{
			Name:        "task_delete",
			Description: "Delete a task and its execution history.",
			InputSchema: objSchema(map[string]string{"id": "integer"}, "id"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in idArgs
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				if err := a.DeleteTask(in.ID); err != nil {
					return nil, err
				}
				return map[string]bool{"deleted": true}, nil
			},
		},
		{
			Name:        "task_toggle",
			Description: "Flip a task's enabled flag.",
			InputSchema: objSchema(map[string]string{"id": "integer"}, "id"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in idArgs
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				return a.ToggleTask(in.ID)
			},
		},
		{
			Name:        "task_execute",
			Description: "Run a task once, synchronously, outside the scheduler.",
			InputSchema: objSchema(map[string]string{"id": "integer", "timeoutMs": "integer"}, "id"),
			run: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
				var in struct {
					ID        int64 `json:"id"`
					TimeoutMs int64 `json:"timeoutMs"`
				}
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				return a.ExecuteTask(ctx, in.ID, in.TimeoutMs)
			},
		},
		{
			Name:        "execution_list",
			Description: "List execution history, newest first, with paging.",
			InputSchema: objSchema(map[string]string{
				"taskId": "integer", "status": "string", "startDate": "string",
				"endDate": "string", "limit": "integer", "offset": "integer",
			}),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in struct {
					TaskID    *int64 `json:"taskId"`
					Status    string `json:"status"`
					StartDate string `json:"startDate"`
					EndDate   string `json:"endDate"`
					Limit     int    `json:"limit"`
					Offset    int    `json:"offset"`
				}
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				filter := state.ExecutionListFilter{
					TaskID: in.TaskID,
					Status: in.Status,
					Limit:  in.Limit,
					Offset: in.Offset,
				}
				for _, span := range []struct {
					value string
					out   **time.Time
				}{
					{in.StartDate, &filter.StartDate},
					{in.EndDate, &filter.EndDate},
				} {
					if span.value == "" {
						continue
					}
					at, err := time.Parse(time.RFC3339, span.value)
					if err != nil {
						return nil, structs.NewErrorf(structs.ErrKindValidation,
							"invalid date %q", span.value)
					}
					*span.out = pointer.Of(at)
				}
				return a.ListExecutions(filter)
			},
		},
		{
			Name:        "execution_get",
			Description: "Fetch one execution record by id.",
			InputSchema: objSchema(map[string]string{"id": "integer"}, "id"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in idArgs
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				return a.GetExecution(in.ID)
			},
		},
		{
			Name:        "credential_list",
			Description: "List credential metadata with value status. Values are never returned.",
			InputSchema: objSchema(map[string]string{}),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				return a.ListCredentials()
			},
		},
		{
			Name:        "credential_create",
			Description: "Create credential metadata, optionally storing an encrypted value.",
			InputSchema: objSchema(map[string]string{
				"name": "string", "type": "string", "description": "string", "value": "string",
			}, "name", "type"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in CredentialCreateRequest
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				return a.CreateCredential(&in)
			},
		},
		{
			Name:        "credential_set_value",
			Description: "Set or replace a credential's encrypted value.",
			InputSchema: objSchema(map[string]string{"name": "string", "value": "string"}, "name", "value"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				}
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				if err := a.SetCredentialValue(in.Name, in.Value); err != nil {
					return nil, err
				}
				return map[string]bool{"updated": true}, nil
			},
		},
		{
			Name:        "credential_clear_value",
			Description: "Clear a credential's value, keeping the metadata.",
			InputSchema: objSchema(map[string]string{"name": "string"}, "name"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in nameArgs
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				if err := a.ClearCredentialValue(in.Name); err != nil {
					return nil, err
				}
				return map[string]bool{"cleared": true}, nil
			},
		},
		{
			Name:        "credential_delete",
			Description: "Delete a credential that no task references.",
			InputSchema: objSchema(map[string]string{"id": "integer"}, "id"),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				var in idArgs
				if err := unmarshalArgs(args, &in); err != nil {
					return nil, err
				}
				if err := a.DeleteCredential(in.ID); err != nil {
					return nil, err
				}
				return map[string]bool{"deleted": true}, nil
			},
		},
		{
			Name:        "system_status",
			Description: "Report scheduler state, entity counts, recent activity, and uptime.",
			InputSchema: objSchema(map[string]string{}),
			run: func(_ context.Context, args json.RawMessage) (interface{}, error) {
				return a.Status()
			},
		},
	}
}
