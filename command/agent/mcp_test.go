// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/automator/automator/structs"
)

// runMCP feeds the server one line per request and returns the decoded
// responses in order.
func runMCP(t *testing.T, a *Agent, lines ...string) []*jsonrpcResponse {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	srv := NewMCPServer(a, in, &out)
	must.NoError(t, srv.Run(context.Background()))

	var responses []*jsonrpcResponse
	dec := json.NewDecoder(&out)
	for dec.More() {
		var resp jsonrpcResponse
		must.NoError(t, dec.Decode(&resp))
		responses = append(responses, &resp)
	}
	return responses
}

func rpc(id int, method string, params interface{}) string {
	req := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	raw, _ := json.Marshal(req)
	return string(raw)
}

func toolCall(id int, name string, args interface{}) string {
	return rpc(id, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
}

// toolText decodes the text content of a tools/call result into out.
func toolText(t *testing.T, resp *jsonrpcResponse, out interface{}) {
	t.Helper()
	must.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	must.NoError(t, err)
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	must.NoError(t, json.Unmarshal(raw, &result))
	must.SliceLen(t, 1, result.Content)
	must.Eq(t, "text", result.Content[0].Type)
	must.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), out))
}

func TestMCP_Initialize(t *testing.T) {
	a := testAgent(t, nil)

	responses := runMCP(t, a,
		rpc(1, "initialize", map[string]interface{}{"protocolVersion": mcpProtocolVersion}),
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		rpc(2, "ping", nil),
	)

	// The notification produces no response.
	must.SliceLen(t, 2, responses)
	must.Nil(t, responses[0].Error)

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	raw, err := json.Marshal(responses[0].Result)
	must.NoError(t, err)
	must.NoError(t, json.Unmarshal(raw, &init))
	must.Eq(t, mcpProtocolVersion, init.ProtocolVersion)
	must.Eq(t, "automatord", init.ServerInfo.Name)
}

func TestMCP_ToolsList(t *testing.T) {
	a := testAgent(t, nil)

	responses := runMCP(t, a, rpc(1, "tools/list", nil))
	must.SliceLen(t, 1, responses)
	must.Nil(t, responses[0].Error)

	raw, err := json.Marshal(responses[0].Result)
	must.NoError(t, err)
	var result struct {
		Tools []struct {
			Name        string                 `json:"name"`
			InputSchema map[string]interface{} `json:"inputSchema"`
		} `json:"tools"`
	}
	must.NoError(t, json.Unmarshal(raw, &result))

	names := make(map[string]bool, len(result.Tools))
	for _, tool := range result.Tools {
		names[tool.Name] = true
		must.Eq(t, "object", tool.InputSchema["type"])
	}
	for _, want := range []string{
		"template_list", "task_create", "task_execute", "execution_list",
		"credential_create", "credential_set_value", "system_status",
	} {
		must.True(t, names[want], must.Sprintf("missing tool %s", want))
	}
}

func TestMCP_TaskRoundTrip(t *testing.T) {
	a := testAgent(t, nil)

	responses := runMCP(t, a,
		toolCall(1, "task_create", mockTaskBody("mcp-task")),
	)
	must.SliceLen(t, 1, responses)

	task := &structs.Task{}
	toolText(t, responses[0], task)
	must.Positive(t, task.ID)
	must.NotNil(t, task.NextRunAt)

	responses = runMCP(t, a,
		toolCall(1, "task_execute", map[string]interface{}{"id": task.ID}),
		toolCall(2, "task_toggle", map[string]interface{}{"id": task.ID}),
		toolCall(3, "system_status", nil),
	)
	must.SliceLen(t, 3, responses)

	var res struct {
		Success   bool               `json:"success"`
		Execution *structs.Execution `json:"execution"`
	}
	toolText(t, responses[0], &res)
	must.True(t, res.Success)
	must.Eq(t, structs.ExecutionStatusSuccess, res.Execution.Status)

	toggled := &structs.Task{}
	toolText(t, responses[1], toggled)
	must.False(t, toggled.Enabled)

	status := &StatusResponse{}
	toolText(t, responses[2], status)
	must.Eq(t, 1, status.Counts.Tasks)
}

func TestMCP_ErrorMapping(t *testing.T) {
	a := testAgent(t, nil)

	responses := runMCP(t, a,
		rpc(1, "no/such/method", nil),
		toolCall(2, "no_such_tool", nil),
		toolCall(3, "task_get", map[string]interface{}{"id": 999}),
		toolCall(4, "task_create", map[string]interface{}{
			"templateId": "log-message", "name": "bad",
			"scheduleType": "interval", "scheduleValue": "zero",
			"params": map[string]interface{}{"message": "x"},
		}),
		`this is not json`,
	)
	must.SliceLen(t, 5, responses)

	must.NotNil(t, responses[0].Error)
	must.Eq(t, rpcMethodNotFound, responses[0].Error.Code)

	must.NotNil(t, responses[1].Error)
	must.Eq(t, rpcInvalidParams, responses[1].Error.Code)

	must.NotNil(t, responses[2].Error)
	must.Eq(t, rpcKindCodes[structs.ErrKindNotFound], responses[2].Error.Code)

	must.NotNil(t, responses[3].Error)
	must.Eq(t, rpcInvalidParams, responses[3].Error.Code)

	must.NotNil(t, responses[4].Error)
	must.Eq(t, rpcParseError, responses[4].Error.Code)
}

func TestMCP_TemplateCreate_GeneratedID(t *testing.T) {
	a := testAgent(t, nil)

	responses := runMCP(t, a,
		toolCall(1, "template_create", map[string]interface{}{
			"name": "no id supplied", "code": "console.log('hi')",
		}),
	)
	must.SliceLen(t, 1, responses)

	tmpl := &structs.Template{}
	toolText(t, responses[0], tmpl)
	must.NotEq(t, "", tmpl.ID)
	must.False(t, tmpl.IsBuiltin)

	got, err := a.GetTemplate(tmpl.ID)
	must.NoError(t, err)
	must.Eq(t, "no id supplied", got.Name)
}

func TestMCP_CredentialValueNeverReturned(t *testing.T) {
	a := testAgent(t, nil)

	const secret = "mcp-only-secret"
	responses := runMCP(t, a,
		toolCall(1, "credential_create", map[string]interface{}{
			"name": "HOOK", "type": structs.CredentialTypeSecret, "value": secret,
		}),
		toolCall(2, "credential_list", nil),
	)
	must.SliceLen(t, 2, responses)
	for _, resp := range responses {
		must.Nil(t, resp.Error)
		raw, err := json.Marshal(resp.Result)
		must.NoError(t, err)
		must.StrNotContains(t, string(raw), secret)
	}

	var stubs []*structs.CredentialStub
	toolText(t, responses[1], &stubs)
	must.SliceLen(t, 1, stubs)
	must.True(t, stubs[0].HasValue)
}
