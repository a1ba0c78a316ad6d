// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strconv"

	"github.com/automator/automator/helper/pointer"
	"github.com/automator/automator/state"
	"github.com/automator/automator/structs"
)

// TasksRequest serves the task collection: list and create.
func (s *HTTPServer) TasksRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		filter, err := parseTaskFilter(req)
		if err != nil {
			return nil, err
		}
		return s.agent.ListTasks(filter)
	case http.MethodPost:
		var task structs.Task
		if err := decodeBody(req, &task); err != nil {
			return nil, err
		}
		return s.agent.CreateTask(&task)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

// TaskSpecificRequest serves one task: get, update, delete, and the toggle and
// execute actions.
func (s *HTTPServer) TaskSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id, action, err := pathID(req, "/v1/task/")
	if err != nil {
		return nil, err
	}

	switch action {
	case "":
		return s.taskCRUD(req, id)
	case "toggle":
		if req.Method != http.MethodPost {
			return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
		}
		return s.agent.ToggleTask(id)
	case "execute":
		if req.Method != http.MethodPost {
			return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
		}
		var opts struct {
			TimeoutMs int64 `json:"timeoutMs"`
		}
		if req.ContentLength > 0 {
			if err := decodeBody(req, &opts); err != nil {
				return nil, err
			}
		}
		return s.agent.ExecuteTask(req.Context(), id, opts.TimeoutMs)
	default:
		return nil, CodedError(http.StatusNotFound, "unknown task action "+action)
	}
}

func (s *HTTPServer) taskCRUD(req *http.Request, id int64) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.agent.GetTask(id)
	case http.MethodPut:
		var task structs.Task
		if err := decodeBody(req, &task); err != nil {
			return nil, err
		}
		task.ID = id
		return s.agent.UpdateTask(&task)
	case http.MethodDelete:
		if err := s.agent.DeleteTask(id); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func parseTaskFilter(req *http.Request) (state.TaskListFilter, error) {
	var filter state.TaskListFilter
	query := req.URL.Query()
	if v := query.Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return filter, CodedError(http.StatusBadRequest, "invalid enabled filter")
		}
		filter.Enabled = pointer.Of(enabled)
	}
	filter.TemplateID = query.Get("templateId")
	if v := query.Get("hasErrors"); v != "" {
		hasErrors, err := strconv.ParseBool(v)
		if err != nil {
			return filter, CodedError(http.StatusBadRequest, "invalid hasErrors filter")
		}
		filter.HasErrors = hasErrors
	}
	return filter, nil
}
