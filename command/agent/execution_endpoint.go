// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strconv"
	"time"

	"github.com/automator/automator/helper/pointer"
	"github.com/automator/automator/state"
)

// ExecutionsRequest serves the execution history listing.
func (s *HTTPServer) ExecutionsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	filter, err := parseExecutionFilter(req)
	if err != nil {
		return nil, err
	}
	return s.agent.ListExecutions(filter)
}

// ExecutionSpecificRequest serves one execution record.
func (s *HTTPServer) ExecutionSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	id, action, err := pathID(req, "/v1/execution/")
	if err != nil {
		return nil, err
	}
	if action != "" {
		return nil, CodedError(http.StatusNotFound, "unknown execution action "+action)
	}
	return s.agent.GetExecution(id)
}

func parseExecutionFilter(req *http.Request) (state.ExecutionListFilter, error) {
	var filter state.ExecutionListFilter
	query := req.URL.Query()

	if v := query.Get("taskId"); v != "" {
		taskID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, CodedError(http.StatusBadRequest, "invalid taskId filter")
		}
		filter.TaskID = pointer.Of(taskID)
	}
	filter.Status = query.Get("status")
	for _, span := range []struct {
		param string
		out   **time.Time
	}{
		{"startDate", &filter.StartDate},
		{"endDate", &filter.EndDate},
	} {
		if v := query.Get(span.param); v != "" {
			at, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, CodedError(http.StatusBadRequest, "invalid "+span.param+" filter")
			}
			*span.out = pointer.Of(at)
		}
	}
	for _, num := range []struct {
		param string
		out   *int
	}{
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	} {
		if v := query.Get(num.param); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return filter, CodedError(http.StatusBadRequest, "invalid "+num.param+" filter")
			}
			*num.out = n
		}
	}
	return filter, nil
}
