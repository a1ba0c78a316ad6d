// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
)

// StatusRequest serves the system status document.
func (s *HTTPServer) StatusRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	return s.agent.Status()
}

// HealthRequest is the liveness probe. It stays reachable without a token so
// process supervisors can poll it.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if err := s.agent.store.Ping(); err != nil {
		return nil, CodedError(http.StatusServiceUnavailable, "database unreachable")
	}
	return map[string]string{"status": "ok"}, nil
}
