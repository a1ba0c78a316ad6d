// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/automator/automator/structs"
)

// TemplatesRequest serves the template collection: list and create.
func (s *HTTPServer) TemplatesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.agent.ListTemplates(req.URL.Query().Get("category"))
	case http.MethodPost:
		var tmpl structs.Template
		if err := decodeBody(req, &tmpl); err != nil {
			return nil, err
		}
		return s.agent.CreateTemplate(&tmpl)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

// TemplateSpecificRequest serves one template: get, update, delete.
func (s *HTTPServer) TemplateSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := strings.TrimPrefix(req.URL.Path, "/v1/template/")
	if id == "" || strings.Contains(id, "/") {
		return nil, CodedError(http.StatusBadRequest, "invalid template id")
	}

	switch req.Method {
	case http.MethodGet:
		return s.agent.GetTemplate(id)
	case http.MethodPut:
		var tmpl structs.Template
		if err := decodeBody(req, &tmpl); err != nil {
			return nil, err
		}
		tmpl.ID = id
		return s.agent.UpdateTemplate(&tmpl)
	case http.MethodDelete:
		if err := s.agent.DeleteTemplate(id); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}
