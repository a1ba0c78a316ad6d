// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strconv"
	"strings"
)

// CredentialsRequest serves the credential collection: list and create. The
// listing carries metadata and hasValue only; plaintext and ciphertext never
// appear in any response.
func (s *HTTPServer) CredentialsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.agent.ListCredentials()
	case http.MethodPost:
		var create CredentialCreateRequest
		if err := decodeBody(req, &create); err != nil {
			return nil, err
		}
		return s.agent.CreateCredential(&create)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

// CredentialSpecificRequest serves per-credential operations:
//
//	DELETE /v1/credential/{id}          delete (guarded by referencing tasks)
//	PUT    /v1/credential/{name}/value  set or replace the value
//	DELETE /v1/credential/{name}/value  clear the value, keep the metadata
func (s *HTTPServer) CredentialSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	rest := strings.TrimPrefix(req.URL.Path, "/v1/credential/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		return nil, CodedError(http.StatusBadRequest, "missing credential identifier")
	}

	switch action {
	case "":
		if req.Method != http.MethodDelete {
			return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
		}
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			return nil, CodedError(http.StatusBadRequest, "credential delete takes a numeric id")
		}
		if err := s.agent.DeleteCredential(id); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil

	case "value":
		switch req.Method {
		case http.MethodPut:
			var body struct {
				Value string `json:"value"`
			}
			if err := decodeBody(req, &body); err != nil {
				return nil, err
			}
			if err := s.agent.SetCredentialValue(name, body.Value); err != nil {
				return nil, err
			}
			return map[string]bool{"updated": true}, nil
		case http.MethodDelete:
			if err := s.agent.ClearCredentialValue(name); err != nil {
				return nil, err
			}
			return map[string]bool{"cleared": true}, nil
		default:
			return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
		}

	default:
		return nil, CodedError(http.StatusNotFound, "unknown credential action "+action)
	}
}
