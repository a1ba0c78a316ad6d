// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/automator/automator/structs"
)

// ErrInvalidMethod is used if the HTTP method is not supported.
const ErrInvalidMethod = "Invalid method"

// allowCORS sets permissive CORS headers; the daemon binds to loopback by
// default so the browser client is the expected caller.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET", "POST", "PUT", "DELETE"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer wraps an Agent and exposes it over an HTTP interface.
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string
}

// NewHTTPServer starts a new HTTP server over the agent.
func NewHTTPServer(agent *Agent) (*HTTPServer, error) {
	addr := fmt.Sprintf("%s:%d", agent.config.BindAddr, agent.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	srv := &HTTPServer{
		agent:      agent,
		mux:        mux,
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers(agent.config.EnableDebug)

	var handler http.Handler = mux
	if agent.config.AuthEnabled() {
		handler = srv.requireToken(handler)
	}
	handler = allowCORS.Handler(handler)
	handler = handlers.CombinedLoggingHandler(
		srv.logger.StandardWriter(&hclog.StandardLoggerOptions{ForceLevel: hclog.Trace}),
		handler)

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, handler)
	}()

	srv.logger.Info("http server started", "address", srv.Addr)
	return srv, nil
}

// Shutdown closes the listener and blocks until http.Serve has returned.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh
	}
}

// registerHandlers attaches the endpoint handlers to the mux.
func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/v1/templates", s.wrap(s.TemplatesRequest))
	s.mux.HandleFunc("/v1/template/", s.wrap(s.TemplateSpecificRequest))

	s.mux.HandleFunc("/v1/tasks", s.wrap(s.TasksRequest))
	s.mux.HandleFunc("/v1/task/", s.wrap(s.TaskSpecificRequest))

	s.mux.HandleFunc("/v1/executions", s.wrap(s.ExecutionsRequest))
	s.mux.HandleFunc("/v1/execution/", s.wrap(s.ExecutionSpecificRequest))

	s.mux.HandleFunc("/v1/credentials", s.wrap(s.CredentialsRequest))
	s.mux.HandleFunc("/v1/credential/", s.wrap(s.CredentialSpecificRequest))

	s.mux.HandleFunc("/v1/system/status", s.wrap(s.StatusRequest))
	s.mux.HandleFunc("/v1/system/health", s.wrap(s.HealthRequest))

	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// requireToken enforces the bearer token on every endpoint except the health
// probe.
func (s *HTTPServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v1/system/health" {
			next.ServeHTTP(resp, req)
			return
		}
		auth := req.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != s.agent.config.APIToken {
			resp.Header().Set("Content-Type", "application/json")
			resp.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(resp).Encode(errorResponse{Error: "missing or invalid bearer token"})
			return
		}
		next.ServeHTTP(resp, req)
	})
}

// HTTPCodedError is an error that carries its HTTP status code.
type HTTPCodedError interface {
	error
	Code() int
}

// CodedError returns an HTTPCodedError with the given status.
func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// errorCode maps an error to an HTTP status. Coded errors win; everything else
// goes through the error-kind table.
func errorCode(err error) (int, string) {
	if coded, ok := err.(HTTPCodedError); ok {
		return coded.Code(), ""
	}
	kind := structs.KindOf(err)
	switch kind {
	case structs.ErrKindNotFound:
		return http.StatusNotFound, string(kind)
	case structs.ErrKindConflict:
		return http.StatusConflict, string(kind)
	case structs.ErrKindValidation:
		return http.StatusBadRequest, string(kind)
	case structs.ErrKindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	case structs.ErrKindCredentialUnavailable, structs.ErrKindExecution:
		return http.StatusUnprocessableEntity, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}

// wrap turns an (object, error) handler into an http.HandlerFunc that writes
// JSON and maps errors to status codes.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) http.HandlerFunc {
	return func(resp http.ResponseWriter, req *http.Request) {
		start := time.Now()
		defer func() {
			s.logger.Trace("request complete", "method", req.Method,
				"path", req.URL.Path, "duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code, kind := errorCode(err)
			if code >= 500 {
				s.logger.Error("request failed", "method", req.Method,
					"path", req.URL.Path, "error", err)
			}
			resp.Header().Set("Content-Type", "application/json")
			resp.WriteHeader(code)
			json.NewEncoder(resp).Encode(errorResponse{Error: err.Error(), Kind: kind})
			return
		}

		if obj != nil {
			buf, err := json.Marshal(obj)
			if err != nil {
				resp.WriteHeader(http.StatusInternalServerError)
				resp.Write([]byte(err.Error()))
				return
			}
			resp.Header().Set("Content-Type", "application/json")
			resp.Write(buf)
		}
	}
}

// decodeBody decodes a JSON request body.
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(out); err != nil {
		return CodedError(http.StatusBadRequest, fmt.Sprintf("failed to decode request body: %v", err))
	}
	return nil
}

// pathID extracts a numeric id from the path segment after prefix.
func pathID(req *http.Request, prefix string) (int64, string, error) {
	rest := strings.TrimPrefix(req.URL.Path, prefix)
	segment, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(segment, 10, 64)
	if err != nil {
		return 0, "", CodedError(http.StatusBadRequest, fmt.Sprintf("invalid id %q", segment))
	}
	return id, action, nil
}

// MetricsRequest exposes the in-memory metrics sink.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	return s.agent.inmemSink.DisplayMetrics(resp, req)
}
