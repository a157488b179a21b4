// Package rpc exposes the service's JSON-RPC 2.0 surface over HTTP,
// along with a webhook receiver simulator for manual testing.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/johnafariogun/github-app/internal/api"
	"github.com/johnafariogun/github-app/internal/db"
	"github.com/johnafariogun/github-app/internal/models"
	"github.com/johnafariogun/github-app/internal/repoid"
	"github.com/johnafariogun/github-app/internal/tracker"
)

// JSON-RPC error codes. The -32000 range carries the service's own
// taxonomy; the rest are standard.
const (
	codeParseError        = -32700
	codeMethodNotFound    = -32601
	codeInvalidParams     = -32602
	codeInternalError     = -32603
	codeSourceUnavailable = -32001
	codeNotFound          = -32002
)

// Tracker is the on-demand fetch/retrieval surface used by the server.
type Tracker interface {
	FetchIssues(ctx context.Context, repoURL string) (*tracker.FetchResult, error)
	GetIssues(ctx context.Context, trackingID, state, label string) ([]models.Issue, error)
}

// Monitors registers polling loops.
type Monitors interface {
	Start(owner, repo, webhookURL string, interval time.Duration) bool
}

// Server dispatches JSON-RPC requests to the tracker service and monitor
// supervisor.
type Server struct {
	tracker      Tracker
	monitors     Monitors
	pollInterval time.Duration
	log          zerolog.Logger
}

// NewServer creates a server. defaultPollInterval applies when
// schedule_monitor omits poll_interval.
func NewServer(t Tracker, m Monitors, defaultPollInterval time.Duration, log zerolog.Logger) *Server {
	if defaultPollInterval <= 0 {
		defaultPollInterval = 60 * time.Second
	}
	return &Server{
		tracker:      t,
		monitors:     m,
		pollInterval: defaultPollInterval,
		log:          log,
	}
}

// Handler returns the HTTP handler: POST /rpc for the JSON-RPC endpoint,
// POST /webhook-sim as a logging webhook receiver, GET /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/webhook-sim", s.handleWebhookSim)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	return mux
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error"},
			ID:      json.RawMessage("null"),
		})
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) dispatch(ctx context.Context, req *rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "fetch_issues":
		return s.fetchIssues(ctx, req.Params)
	case "get_issues":
		return s.getIssues(ctx, req.Params)
	case "schedule_monitor":
		return s.scheduleMonitor(req.Params)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (s *Server) fetchIssues(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		RepoURL string `json:"repo_url"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.RepoURL == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "repo_url is required"}
	}

	result, err := s.tracker.FetchIssues(ctx, p.RepoURL)
	if err != nil {
		return nil, s.errorFor(err)
	}

	return map[string]any{
		"message":  "Issues fetched and stored successfully",
		"count":    result.Count,
		"fetch_op": result.Op,
	}, nil
}

func (s *Server) getIssues(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		TrackingID string `json:"tracking_id"`
		State      string `json:"state"`
		Label      string `json:"label"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.TrackingID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tracking_id is required"}
	}

	issues, err := s.tracker.GetIssues(ctx, p.TrackingID, p.State, p.Label)
	if err != nil {
		return nil, s.errorFor(err)
	}
	if issues == nil {
		issues = []models.Issue{}
	}

	return map[string]any{
		"message": "Issues retrieved successfully",
		"count":   len(issues),
		"issues":  issues,
	}, nil
}

func (s *Server) scheduleMonitor(params json.RawMessage) (any, *rpcError) {
	var p struct {
		RepoURL      string `json:"repo_url"`
		WebhookURL   string `json:"webhook_url"`
		PollInterval int    `json:"poll_interval"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.RepoURL == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "repo_url is required"}
	}
	if p.WebhookURL == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "webhook_url is required"}
	}

	owner, repo, err := repoid.Parse(p.RepoURL)
	if err != nil {
		return nil, s.errorFor(err)
	}

	interval := s.pollInterval
	if p.PollInterval > 0 {
		interval = time.Duration(p.PollInterval) * time.Second
	}

	status := "already_monitoring"
	if s.monitors.Start(owner, repo, p.WebhookURL, interval) {
		status = "monitoring_started"
	}

	return map[string]any{
		"status":  status,
		"repo":    repoid.FullName(owner, repo),
		"webhook": p.WebhookURL,
	}, nil
}

func unmarshalParams(params json.RawMessage, dst any) *rpcError {
	if len(params) == 0 {
		return &rpcError{Code: codeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// errorFor maps the service error taxonomy onto JSON-RPC error objects.
// Internal detail is logged, never exposed to the caller.
func (s *Server) errorFor(err error) *rpcError {
	var srcErr *api.SourceError
	switch {
	case errors.Is(err, repoid.ErrInvalidIdentifier):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	case errors.Is(err, db.ErrNotFound):
		return &rpcError{Code: codeNotFound, Message: "invalid tracking ID"}
	case errors.As(err, &srcErr):
		return &rpcError{Code: codeSourceUnavailable, Message: srcErr.Error()}
	default:
		s.log.Error().Err(err).Msg("internal error")
		return &rpcError{Code: codeInternalError, Message: "internal error"}
	}
}

// handleWebhookSim logs and echoes any webhook payload it receives, so
// schedule_monitor can be exercised without an external receiver.
func (s *Server) handleWebhookSim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		return
	}

	s.log.Info().Interface("payload", payload).Msg("webhook-sim received payload")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "received",
		"payload": payload,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
