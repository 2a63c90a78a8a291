// Package api implements the HTTP and WebSocket surface of the agent:
// chat turns, run cancellation, confirmation delivery, and a live
// event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/agentcore/internal/agent"
	"github.com/nugget/agentcore/internal/buildinfo"
	"github.com/nugget/agentcore/internal/confirm"
	"github.com/nugget/agentcore/internal/connwatch"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/provider"
	"github.com/nugget/agentcore/internal/usage"
)

// DefaultSession is used when a chat request names no session.
const DefaultSession = "default"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner executes and cancels agent runs.
type Runner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
	Cancel(runID string) bool
	ActiveRuns() []string
}

// Confirmer delivers resume signals to suspended runs.
type Confirmer interface {
	Resolve(confirmID string, approved bool) bool
	Pending() []confirm.Request
}

// Providers reports provider state for the health endpoint.
type Providers interface {
	Current() (provider.Provider, error)
	Statuses() []connwatch.Status
}

// Usage answers token usage queries.
type Usage interface {
	Summary(ctx context.Context, start, end time.Time) (usage.Summary, error)
	SummaryBy(ctx context.Context, g usage.Grouping, start, end time.Time) (map[string]usage.Summary, error)
	RunRecords(ctx context.Context, runID string) ([]usage.Record, error)
}

// Config holds the server's collaborators. Bus may be nil, which
// disables the event stream; Usage may be nil, which disables the
// usage endpoints.
type Config struct {
	Address   string
	Port      int
	Runner    Runner
	Confirmer Confirmer
	Providers Providers
	Usage     Usage
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	runner    Runner
	confirmer Confirmer
	providers Providers
	usage     Usage
	bus       *events.Bus
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   cfg.Address,
		port:      cfg.Port,
		runner:    cfg.Runner,
		confirmer: cfg.Confirmer,
		providers: cfg.Providers,
		usage:     cfg.Usage,
		bus:       cfg.Bus,
		logger:    logger,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/runs", s.handleRuns)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/runs/{id}/usage", s.handleRunUsage)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("POST /v1/confirm", s.handleConfirm)
	mux.HandleFunc("GET /v1/confirmations", s.handleConfirmations)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.traceBody(r)
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "agentcore",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse reports the active provider and watcher state.
type HealthResponse struct {
	Status    string             `json:"status"`
	Provider  string             `json:"provider"`
	Model     string             `json:"model"`
	Providers []connwatch.Status `json:"providers"`
	Uptime    string             `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Uptime: buildinfo.Uptime().Round(time.Second).String()}
	if s.providers != nil {
		cur, err := s.providers.Current()
		resp.Provider, resp.Model = cur.Name, cur.Model
		if err != nil {
			resp.Status = "degraded"
		}
		resp.Providers = s.providers.Statuses()
		for _, st := range resp.Providers {
			if st.Name == cur.Name && st.Checked && !st.Ready {
				resp.Status = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// ErrorBody is the error envelope of every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable kind and a message.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, ErrorBody{Error: ErrorDetail{Kind: kind, Message: message}}, s.logger)
}

// runErrorStatus maps a run failure to an HTTP status and kind.
func runErrorStatus(err error) (int, string) {
	var re *agent.RunError
	if !errors.As(err, &re) {
		return http.StatusInternalServerError, "internal"
	}
	switch re.Kind {
	case agent.ErrKindProvider:
		return http.StatusBadGateway, string(re.Kind)
	case agent.ErrKindTooManySteps:
		return http.StatusUnprocessableEntity, string(re.Kind)
	case agent.ErrKindCancelled:
		return http.StatusConflict, string(re.Kind)
	}
	return http.StatusInternalServerError, string(re.Kind)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.runner.ActiveRuns()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"runs": runs, "count": len(runs)}, s.logger)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.runner.Cancel(id) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "no active run "+id)
		return
	}
	s.logger.Info("run cancelled via API", "run_id", id)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"run_id": id, "cancelled": true}, s.logger)
}

// ConfirmRequest is the body of POST /v1/confirm.
type ConfirmRequest struct {
	ConfirmID string `json:"confirm_id"`
	Approved  bool   `json:"approved"`
}

// handleConfirm delivers a resume signal. The response is 202 whether
// or not the ID matched a pending request; repeats are harmless.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.ConfirmID == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "confirm_id is required")
		return
	}

	matched := s.confirmer.Resolve(req.ConfirmID, req.Approved)
	s.logger.Info("confirmation received via API",
		"confirm_id", req.ConfirmID,
		"approved", req.Approved,
		"matched", matched,
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"confirm_id": req.ConfirmID, "matched": matched}, s.logger)
}

func (s *Server) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	pending := s.confirmer.Pending()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"pending": pending, "count": len(pending)}, s.logger)
}
