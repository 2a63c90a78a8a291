package api

import (
	"net/http"
	"time"

	"github.com/nugget/agentcore/internal/usage"
)

const defaultUsageWindow = 24 * time.Hour

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Since      time.Time                `json:"since"`
	Until      time.Time                `json:"until"`
	Total      usage.Summary            `json:"total"`
	ByModel    map[string]usage.Summary `json:"by_model"`
	ByProvider map[string]usage.Summary `json:"by_provider"`
	BySource   map[string]usage.Summary `json:"by_source"`
}

// handleUsage reports totals over the trailing window given by the
// "window" query parameter (a Go duration, default 24h).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "usage tracking is not enabled")
		return
	}

	window := defaultUsageWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid_request", "window must be a positive duration")
			return
		}
		window = d
	}

	until := time.Now()
	since := until.Add(-window)
	resp := UsageResponse{Since: since, Until: until}

	ctx := r.Context()
	var err error
	if resp.Total, err = s.usage.Summary(ctx, since, until); err == nil {
		if resp.ByModel, err = s.usage.SummaryBy(ctx, usage.ByModel, since, until); err == nil {
			if resp.ByProvider, err = s.usage.SummaryBy(ctx, usage.ByProvider, since, until); err == nil {
				resp.BySource, err = s.usage.SummaryBy(ctx, usage.BySource, since, until)
			}
		}
	}
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleRunUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "usage tracking is not enabled")
		return
	}
	id := r.PathValue("id")
	recs, err := s.usage.RunRecords(r.Context(), id)
	if err != nil {
		s.logger.Error("run usage query failed", "run_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "usage query failed")
		return
	}
	if len(recs) == 0 {
		s.errorResponse(w, http.StatusNotFound, "not_found", "no usage recorded for run "+id)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"run_id": id, "rounds": recs}, s.logger)
}
