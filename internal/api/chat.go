package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/agentcore/internal/agent"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Session       string `json:"session"`
	Message       string `json:"message"`
	ToolsDisabled bool   `json:"tools_disabled,omitempty"`
	Source        string `json:"source,omitempty"`
	// RunID lets the client cancel the run before the answer arrives.
	RunID string `json:"run_id,omitempty"`
	// Stream selects a server-sent event response.
	Stream bool `json:"stream,omitempty"`
}

// streamWriteWindow is how long each SSE write may take before the
// connection is considered dead.
const streamWriteWindow = 120 * time.Second

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if req.Session == "" {
		req.Session = DefaultSession
	}
	if req.Source == "" {
		req.Source = "api"
	}

	agentReq := &agent.Request{
		RunID:         req.RunID,
		SessionKey:    req.Session,
		Message:       req.Message,
		ToolsDisabled: req.ToolsDisabled,
		Source:        req.Source,
	}

	if req.Stream {
		s.handleStreamingChat(w, r, agentReq)
		return
	}

	resp, err := s.runner.Run(r.Context(), agentReq)
	if err != nil {
		code, kind := runErrorStatus(err)
		s.logger.Warn("chat run failed", "run_id", agentReq.RunID, "kind", kind, "error", err)
		s.errorResponse(w, code, kind, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// StreamChunk is one SSE data frame of a streamed chat. Exactly one of
// the fields is set.
type StreamChunk struct {
	Delta    string          `json:"delta,omitempty"`
	Response *agent.Response `json:"response,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
}

func (s *Server) handleStreamingChat(w http.ResponseWriter, r *http.Request, agentReq *agent.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	send := func(chunk StreamChunk) {
		s.writeSSE(w, chunk)
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteWindow)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	// OnToken is called from the run's goroutine only, so writes are
	// never concurrent.
	agentReq.OnToken = func(delta string) {
		send(StreamChunk{Delta: delta})
	}

	resp, err := s.runner.Run(r.Context(), agentReq)
	if err != nil {
		_, kind := runErrorStatus(err)
		s.logger.Warn("streamed chat run failed", "run_id", agentReq.RunID, "kind", kind, "error", err)
		send(StreamChunk{Error: &ErrorDetail{Kind: kind, Message: err.Error()}})
	} else {
		send(StreamChunk{Response: resp})
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, chunk StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE chunk", "error", err)
	}
}
