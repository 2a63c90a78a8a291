package api

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/nugget/agentcore/internal/llm"
)

// maxLoggedBody bounds request bodies echoed to trace logs.
const maxLoggedBody = 4096

// captureBody reads and returns the body while allowing it to be read
// again by the handler.
func captureBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// traceBody logs the request body when trace logging is enabled.
func (s *Server) traceBody(r *http.Request) {
	if r.Body == nil || !s.logger.Enabled(r.Context(), llm.LevelTrace) {
		return
	}
	body, err := captureBody(r)
	if err != nil {
		s.logger.Debug("failed to capture request body", "error", err)
		return
	}
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
	}
	s.logger.Log(context.Background(), llm.LevelTrace, "request body",
		"method", r.Method,
		"path", r.URL.Path,
		"body", string(body),
	)
}
