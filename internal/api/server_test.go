package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/agentcore/internal/agent"
	"github.com/nugget/agentcore/internal/confirm"
	"github.com/nugget/agentcore/internal/connwatch"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/provider"
	"github.com/nugget/agentcore/internal/risk"
)

type fakeRunner struct {
	mu     sync.Mutex
	run    func(ctx context.Context, req *agent.Request) (*agent.Response, error)
	last   *agent.Request
	active map[string]bool
}

func (f *fakeRunner) Run(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return f.run(ctx, req)
}

func (f *fakeRunner) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[id] {
		return false
	}
	delete(f.active, id)
	return true
}

func (f *fakeRunner) ActiveRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.active {
		ids = append(ids, id)
	}
	return ids
}

type resolveCall struct {
	id       string
	approved bool
}

type fakeConfirmer struct {
	known    map[string]bool
	resolved chan resolveCall
	pending  []confirm.Request
}

func (f *fakeConfirmer) Resolve(id string, approved bool) bool {
	f.resolved <- resolveCall{id, approved}
	return f.known[id]
}

func (f *fakeConfirmer) Pending() []confirm.Request { return f.pending }

type fakeProviders struct {
	cur      provider.Provider
	err      error
	statuses []connwatch.Status
}

func (f fakeProviders) Current() (provider.Provider, error) { return f.cur, f.err }
func (f fakeProviders) Statuses() []connwatch.Status        { return f.statuses }

type fixture struct {
	server    *Server
	runner    *fakeRunner
	confirmer *fakeConfirmer
	bus       *events.Bus
}

func newFixture(run func(context.Context, *agent.Request) (*agent.Response, error)) *fixture {
	f := &fixture{
		runner:    &fakeRunner{run: run, active: map[string]bool{}},
		confirmer: &fakeConfirmer{known: map[string]bool{}, resolved: make(chan resolveCall, 8)},
		bus:       events.New(),
	}
	f.server = NewServer(Config{
		Runner:    f.runner,
		Confirmer: f.confirmer,
		Providers: fakeProviders{
			cur:      provider.Provider{Name: "ollama", Model: "qwen3:8b"},
			statuses: []connwatch.Status{{Name: "ollama", Ready: true, Checked: true}},
		},
		Bus:    f.bus,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestChat_Success(t *testing.T) {
	f := newFixture(func(_ context.Context, req *agent.Request) (*agent.Response, error) {
		return &agent.Response{RunID: "r1", Content: "Hi!", Provider: "ollama", Model: "qwen3:8b", Iterations: 1}, nil
	})

	rec := f.do(http.MethodPost, "/v1/chat", `{"message": "hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp agent.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hi!" || resp.RunID != "r1" {
		t.Errorf("resp = %+v", resp)
	}
	if f.runner.last.SessionKey != DefaultSession || f.runner.last.Source != "api" {
		t.Errorf("request = %+v", f.runner.last)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantKind string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, "invalid_request"},
		{"empty message", `{"message": ""}`, nil, http.StatusBadRequest, "invalid_request"},
		{
			"provider failure", `{"message": "hi"}`,
			&agent.RunError{Kind: agent.ErrKindProvider, Err: errors.New("connection refused")},
			http.StatusBadGateway, "provider",
		},
		{
			"too many steps", `{"message": "hi"}`,
			&agent.RunError{Kind: agent.ErrKindTooManySteps, MaxIterations: 25, Err: agent.ErrTooManySteps},
			http.StatusUnprocessableEntity, "too_many_steps",
		},
		{
			"cancelled", `{"message": "hi"}`,
			&agent.RunError{Kind: agent.ErrKindCancelled, Err: context.Canceled},
			http.StatusConflict, "cancelled",
		},
		{"unstructured", `{"message": "hi"}`, errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(func(context.Context, *agent.Request) (*agent.Response, error) {
				return nil, tt.err
			})
			rec := f.do(http.MethodPost, "/v1/chat", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if got := decodeError(t, rec); got.Kind != tt.wantKind || got.Message == "" {
				t.Errorf("error = %+v, want kind %q", got, tt.wantKind)
			}
		})
	}
}

func TestChat_TooManyStepsMessage(t *testing.T) {
	f := newFixture(func(context.Context, *agent.Request) (*agent.Response, error) {
		return nil, &agent.RunError{Kind: agent.ErrKindTooManySteps, MaxIterations: 25, Err: agent.ErrTooManySteps}
	})
	rec := f.do(http.MethodPost, "/v1/chat", `{"message": "loop forever"}`)
	if got := decodeError(t, rec); !strings.HasPrefix(got.Message, "too many steps") {
		t.Errorf("message = %q", got.Message)
	}
}

func TestChat_Streaming(t *testing.T) {
	f := newFixture(func(_ context.Context, req *agent.Request) (*agent.Response, error) {
		req.OnToken("Hel")
		req.OnToken("lo")
		return &agent.Response{RunID: "r1", Content: "Hello"}, nil
	})

	rec := f.do(http.MethodPost, "/v1/chat", `{"message": "hi", "stream": true}`)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var chunks []StreamChunk
	done := false
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if line == "[DONE]" {
			done = true
			break
		}
		var c StreamChunk
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("chunk %q: %v", line, err)
		}
		chunks = append(chunks, c)
	}
	if !done || len(chunks) != 3 {
		t.Fatalf("done = %v, chunks = %+v", done, chunks)
	}
	if chunks[0].Delta != "Hel" || chunks[1].Delta != "lo" {
		t.Errorf("deltas = %q, %q", chunks[0].Delta, chunks[1].Delta)
	}
	if chunks[2].Response == nil || chunks[2].Response.Content != "Hello" {
		t.Errorf("final chunk = %+v", chunks[2])
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(nil)
	f.runner.active["r1"] = true

	if rec := f.do(http.MethodPost, "/v1/runs/r1/cancel", ""); rec.Code != http.StatusOK {
		t.Errorf("cancel active: status %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/v1/runs/r1/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel finished: status %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Kind != "not_found" {
		t.Errorf("kind = %q", got.Kind)
	}
}

func TestRuns(t *testing.T) {
	f := newFixture(nil)
	f.runner.active["r9"] = true
	rec := f.do(http.MethodGet, "/v1/runs", "")
	var body struct {
		Runs  []string `json:"runs"`
		Count int      `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Runs[0] != "r9" {
		t.Errorf("body = %+v", body)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantCode    int
		wantMatched bool
	}{
		{"matched", `{"confirm_id": "c1", "approved": true}`, http.StatusAccepted, true},
		{"unknown id still accepted", `{"confirm_id": "zz", "approved": false}`, http.StatusAccepted, false},
		{"missing id", `{"approved": true}`, http.StatusBadRequest, false},
		{"bad json", `nope`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			f.confirmer.known["c1"] = true
			rec := f.do(http.MethodPost, "/v1/confirm", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusAccepted {
				return
			}
			var body struct {
				Matched bool `json:"matched"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Matched != tt.wantMatched {
				t.Errorf("matched = %v, want %v", body.Matched, tt.wantMatched)
			}
		})
	}
}

func TestConfirmations(t *testing.T) {
	f := newFixture(nil)
	f.confirmer.pending = []confirm.Request{{ConfirmID: "c1", RunID: "r1", ToolName: "shell_exec", RiskLevel: risk.High}}

	rec := f.do(http.MethodGet, "/v1/confirmations", "")
	var body struct {
		Pending []map[string]any `json:"pending"`
		Count   int              `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Pending[0]["risk_level"] != "high" || body.Pending[0]["tool_name"] != "shell_exec" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		providers  fakeProviders
		wantStatus string
	}{
		{
			"ready",
			fakeProviders{cur: provider.Provider{Name: "ollama"}, statuses: []connwatch.Status{{Name: "ollama", Ready: true, Checked: true}}},
			"healthy",
		},
		{
			"current provider down",
			fakeProviders{cur: provider.Provider{Name: "ollama"}, statuses: []connwatch.Status{{Name: "ollama", Checked: true}}},
			"degraded",
		},
		{
			"not configured",
			fakeProviders{cur: provider.Provider{Name: "nope"}, err: provider.ErrNotConfigured},
			"degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			f.server.providers = tt.providers
			rec := f.do(http.MethodGet, "/v1/health", "")
			var body HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
		})
	}
}

func TestEvents_WebSocket(t *testing.T) {
	f := newFixture(nil)
	f.confirmer.known["c1"] = true
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade; emit until the
	// first event arrives.
	got := make(chan events.Event, 1)
	go func() {
		var e events.Event
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()
	deadline := time.After(2 * time.Second)
	var e events.Event
wait:
	for {
		f.bus.Emit(events.SourceConfirm, events.KindConfirmRequired, map[string]any{"confirm_id": "c1"})
		select {
		case e = <-got:
			break wait
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
	if e.Source != events.SourceConfirm || e.Kind != events.KindConfirmRequired || e.Data["confirm_id"] != "c1" {
		t.Errorf("event = %+v", e)
	}

	if err := conn.WriteJSON(ClientFrame{Type: "confirm", ConfirmID: "c1", Approved: true}); err != nil {
		t.Fatal(err)
	}
	select {
	case rc := <-f.confirmer.resolved:
		if rc.id != "c1" || !rc.approved {
			t.Errorf("resolved = %+v", rc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirm frame not delivered")
	}
}

func TestEvents_NoBus(t *testing.T) {
	f := newFixture(nil)
	f.server.bus = nil
	if rec := f.do(http.MethodGet, "/v1/events", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}
