package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/nugget/agentcore/internal/usage"
)

type fakeUsage struct {
	total   usage.Summary
	groups  map[usage.Grouping]map[string]usage.Summary
	runs    map[string][]usage.Record
	err     error
	windows []time.Duration
}

func (f *fakeUsage) Summary(ctx context.Context, start, end time.Time) (usage.Summary, error) {
	f.windows = append(f.windows, end.Sub(start))
	return f.total, f.err
}

func (f *fakeUsage) SummaryBy(ctx context.Context, g usage.Grouping, start, end time.Time) (map[string]usage.Summary, error) {
	return f.groups[g], f.err
}

func (f *fakeUsage) RunRecords(ctx context.Context, runID string) ([]usage.Record, error) {
	return f.runs[runID], f.err
}

func newUsageFixture(u *fakeUsage) *fixture {
	f := newFixture(nil)
	f.server.usage = u
	return f
}

func TestUsage(t *testing.T) {
	u := &fakeUsage{
		total: usage.Summary{Rounds: 3, Runs: 2, InputTokens: 300, OutputTokens: 30, CostUSD: 0.5},
		groups: map[usage.Grouping]map[string]usage.Summary{
			usage.ByModel:    {"opus": {Rounds: 3}},
			usage.ByProvider: {"anthropic": {Rounds: 3}},
			usage.BySource:   {"api": {Rounds: 2}, "voice": {Rounds: 1}},
		},
	}
	f := newUsageFixture(u)

	rec := f.do(http.MethodGet, "/v1/usage?window=1h", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body UsageResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != u.total {
		t.Errorf("total = %+v, want %+v", body.Total, u.total)
	}
	if len(body.BySource) != 2 || body.ByModel["opus"].Rounds != 3 {
		t.Errorf("groups = %+v / %+v", body.BySource, body.ByModel)
	}
	if len(u.windows) != 1 || u.windows[0] != time.Hour {
		t.Errorf("windows = %v, want [1h]", u.windows)
	}
}

func TestUsage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		usage *fakeUsage
		path  string
		code  int
		kind  string
	}{
		{"disabled", nil, "/v1/usage", http.StatusServiceUnavailable, "unavailable"},
		{"bad window", &fakeUsage{}, "/v1/usage?window=yesterday", http.StatusBadRequest, "invalid_request"},
		{"negative window", &fakeUsage{}, "/v1/usage?window=-1h", http.StatusBadRequest, "invalid_request"},
		{"store failure", &fakeUsage{err: errors.New("disk full")}, "/v1/usage", http.StatusInternalServerError, "internal"},
		{"unknown run", &fakeUsage{}, "/v1/runs/nope/usage", http.StatusNotFound, "not_found"},
		{"run disabled", nil, "/v1/runs/r1/usage", http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			if tt.usage != nil {
				f.server.usage = tt.usage
			}
			rec := f.do(http.MethodGet, tt.path, "")
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if got := decodeError(t, rec); got.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", got.Kind, tt.kind)
			}
		})
	}
}

func TestRunUsage(t *testing.T) {
	u := &fakeUsage{runs: map[string][]usage.Record{
		"r1": {{RunID: "r1", Iteration: 0, InputTokens: 10}, {RunID: "r1", Iteration: 1, InputTokens: 20}},
	}}
	f := newUsageFixture(u)

	rec := f.do(http.MethodGet, "/v1/runs/r1/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		RunID  string         `json:"run_id"`
		Rounds []usage.Record `json:"rounds"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RunID != "r1" || len(body.Rounds) != 2 || body.Rounds[1].InputTokens != 20 {
		t.Errorf("body = %+v", body)
	}
}
