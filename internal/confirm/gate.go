// Package confirm implements the human-in-the-loop gate for risky tool
// calls. A call at or above the threshold suspends its run until an
// external approve/deny signal arrives, the request times out, or the
// run is cancelled.
package confirm

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/risk"
)

// DefaultTimeout is how long a request waits for a human.
const DefaultTimeout = 5 * time.Minute

// Outcome is how a guarded call was resolved.
type Outcome int

// Outcomes.
const (
	Approved Outcome = iota
	Denied
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Error returns the error text folded back to the model when the call
// was not approved, or "" for Approved.
func (o Outcome) Error() string {
	switch o {
	case Denied:
		return "user denied"
	case TimedOut:
		return "confirmation timed out"
	}
	return ""
}

// Request is a pending confirmation.
type Request struct {
	ConfirmID  string         `json:"confirm_id"`
	RunID      string         `json:"run_id"`
	ToolName   string         `json:"tool_name"`
	ToolParams map[string]any `json:"tool_params"`
	RiskLevel  risk.Level     `json:"risk_level"`
	RiskReason string         `json:"risk_reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// Config configures a Gate.
type Config struct {
	// Threshold is the lowest tier that requires confirmation.
	Threshold risk.Level
	// Timeout resolves an unanswered request as TimedOut. Zero uses
	// DefaultTimeout.
	Timeout time.Duration
	Bus     *events.Bus
	Logger  *slog.Logger
}

type pending struct {
	req   Request
	ch    chan Outcome
	timer *time.Timer
}

// Gate holds the pending-request table. Each request resolves exactly
// once; later signals for the same ID are ignored.
type Gate struct {
	threshold risk.Level
	timeout   time.Duration
	bus       *events.Bus
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	byRun   map[string]map[string]struct{}
}

// New creates a gate.
func New(cfg Config) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		pending:   make(map[string]*pending),
		byRun:     make(map[string]map[string]struct{}),
	}
}

// Threshold returns the configured confirmation threshold.
func (g *Gate) Threshold() risk.Level {
	return g.threshold
}

// Requires reports whether a call with classification c must be
// confirmed.
func (g *Gate) Requires(c risk.Classification) bool {
	return c.Level >= g.threshold
}

// Guard returns Approved immediately for calls below the threshold.
// Otherwise it registers a request, announces it on the bus, and blocks
// until the request is resolved. Cancelling ctx resolves it as Denied.
func (g *Gate) Guard(ctx context.Context, call llm.ToolCall, c risk.Classification, runID string) Outcome {
	if !g.Requires(c) {
		return Approved
	}

	p := g.open(call, c, runID)
	select {
	case o := <-p.ch:
		return o
	case <-ctx.Done():
		g.settle(p.req.ConfirmID, Denied, "cancelled")
		return <-p.ch
	}
}

func (g *Gate) open(call llm.ToolCall, c risk.Classification, runID string) *pending {
	now := time.Now()
	req := Request{
		ConfirmID:  uuid.NewString(),
		RunID:      runID,
		ToolName:   call.Function.Name,
		ToolParams: call.Function.Arguments,
		RiskLevel:  c.Level,
		RiskReason: c.Reason,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.timeout),
	}
	p := &pending{req: req, ch: make(chan Outcome, 1)}

	g.mu.Lock()
	g.pending[req.ConfirmID] = p
	if g.byRun[runID] == nil {
		g.byRun[runID] = make(map[string]struct{})
	}
	g.byRun[runID][req.ConfirmID] = struct{}{}
	p.timer = time.AfterFunc(g.timeout, func() {
		g.settle(req.ConfirmID, TimedOut, "timeout")
	})
	g.mu.Unlock()

	g.logger.Info("confirmation required",
		"confirm_id", req.ConfirmID,
		"run_id", runID,
		"tool", req.ToolName,
		"risk", c.Level.String(),
		"reason", c.Reason,
	)
	g.bus.Emit(events.SourceConfirm, events.KindConfirmRequired, map[string]any{
		"confirm_id":  req.ConfirmID,
		"run_id":      runID,
		"tool":        req.ToolName,
		"params":      req.ToolParams,
		"risk_level":  c.Level.String(),
		"risk_reason": c.Reason,
		"expires_at":  req.ExpiresAt,
	})
	return p
}

// settle resolves a request once. It reports false when the ID is
// unknown or already resolved.
func (g *Gate) settle(id string, o Outcome, via string) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.pending, id)
	if ids := g.byRun[p.req.RunID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(g.byRun, p.req.RunID)
		}
	}
	g.mu.Unlock()

	// The timer field is written under mu in open, before any settle
	// can find the entry.
	p.timer.Stop()
	p.ch <- o

	g.logger.Info("confirmation resolved",
		"confirm_id", id,
		"run_id", p.req.RunID,
		"tool", p.req.ToolName,
		"outcome", o.String(),
		"via", via,
		"elapsed", time.Since(p.req.CreatedAt).Round(time.Millisecond),
	)
	g.bus.Emit(events.SourceConfirm, events.KindConfirmResolved, map[string]any{
		"confirm_id": id,
		"run_id":     p.req.RunID,
		"tool":       p.req.ToolName,
		"outcome":    o.String(),
	})
	return true
}

// Resolve delivers an external approve/deny signal. Unknown or
// already-resolved IDs are ignored and reported as false.
func (g *Gate) Resolve(confirmID string, approved bool) bool {
	o := Denied
	if approved {
		o = Approved
	}
	return g.settle(confirmID, o, "signal")
}

// CancelRun resolves every outstanding request of runID as Denied and
// returns how many there were.
func (g *Gate) CancelRun(runID string) int {
	g.mu.Lock()
	ids := make([]string, 0, len(g.byRun[runID]))
	for id := range g.byRun[runID] {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	n := 0
	for _, id := range ids {
		if g.settle(id, Denied, "cancelled") {
			n++
		}
	}
	return n
}

// Pending returns the outstanding requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	g.mu.Unlock()

	slices.SortFunc(out, func(a, b Request) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}
