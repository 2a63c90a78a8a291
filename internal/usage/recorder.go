package usage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/agentcore/internal/config"
	"github.com/nugget/agentcore/internal/events"
)

const eventBuffer = 512

// Recorder follows the event bus and writes one ledger record per
// llm_response event.
type Recorder struct {
	store   *Store
	bus     *events.Bus
	pricing map[string]config.PricingEntry
	logger  *slog.Logger
	sub     <-chan events.Event

	mu   sync.Mutex
	runs map[string]runInfo
}

type runInfo struct {
	session string
	source  string
}

// NewRecorder subscribes to bus immediately so no round emitted after
// construction is missed while Run is starting.
func NewRecorder(store *Store, bus *events.Bus, pricing map[string]config.PricingEntry, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		bus:     bus,
		pricing: pricing,
		logger:  logger.With("component", "usage"),
		sub:     bus.Subscribe(eventBuffer),
		runs:    make(map[string]runInfo),
	}
}

// Run records usage until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.bus.Unsubscribe(r.sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-r.sub:
			if !ok {
				return nil
			}
			r.handle(ctx, e)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, e events.Event) {
	if e.Source != events.SourceAgent {
		return
	}
	runID, _ := e.Data["run_id"].(string)
	if runID == "" {
		return
	}

	switch e.Kind {
	case events.KindRunStart:
		session, _ := e.Data["session"].(string)
		source, _ := e.Data["source"].(string)
		r.mu.Lock()
		r.runs[runID] = runInfo{session: session, source: source}
		r.mu.Unlock()

	case events.KindRunComplete:
		r.mu.Lock()
		delete(r.runs, runID)
		r.mu.Unlock()

	case events.KindLLMResponse:
		r.mu.Lock()
		info := r.runs[runID]
		r.mu.Unlock()

		model, _ := e.Data["model"].(string)
		provider, _ := e.Data["provider"].(string)
		in, out := intField(e.Data, "tokens_in"), intField(e.Data, "tokens_out")
		rec := Record{
			Timestamp:    e.Timestamp,
			RunID:        runID,
			SessionKey:   info.session,
			Source:       info.source,
			Provider:     provider,
			Model:        model,
			Iteration:    intField(e.Data, "iter"),
			InputTokens:  in,
			OutputTokens: out,
			CostUSD:      ComputeCost(model, in, out, r.pricing),
		}
		if err := r.store.Record(ctx, rec); err != nil {
			r.logger.Warn("usage record failed", "run_id", runID, "error", err)
		}
	}
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
