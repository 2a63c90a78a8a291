// Package events provides a publish/subscribe event bus for run
// observability. Events flow from the conversation loop, the
// confirmation gate and the provider selector to subscribers (the
// WebSocket handler, the MQTT mirror). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the conversation loop.
	SourceAgent = "agent"
	// SourceConfirm identifies events from the confirmation gate.
	SourceConfirm = "confirm"
	// SourceProvider identifies events from the provider selector.
	SourceProvider = "provider"
	// SourceSkill identifies events broadcast by a skill while it runs.
	SourceSkill = "skill"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of a run.
	// Data: run_id, session, source.
	KindRunStart = "run_start"
	// KindState signals a loop state transition.
	// Data: run_id, iter, state.
	KindState = "state"
	// KindLLMCall signals the start of a provider round.
	// Data: run_id, iter, provider, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a provider round.
	// Data: run_id, iter, provider, model, tokens_in, tokens_out,
	// tool_calls, malformed.
	KindLLMResponse = "llm_response"
	// KindToken carries one streamed content delta.
	// Data: run_id, delta.
	KindToken = "token"
	// KindToolCall signals the start of a tool execution.
	// Data: run_id, tool, call_id, args (truncated).
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: run_id, tool, call_id, ok, duration_ms, error.
	KindToolDone = "tool_done"
	// KindRunComplete signals the end of a run.
	// Data: run_id, iterations, elapsed_ms, ok, error_kind.
	KindRunComplete = "run_complete"

	// KindConfirmRequired signals a tool call is waiting on approval.
	// Data: confirm_id, run_id, tool, params, risk_level, risk_reason.
	KindConfirmRequired = "confirm_required"
	// KindConfirmResolved signals a pending confirmation settled.
	// Data: confirm_id, run_id, tool, outcome.
	KindConfirmResolved = "confirm_resolved"

	// KindProviderSwitch signals the active provider changed.
	// Data: from, to, model, fallback.
	KindProviderSwitch = "provider_switch"
	// KindProviderHealth signals a provider readiness change.
	// Data: provider, ready, error.
	KindProviderHealth = "provider_health"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers. Every method is safe on a nil *Bus.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive-only view handed to the subscriber.
	subs map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish sends e to every subscriber whose buffer has room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel buffered to bufSize that receives
// published events until Unsubscribe is called. On a nil bus the
// channel is already closed.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	if b == nil {
		close(ch)
		return ch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
