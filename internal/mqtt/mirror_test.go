package mqtt

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/agentcore/internal/events"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	sent chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(chan struct{}, 64)}
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	f.msgs = append(f.msgs, p)
	f.mu.Unlock()
	select {
	case f.sent <- struct{}{}:
	default:
	}
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) byTopic(topic string) []*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*paho.Publish
	for _, p := range f.msgs {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func TestEventTopic(t *testing.T) {
	tests := []struct {
		source, kind, want string
	}{
		{"agent", "tool_call", "base/events/agent/tool_call"},
		{"skill", "a/b", "base/events/skill/a_b"},
		{"skill", "x+#", "base/events/skill/x__"},
		{"", "", "base/events/unknown/unknown"},
	}
	for _, tt := range tests {
		if got := EventTopic("base", tt.source, tt.kind); got != tt.want {
			t.Errorf("EventTopic(%q, %q) = %q, want %q", tt.source, tt.kind, got, tt.want)
		}
	}
}

func TestMirror_PublishesEvents(t *testing.T) {
	m := newTestMirror(nil)
	pub := newFakePublisher()
	m.pub = pub

	m.mirror(context.Background(), events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindToolCall,
		Data:      map[string]any{"tool": "shell_exec"},
	})

	msgs := pub.byTopic("agentcore/events/agent/tool_call")
	if len(msgs) != 1 {
		t.Fatalf("published %d messages", len(msgs))
	}
	var e events.Event
	if err := json.Unmarshal(msgs[0].Payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Data["tool"] != "shell_exec" || msgs[0].Retain {
		t.Errorf("event = %+v, retain = %v", e, msgs[0].Retain)
	}
}

func TestMirror_SkipsTokensAndCountsUsage(t *testing.T) {
	m := newTestMirror(nil)
	pub := newFakePublisher()
	m.pub = pub

	ctx := context.Background()
	m.mirror(ctx, events.Event{Source: events.SourceAgent, Kind: events.KindToken, Data: map[string]any{"delta": "hi"}})
	m.mirror(ctx, events.Event{Source: events.SourceAgent, Kind: events.KindLLMResponse, Data: map[string]any{"tokens_in": 120, "tokens_out": 30}})

	if got := pub.byTopic("agentcore/events/agent/token"); len(got) != 0 {
		t.Error("token deltas should not be mirrored")
	}
	in, out, rounds := m.tokens.Snapshot()
	if in != 120 || out != 30 || rounds != 1 {
		t.Errorf("usage = (%d, %d, %d)", in, out, rounds)
	}

	m.publishStats(ctx)
	stats := pub.byTopic("agentcore/stats/tokens_today")
	if len(stats) != 1 || string(stats[0].Payload) != "150" || !stats[0].Retain {
		t.Errorf("tokens_today = %+v", stats)
	}
}

func TestMirror_NotConnected(t *testing.T) {
	m := newTestMirror(nil)
	m.mirror(context.Background(), events.Event{Source: "agent", Kind: "run_start"})
	m.publishStats(context.Background())
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestMirror_RunFollowsBus(t *testing.T) {
	bus := events.New()
	m := newTestMirror(nil)
	m.bus = bus
	pub := newFakePublisher()
	m.pub = pub

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.run(ctx)
	}()

	topic := "agentcore/events/confirm/confirm_required"
	deadline := time.After(2 * time.Second)
	for len(pub.byTopic(topic)) == 0 {
		bus.Emit(events.SourceConfirm, events.KindConfirmRequired, map[string]any{"confirm_id": "c1"})
		select {
		case <-pub.sent:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("event never mirrored")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestMirror_Availability(t *testing.T) {
	m := newTestMirror(nil)
	pub := newFakePublisher()
	m.publishAvailability(context.Background(), pub, "online")

	msgs := pub.byTopic("agentcore/availability")
	if len(msgs) != 1 || string(msgs[0].Payload) != "online" || !msgs[0].Retain || msgs[0].QoS != 1 {
		t.Errorf("availability = %+v", msgs)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	again, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || id != again {
		t.Errorf("ids = %q, %q; want stable", id, again)
	}
	if _, err := os.Stat(filepath.Join(dir, "instance_id")); err != nil {
		t.Errorf("instance_id not persisted: %v", err)
	}
}

func TestClientID(t *testing.T) {
	if got := clientID("agentcore", "0190a5c2-aaaa-7000"); got != "agentcore-0190a5c2" {
		t.Errorf("clientID = %q", got)
	}
	if got := clientID("agentcore", ""); got != "agentcore" {
		t.Errorf("clientID without instance = %q", got)
	}
}
