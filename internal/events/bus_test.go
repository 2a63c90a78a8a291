package events

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindRunStart})
	b.Emit(SourceAgent, KindRunComplete, nil)
	b.Unsubscribe(make(chan Event))
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
	if _, ok := <-b.Subscribe(4); ok {
		t.Error("Subscribe on nil bus returned an open channel")
	}
}

func TestBroadcast(t *testing.T) {
	b := New()
	subs := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}
	defer func() {
		for _, ch := range subs {
			b.Unsubscribe(ch)
		}
	}()

	before := time.Now()
	b.Emit(SourceConfirm, KindConfirmRequired, map[string]any{"confirm_id": "c1", "run_id": "r1"})

	for i, ch := range subs {
		got := recv(t, ch)
		if got.Source != SourceConfirm || got.Kind != KindConfirmRequired {
			t.Errorf("sub %d: got %s/%s", i, got.Source, got.Kind)
		}
		if got.Data["confirm_id"] != "c1" || got.Data["run_id"] != "r1" {
			t.Errorf("sub %d: data = %v", i, got.Data)
		}
		if got.Timestamp.Before(before) {
			t.Errorf("sub %d: timestamp %v predates emit", i, got.Timestamp)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(16)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for i := range 5 {
		b.Publish(Event{Source: SourceAgent, Kind: KindToken, Data: map[string]any{"i": i}})
	}

	if got := recv(t, slow); got.Data["i"] != 0 {
		t.Errorf("slow got %v, want the first event", got.Data)
	}
	select {
	case e := <-slow:
		t.Errorf("slow subscriber received %v after its buffer filled", e.Data)
	default:
	}
	for i := range 5 {
		if got := recv(t, fast); got.Data["i"] != i {
			t.Errorf("fast event %d = %v", i, got.Data)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a := b.Subscribe(2)
	c := b.Subscribe(2)
	if n := b.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", n)
	}

	b.Unsubscribe(a)
	b.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel still open")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount = %d, want 1", n)
	}

	b.Publish(Event{Source: SourceProvider, Kind: KindProviderSwitch})
	if got := recv(t, c); got.Kind != KindProviderSwitch {
		t.Errorf("remaining subscriber got %s", got.Kind)
	}

	b.Unsubscribe(c)
	b.Publish(Event{Source: SourceSkill, Kind: KindToolDone})
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestConcurrentUse(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				b.Emit(SourceAgent, KindState, nil)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				ch := b.Subscribe(8)
				for len(ch) > 0 {
					<-ch
				}
				b.Unsubscribe(ch)
				for range ch {
				}
			}
		}()
	}
	wg.Wait()

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d after all unsubscribed", n)
	}
}
