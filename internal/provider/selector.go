// Package provider chooses the active LLM provider and performs the
// one-shot safety fallback to a local provider when the active one
// fails.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/agentcore/internal/connwatch"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/settings"
)

var (
	// ErrNotConfigured is returned for a provider name with no client.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrUnavailable is returned when a provider fails its health check.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrNoFallback is returned by FailOver when no usable fallback exists.
	ErrNoFallback = errors.New("no fallback provider available")
)

// defaultPingTimeout bounds a live availability check.
const defaultPingTimeout = 5 * time.Second

// Provider is a resolved provider: its name, model and client.
type Provider struct {
	Name   string
	Model  string
	Client llm.Client
}

// SwitchResult describes the provider that is active after a switch.
type SwitchResult struct {
	Requested string `json:"requested"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	// FellBack is true when the requested provider failed and the local
	// fallback was selected instead.
	FellBack bool `json:"fell_back"`
}

// Selector resolves the current provider from the runtime overrides.
// The active provider lives in the settings store so a self-configuration
// skill and the loop see the same value.
type Selector struct {
	settings *settings.Store
	fallback string
	bus      *events.Bus
	logger   *slog.Logger

	// PingTimeout bounds live availability checks. Zero uses 5s.
	PingTimeout time.Duration

	mu       sync.RWMutex
	clients  map[string]llm.Client
	watchers map[string]*connwatch.Watcher

	// switchMu serializes SwitchTo and FailOver.
	switchMu sync.Mutex
}

// NewSelector creates a selector over store. fallback names the local
// provider used when the active one fails; empty disables fallback.
func NewSelector(store *settings.Store, fallback string, bus *events.Bus, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		settings: store,
		fallback: fallback,
		bus:      bus,
		logger:   logger,
		clients:  make(map[string]llm.Client),
		watchers: make(map[string]*connwatch.Watcher),
	}
}

// Register adds a named provider client.
func (s *Selector) Register(name string, client llm.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[name] = client
}

// Watch attaches a health watcher to a registered provider. Readiness
// checks consult it instead of pinging live once it has a result.
func (s *Selector) Watch(w *connwatch.Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[w.Name()] = w
}

// Names returns the registered provider names, sorted.
func (s *Selector) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.clients))
	for n := range s.clients {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Fallback returns the configured fallback provider name.
func (s *Selector) Fallback() string {
	return s.fallback
}

// Statuses returns health for every watched provider.
func (s *Selector) Statuses() []connwatch.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]connwatch.Status, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, w.Status())
	}
	slices.SortFunc(out, func(a, b connwatch.Status) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (s *Selector) client(name string) (llm.Client, *connwatch.Watcher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[name]
	return c, s.watchers[name], ok
}

// Current returns the active provider as recorded in the runtime
// overrides at the moment of the call.
func (s *Selector) Current() (Provider, error) {
	snap := s.settings.Snapshot()
	c, _, ok := s.client(snap.Provider)
	if !ok {
		return Provider{Name: snap.Provider}, fmt.Errorf("%w: %q", ErrNotConfigured, snap.Provider)
	}
	return Provider{Name: snap.Provider, Model: snap.Model(), Client: c}, nil
}

// Available checks that name is configured and reachable. A watcher
// that has completed a check answers from its cached state; otherwise
// the provider is pinged live.
func (s *Selector) Available(ctx context.Context, name string) error {
	c, w, ok := s.client(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotConfigured, name)
	}
	if w != nil && w.Checked() {
		if w.IsReady() {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, w.LastError())
	}

	timeout := s.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := c.Ping(pingCtx)
	if w != nil {
		w.Report(err)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
	}
	return nil
}

// ReportFailure records that a call to name failed so its watcher
// stops reporting it ready.
func (s *Selector) ReportFailure(name string, err error) {
	if _, w, _ := s.client(name); w != nil {
		w.Report(err)
	}
}

// SwitchTo validates and activates name (with model, when non-empty).
// When the target is unusable it tries exactly one switch to the local
// fallback and reports it through SwitchResult.FellBack; the returned
// error still describes why the requested switch failed. If the
// fallback is unusable too, the previous provider and model stay
// active.
func (s *Selector) SwitchTo(ctx context.Context, name, model string) (SwitchResult, error) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	prev := s.settings.Snapshot()
	res := SwitchResult{Requested: name, Provider: prev.Provider, Model: prev.Model()}

	err := s.Available(ctx, name)
	if err == nil {
		s.activate(prev, name, model, false)
		snap := s.settings.Snapshot()
		res.Provider, res.Model = snap.Provider, snap.Model()
		return res, nil
	}

	s.logger.Warn("provider switch failed", "provider", name, "error", err)

	if s.fallback == "" || s.fallback == name {
		return res, err
	}
	if ferr := s.Available(ctx, s.fallback); ferr != nil {
		s.logger.Warn("fallback provider unavailable, keeping previous provider",
			"fallback", s.fallback, "provider", prev.Provider, "error", ferr)
		return res, fmt.Errorf("%w (fallback %s: %v)", err, s.fallback, ferr)
	}

	s.activate(prev, s.fallback, "", true)
	snap := s.settings.Snapshot()
	res.Provider, res.Model, res.FellBack = snap.Provider, snap.Model(), true
	return res, err
}

// FailOver switches to the local fallback after a call to failed
// errored. It returns the fallback provider, or ErrNoFallback when
// none is configured, it is the provider that failed, or it is
// unreachable.
func (s *Selector) FailOver(ctx context.Context, failed string) (Provider, error) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if s.fallback == "" || s.fallback == failed {
		return Provider{}, ErrNoFallback
	}
	if err := s.Available(ctx, s.fallback); err != nil {
		return Provider{}, fmt.Errorf("%w: %v", ErrNoFallback, err)
	}

	prev := s.settings.Snapshot()
	s.activate(prev, s.fallback, "", true)
	return s.Current()
}

func (s *Selector) activate(prev settings.Overrides, name, model string, fallback bool) {
	s.settings.SetProvider(name, model)
	snap := s.settings.Snapshot()
	s.logger.Info("provider switched",
		"from", prev.Provider,
		"to", name,
		"model", snap.Model(),
		"fallback", fallback,
	)
	s.bus.Emit(events.SourceProvider, events.KindProviderSwitch, map[string]any{
		"from":     prev.Provider,
		"to":       name,
		"model":    snap.Model(),
		"fallback": fallback,
	})
}

// WatchAll starts a connwatch.Watcher for every registered provider
// and publishes readiness transitions on the bus. The watchers stop
// when ctx is cancelled.
func (s *Selector) WatchAll(ctx context.Context, poll time.Duration) []*connwatch.Watcher {
	var started []*connwatch.Watcher
	for _, name := range s.Names() {
		c, _, _ := s.client(name)
		w := connwatch.New(connwatch.WatcherConfig{
			Name:    name,
			Probe:   c.Ping,
			Backoff: connwatch.BackoffConfig{PollInterval: poll},
			Logger:  s.logger,
			OnChange: func(name string, ready bool, err error) {
				data := map[string]any{"provider": name, "ready": ready}
				if err != nil {
					data["error"] = err.Error()
				}
				s.bus.Emit(events.SourceProvider, events.KindProviderHealth, data)
			},
		})
		s.Watch(w)
		w.Start(ctx)
		started = append(started, w)
	}
	return started
}
