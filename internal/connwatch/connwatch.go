// Package connwatch monitors LLM provider health with exponential
// backoff. It complements httpkit's transport-level retry, which covers
// sub-second dial errors; connwatch covers multi-second to multi-minute
// outages such as a local model server restarting.
//
// Each Watcher probes a single provider in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with state-transition callbacks
//
// Real traffic can also feed the watcher through Report, so a failed
// provider call marks the provider down without waiting for the next
// poll.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration
	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration
	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64
	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int
	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration
	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, ... 60s (capped) startup
// retries, ten attempts, then 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name identifies the provider in logs and status output.
	Name string
	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc
	// Backoff controls retry timing; zero fields take defaults.
	Backoff BackoffConfig
	// OnChange is called on every ready/not-ready transition, in its
	// own goroutine. Optional.
	OnChange func(name string, ready bool, err error)
	// Logger uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the health of a watched provider, suitable for JSON
// serialization in health endpoints.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checked   bool      `json:"checked"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single provider.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	checked   bool
	lastErr   error
	lastCheck time.Time
}

// New creates a watcher without starting it. Start launches probing.
// It panics if Name is empty or Probe is nil.
func New(cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	return &Watcher{config: cfg, done: make(chan struct{})}
}

// Start runs the watcher in a background goroutine until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Name returns the watched provider's name.
func (w *Watcher) Name() string { return w.config.Name }

// IsReady reports whether the provider was reachable at the last check.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Checked reports whether at least one probe or report has completed.
func (w *Watcher) Checked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checked
}

// LastError returns the most recent failure, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.config.Name,
		Ready:     w.ready,
		Checked:   w.checked,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Report records the outcome of real traffic to the provider. A nil
// err marks it ready; a non-nil err marks it down.
func (w *Watcher) Report(err error) {
	w.record(err)
}

// Stop cancels the watcher and waits for its goroutine to exit. Safe to
// call on a watcher that was never started.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.record(err)
		if err == nil {
			logger.Info("provider reachable", "provider", w.config.Name, "after_attempts", attempt)
			break
		}
		if attempt == cfg.MaxRetries {
			logger.Info("startup probing exhausted, entering background polling",
				"provider", w.config.Name, "attempts", attempt, "error", err)
			break
		}
		logger.Debug("startup probe failed, retrying",
			"provider", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.record(w.probe(ctx))
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// record stores an outcome and fires OnChange on a transition. The
// first outcome counts as a transition only when it is a success.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	was, wasChecked := w.ready, w.checked
	w.ready = err == nil
	w.checked = true
	w.lastErr = err
	w.lastCheck = time.Now()
	now := w.ready
	w.mu.Unlock()

	if was == now && (wasChecked || !now) {
		return
	}
	if now {
		w.config.Logger.Info("provider ready", "provider", w.config.Name)
	} else {
		w.config.Logger.Warn("provider unreachable", "provider", w.config.Name, "error", err)
	}
	if w.config.OnChange != nil {
		go w.config.OnChange(w.config.Name, now, err)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
