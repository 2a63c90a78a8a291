// Package httpkit builds the HTTP clients used for outbound calls to
// model providers and the web_fetch skill.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/agentcore/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5

	// DefaultTimeout bounds a whole request unless WithTimeout says
	// otherwise.
	DefaultTimeout = 30 * time.Second
)

// Option configures a client built by NewClient.
type Option func(*roundTripper, *http.Client)

// WithTimeout sets the overall request timeout. Zero disables it for
// streaming callers, which cancel through the request context.
func WithTimeout(d time.Duration) Option {
	return func(_ *roundTripper, c *http.Client) { c.Timeout = d }
}

// WithTransport replaces the default transport.
func WithTransport(t *http.Transport) Option {
	return func(rt *roundTripper, _ *http.Client) { rt.base = t }
}

// WithDialRetry retries a request up to attempts more times, delay
// apart, when connecting fails outright. Requests with a body are only
// replayed when GetBody is set. Retries are logged at debug on logger.
func WithDialRetry(attempts int, delay time.Duration, logger *slog.Logger) Option {
	return func(rt *roundTripper, _ *http.Client) {
		rt.attempts = attempts
		rt.delay = delay
		rt.logger = logger
	}
}

// NewTransport returns an http.Transport with the package defaults.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: DefaultKeepAlive}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client that stamps the agentcore
// User-Agent on requests that do not carry one.
func NewClient(opts ...Option) *http.Client {
	rt := &roundTripper{userAgent: buildinfo.UserAgent()}
	c := &http.Client{Timeout: DefaultTimeout, Transport: rt}
	for _, o := range opts {
		o(rt, c)
	}
	if rt.base == nil {
		rt.base = NewTransport()
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	return c
}

type roundTripper struct {
	base      http.RoundTripper
	userAgent string

	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	for attempt := 1; attempt <= t.attempts && err != nil && dialFailed(err) && replayable; attempt++ {
		t.logger.Debug("retrying after dial failure",
			"method", req.Method,
			"url", req.URL.String(),
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(t.delay):
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			if next.Body, err = req.GetBody(); err != nil {
				return nil, fmt.Errorf("rewind body: %w", err)
			}
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

// dialFailed reports connection failures where the server never saw the
// request. ECONNRESET is excluded because the server may have acted.
func dialFailed(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, rc, limit)
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body and
// releases the connection.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(unreadable error body: %v)", err)
	}
	return string(body)
}
