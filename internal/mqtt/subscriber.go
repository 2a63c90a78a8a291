package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// ConfirmMessage is the payload accepted on the confirm topic.
type ConfirmMessage struct {
	ConfirmID string `json:"confirm_id"`
	Approved  bool   `json:"approved"`
}

// handleInbound routes a received message. Only the confirm topic is
// subscribed; anything else is logged and dropped.
func (m *Mirror) handleInbound(topic string, payload []byte) {
	if !m.limiter.allow() {
		return
	}
	if topic != m.confirmTopic() {
		m.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return
	}

	var msg ConfirmMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.ConfirmID == "" {
		m.logger.Warn("mqtt confirm message ignored", "payload_size", len(payload), "error", err)
		return
	}
	if m.confirmer == nil {
		return
	}
	matched := m.confirmer.Resolve(msg.ConfirmID, msg.Approved)
	m.logger.Info("confirmation received via mqtt",
		"confirm_id", msg.ConfirmID,
		"approved", msg.Approved,
		"matched", matched,
	)
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. Counters are atomic
// so the hot path takes no locks.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// warning when messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow counts a message and reports whether it is within the limit.
func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
