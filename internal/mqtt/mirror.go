package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/agentcore/internal/buildinfo"
	"github.com/nugget/agentcore/internal/config"
	"github.com/nugget/agentcore/internal/events"
)

const (
	// DefaultStatsInterval is how often retained counters are refreshed.
	DefaultStatsInterval = time.Minute
	// eventBuffer is the bus subscription depth. A slow broker drops
	// events rather than stalling the agent.
	eventBuffer = 512
	// inboundLimit caps inbound messages handled per inboundWindow.
	inboundLimit  = 60
	inboundWindow = time.Minute
)

// Confirmer delivers resume signals to suspended runs.
type Confirmer interface {
	Resolve(confirmID string, approved bool) bool
}

// publisher is the subset of the connection manager the mirror uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Mirror publishes bus events to the broker and resolves confirmations
// received on the confirm topic.
type Mirror struct {
	cfg           config.MQTTConfig
	clientID      string
	bus           *events.Bus
	confirmer     Confirmer
	tokens        *DailyTokens
	limiter       *messageRateLimiter
	logger        *slog.Logger
	statsInterval time.Duration

	mu  sync.Mutex
	pub publisher
	cm  *autopaho.ConnectionManager
}

// New creates a Mirror but does not connect. confirmer may be nil, in
// which case inbound confirmations are ignored.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, confirmer Confirmer, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		cfg:           cfg,
		clientID:      clientID(cfg.ClientID, instanceID),
		bus:           bus,
		confirmer:     confirmer,
		tokens:        NewDailyTokens(nil),
		limiter:       newMessageRateLimiter(inboundLimit, inboundWindow, logger),
		logger:        logger,
		statsInterval: DefaultStatsInterval,
	}
}

// Start connects to the broker and mirrors events until ctx is
// cancelled. Connection failures after startup are retried in the
// background by autopaho.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker, "client_id", m.clientID)
			m.publishAvailability(ctx, cm, "online")
			m.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.handleInbound(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm, m.pub = cm, cm
	m.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go m.limiter.start(ctx)
	m.run(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (m *Mirror) Stop(ctx context.Context) error {
	m.mu.Lock()
	cm := m.cm
	m.mu.Unlock()
	if cm == nil {
		return nil
	}
	m.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// --- Topics ---

func (m *Mirror) availabilityTopic() string {
	return m.cfg.BaseTopic + "/availability"
}

func (m *Mirror) confirmTopic() string {
	return m.cfg.BaseTopic + "/confirm"
}

func (m *Mirror) statsTopic(name string) string {
	return m.cfg.BaseTopic + "/stats/" + name
}

// EventTopic returns the topic an event is mirrored to. MQTT wildcard
// and separator characters in source or kind are replaced.
func EventTopic(base, source, kind string) string {
	return base + "/events/" + topicSegment(source) + "/" + topicSegment(kind)
}

var segmentReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return segmentReplacer.Replace(s)
}

// --- Outbound ---

func (m *Mirror) publisher() publisher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pub
}

func (m *Mirror) run(ctx context.Context) {
	ch := m.bus.Subscribe(eventBuffer)
	defer m.bus.Unsubscribe(ch)

	ticker := time.NewTicker(m.statsInterval)
	defer ticker.Stop()

	m.publishStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.mirror(ctx, e)
		case <-ticker.C:
			m.publishStats(ctx)
		}
	}
}

// mirror publishes one event. Streamed token deltas are not mirrored;
// the completed answer arrives with run_complete.
func (m *Mirror) mirror(ctx context.Context, e events.Event) {
	if e.Kind == events.KindToken {
		return
	}
	if e.Source == events.SourceAgent && e.Kind == events.KindLLMResponse {
		m.tokens.OnTokens(intField(e.Data, "tokens_in"), intField(e.Data, "tokens_out"))
	}

	pub := m.publisher()
	if pub == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		m.logger.Debug("mqtt marshal event failed", "source", e.Source, "kind", e.Kind, "error", err)
		return
	}
	topic := EventTopic(m.cfg.BaseTopic, e.Source, e.Kind)
	if _, err := pub.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 0}); err != nil {
		m.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (m *Mirror) publishStats(ctx context.Context) {
	pub := m.publisher()
	if pub == nil {
		return
	}
	input, output, rounds := m.tokens.Snapshot()
	stats := map[string]string{
		"tokens_today": strconv.FormatInt(input+output, 10),
		"rounds_today": strconv.FormatInt(rounds, 10),
		"uptime":       buildinfo.Uptime().String(),
		"version":      buildinfo.Version,
	}
	for name, value := range stats {
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   m.statsTopic(name),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			m.logger.Debug("mqtt stats publish failed", "stat", name, "error", err)
		}
	}
	m.logger.Debug("mqtt stats published", "count", len(stats))
}

func (m *Mirror) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		m.logger.Info("mqtt availability published", "status", status)
	}
}

func (m *Mirror) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if m.confirmer == nil {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: m.confirmTopic(), QoS: 1}},
	}); err != nil {
		m.logger.Warn("mqtt subscribe failed", "topic", m.confirmTopic(), "error", err)
		return
	}
	m.logger.Debug("mqtt subscribed", "topic", m.confirmTopic())
}

// intField reads a numeric event field. Events built in process carry
// ints; decoded ones carry float64.
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
