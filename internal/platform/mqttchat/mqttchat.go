// Package mqttchat implements a ChatEvent source and Adapter over MQTT,
// satisfying orchestrator.Adapter so the orchestrator can treat an MQTT
// broker as just another chat platform. Grounded on
// internal/mqtt/publisher.go's autopaho connection lifecycle
// (ServerUrls/KeepAlive/OnConnectionUp/OnConnectError, TLS for mqtts://
// and ssl:// schemes, re-subscribe on every reconnect since autopaho
// does not do this automatically) and internal/mqtt/subscriber.go's
// atomic messageRateLimiter, repurposed from Home Assistant discovery
// and sensor-state topics to a pair of chat topics per group:
// "{prefix}/{groupID}/in" for inbound messages and
// "{prefix}/{groupID}/out" for outbound ones.
package mqttchat

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/chatwarden/internal/config"
	"github.com/nugget/chatwarden/internal/orchestrator"
)

// inboundPayload is the wire shape expected on "{prefix}/{groupID}/in".
// group_id is optional since the topic already carries it; an explicit
// field lets a bridge correct for brokers that collapse topic levels.
type inboundPayload struct {
	GroupID     string `json:"group_id,omitempty"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Text        string `json:"text"`
	MentionsBot bool   `json:"mentions_bot,omitempty"`
	FromBot     bool   `json:"from_bot,omitempty"`
	IsPrivate   bool   `json:"is_private,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// outboundPayload is published to "{prefix}/{groupID}/out".
type outboundPayload struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// Bridge is an MQTT-backed orchestrator.Adapter. It publishes outbound
// replies to a per-group topic and, once Start is running, invokes
// Handler for every inbound chat message it receives.
type Bridge struct {
	cfg     config.MQTTConfig
	logger  *slog.Logger
	Handler func(ctx context.Context, ev orchestrator.ChatEvent)

	cm          *autopaho.ConnectionManager
	rateLimiter *messageRateLimiter
}

// New creates a Bridge. Handler may be set after construction, but must
// be set before Start if the adapter is meant to receive messages.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: logger}
}

var _ orchestrator.Adapter = (*Bridge)(nil)

// Start connects to the configured broker and subscribes to the inbound
// chat wildcard. It blocks until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.cfg.Enabled() {
		return fmt.Errorf("mqttchat: no broker configured")
	}

	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqttchat: parse broker url: %w", err)
	}

	b.rateLimiter = newMessageRateLimiter(int64(b.cfg.RateLimit), b.cfg.RateLimitInterval(), b.logger)
	go b.rateLimiter.start(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqttchat connected to broker", "broker", b.cfg.Broker)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			b.subscribe(subCtx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqttchat connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttchat: connect: %w", err)
	}
	b.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !b.rateLimiter.allow() {
			return true, nil
		}
		b.dispatch(ctx, pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqttchat initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: b.inboundWildcard(), QoS: 1},
		},
	}); err != nil {
		b.logger.Error("mqttchat subscribe failed", "topic", b.inboundWildcard(), "error", err)
	}
}

// dispatch recovers from handler panics the same way the publisher's
// inbound handler does, since a single malformed message must not take
// the connection's receive goroutine down with it.
func (b *Bridge) dispatch(ctx context.Context, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("mqttchat handler panicked", "topic", topic, "panic", r)
		}
	}()

	ev, err := parseInbound(b.cfg.PlatformName, topic, payload)
	if err != nil {
		b.logger.Warn("mqttchat dropping unparseable message", "topic", topic, "error", err)
		return
	}
	if b.Handler != nil {
		b.Handler(ctx, ev)
	}
}

// SendText publishes text to groupID's outbound topic, satisfying
// orchestrator.Adapter.
func (b *Bridge) SendText(ctx context.Context, groupID, text, replyTo string) error {
	if b.cm == nil {
		return fmt.Errorf("mqttchat: not connected")
	}
	body, err := json.Marshal(outboundPayload{Text: text, ReplyTo: replyTo})
	if err != nil {
		return fmt.Errorf("mqttchat: marshal outbound payload: %w", err)
	}
	_, err = b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.outboundTopic(groupID),
		QoS:     1,
		Payload: body,
	})
	if err != nil {
		return fmt.Errorf("mqttchat: publish: %w", err)
	}
	return nil
}

func (b *Bridge) inboundWildcard() string {
	return b.cfg.TopicPrefix + "/+/in"
}

func (b *Bridge) outboundTopic(groupID string) string {
	return b.cfg.TopicPrefix + "/" + groupID + "/out"
}

// parseInbound decodes an inbound chat message and fills in the group ID
// from the topic when the payload omits it.
func parseInbound(platform, topic string, payload []byte) (orchestrator.ChatEvent, error) {
	var p inboundPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return orchestrator.ChatEvent{}, fmt.Errorf("unmarshal: %w", err)
	}

	groupID := p.GroupID
	if groupID == "" {
		groupID = groupIDFromTopic(topic)
	}
	if groupID == "" {
		return orchestrator.ChatEvent{}, fmt.Errorf("no group id in payload or topic %q", topic)
	}

	ts := time.Now()
	if p.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, p.Timestamp); err == nil {
			ts = parsed
		}
	}

	return orchestrator.ChatEvent{
		Platform:    platform,
		GroupID:     groupID,
		UserID:      p.UserID,
		MessageID:   p.MessageID,
		RawText:     p.Text,
		Timestamp:   ts,
		MentionsBot: p.MentionsBot,
		FromBot:     p.FromBot,
		UserName:    p.UserName,
		IsPrivate:   p.IsPrivate,
	}, nil
}

// groupIDFromTopic extracts the {groupID} segment from
// "{prefix}/{groupID}/in".
func groupIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}

// messageRateLimiter tracks inbound message rates and drops messages
// over the configured threshold, using atomic counters for lock-free
// operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqttchat messages dropped due to rate limit",
					"received", count, "dropped", dropped,
					"interval", r.interval.String(), "limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
