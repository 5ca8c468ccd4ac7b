package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/phiwazulumoh/cop/pkg/api"
	"github.com/phiwazulumoh/cop/pkg/session"
)

// Presence wire payloads. Field names match what the presence service
// expects on presence.heartbeat, presence.disconnect, and presence.update.
type heartbeatPayload struct {
	UserID string `json:"userId"`
	ConnID string `json:"connId"`
}

type statusUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// PresenceMember is one room member's presence in an event.
type PresenceMember struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// PresenceEvent is the snapshot broadcast on presence.event.{room} whenever
// a member joins, leaves, or changes status.
type PresenceEvent struct {
	Type    string           `json:"type"`
	UserID  string           `json:"userId"`
	Room    string           `json:"room"`
	Members []PresenceMember `json:"members"`
}

var validStatuses = map[string]bool{
	"online": true, "away": true, "busy": true, "offline": true,
}

// Publisher is the outbound slice of the messaging connection.
// *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PresenceConfig configures a Presence.
type PresenceConfig struct {
	Feed FeedConn
	Pub  Publisher
	// Identity is the confirmed local identity. Required.
	Identity *session.Identity
	// HeartbeatInterval defaults to 15s, well under the server's connection
	// TTL so one missed beat does not read as a disconnect.
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Presence keeps the local identity visible as online: it sends periodic
// heartbeats keyed by a per-process connection id, publishes status changes,
// and exposes per-room presence events. Close sends a graceful disconnect so
// the server does not have to wait for the heartbeat TTL.
type Presence struct {
	feed     FeedConn
	pub      Publisher
	identity *session.Identity
	connID   string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	watches []Unsubscriber

	heartbeats metric.Int64Counter
}

// NewPresence creates a Presence for a confirmed identity. Like the live
// subscriber, it fails fast with *api.AuthError when the identity is absent.
func NewPresence(cfg PresenceConfig) (*Presence, error) {
	if cfg.Identity == nil || cfg.Identity.UID == "" {
		return nil, &api.AuthError{Reason: "presence requires a confirmed identity"}
	}
	if cfg.Feed == nil || cfg.Pub == nil {
		return nil, fmt.Errorf("chat: Feed and Pub are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	heartbeats, _ := meter.Int64Counter("chat.presence.heartbeats",
		metric.WithDescription("Presence heartbeats published"))

	return &Presence{
		feed:       cfg.Feed,
		pub:        cfg.Pub,
		identity:   cfg.Identity,
		connID:     uuid.NewString(),
		interval:   interval,
		logger:     logger,
		heartbeats: heartbeats,
	}, nil
}

// ConnID returns this process's presence connection id.
func (p *Presence) ConnID() string {
	return p.connID
}

// Start begins the heartbeat loop. The first beat is sent immediately so the
// identity shows online without waiting one interval.
func (p *Presence) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("chat: presence is closed")
	}
	if p.cancel != nil {
		p.mu.Unlock()
		return fmt.Errorf("chat: presence already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.beat(loopCtx)
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.beat(loopCtx)
			}
		}
	}()

	p.logger.Info("presence heartbeat started", "conn_id", p.connID, "interval", p.interval)
	return nil
}

func (p *Presence) beat(ctx context.Context) {
	data, err := json.Marshal(heartbeatPayload{UserID: p.identity.UID, ConnID: p.connID})
	if err != nil {
		return
	}
	if err := p.pub.Publish("presence.heartbeat", data); err != nil {
		p.logger.Warn("heartbeat publish failed", "error", err)
		return
	}
	p.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("user", p.identity.UID)))
}

// SetStatus publishes a status change for the local identity.
func (p *Presence) SetStatus(status string) error {
	if !validStatuses[status] {
		return fmt.Errorf("chat: invalid presence status %q", status)
	}
	data, err := json.Marshal(statusUpdate{UserID: p.identity.UID, Status: status})
	if err != nil {
		return err
	}
	if err := p.pub.Publish("presence.update", data); err != nil {
		return &api.TransportError{Op: "publish presence.update", Err: err}
	}
	p.logger.Debug("presence status published", "status", status)
	return nil
}

// WatchRoom subscribes to the room's presence events. The subscription lives
// until Close.
func (p *Presence) WatchRoom(roomID string, onEvent func(PresenceEvent)) error {
	if roomID == "" {
		return fmt.Errorf("chat: roomID is required")
	}

	sub, err := p.feed.Subscribe("presence.event."+roomID, func(msg *nats.Msg) {
		var evt PresenceEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			p.logger.Warn("dropping undecodable presence event", "room", roomID, "error", err)
			return
		}
		onEvent(evt)
	})
	if err != nil {
		return &api.TransportError{Op: "subscribe presence.event." + roomID, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sub.Unsubscribe()
		return fmt.Errorf("chat: presence is closed")
	}
	p.watches = append(p.watches, sub)
	return nil
}

// Close stops the heartbeat loop, drops room watches, and sends a graceful
// disconnect. Safe to call more than once.
func (p *Presence) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.cancel
	watches := p.watches
	p.watches = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, w := range watches {
		if err := w.Unsubscribe(); err != nil {
			p.logger.Warn("presence unsubscribe failed", "error", err)
		}
	}

	data, err := json.Marshal(heartbeatPayload{UserID: p.identity.UID, ConnID: p.connID})
	if err == nil {
		if err := p.pub.Publish("presence.disconnect", data); err != nil {
			p.logger.Warn("disconnect publish failed", "error", err)
		}
	}
	p.logger.Info("presence closed", "conn_id", p.connID)
}
