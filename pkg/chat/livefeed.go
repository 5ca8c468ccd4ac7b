package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/phiwazulumoh/cop/pkg/api"
	"github.com/phiwazulumoh/cop/pkg/otelhelper"
	"github.com/phiwazulumoh/cop/pkg/session"
)

// RoomSubject returns the feed subject for a room.
func RoomSubject(roomID string) string {
	return "chat.room." + roomID
}

// Unsubscriber detaches a live subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// FeedConn is the slice of the messaging connection the subscriber needs.
// NatsFeed adapts *nats.Conn to it.
type FeedConn interface {
	Subscribe(subject string, handler func(*nats.Msg)) (Unsubscriber, error)
}

// NatsFeed adapts a NATS connection to FeedConn.
type NatsFeed struct {
	Conn *nats.Conn
}

func (f *NatsFeed) Subscribe(subject string, handler func(*nats.Msg)) (Unsubscriber, error) {
	return f.Conn.Subscribe(subject, handler)
}

// ReadMarker is the slice of the REST client used for read receipts.
type ReadMarker interface {
	MarkMessageRead(ctx context.Context, roomID, messageID string) error
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Feed   FeedConn
	Marker ReadMarker
	Logger *slog.Logger
	// MarkReadTimeout bounds each read-receipt write. Defaults to 10s.
	MarkReadTimeout time.Duration
}

// Subscriber attaches live subscriptions to per-room feeds. Each appended
// message is delivered to the room's callback once per distinct id per
// subscription; duplicates from the transport are dropped here before they
// reach the Reconciler.
type Subscriber struct {
	feed            FeedConn
	marker          ReadMarker
	logger          *slog.Logger
	markReadTimeout time.Duration

	liveDelivered  metric.Int64Counter
	liveDuplicate  metric.Int64Counter
	liveDecodeErr  metric.Int64Counter
	attachFailures metric.Int64Counter
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.MarkReadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	liveDelivered, _ := meter.Int64Counter("chat.live.messages.delivered",
		metric.WithDescription("Live-feed messages delivered to room callbacks"))
	liveDuplicate, _ := meter.Int64Counter("chat.live.messages.duplicate",
		metric.WithDescription("Live-feed messages dropped as duplicates"))
	liveDecodeErr, _ := meter.Int64Counter("chat.live.messages.decode_errors",
		metric.WithDescription("Live-feed payloads that failed to decode"))
	attachFailures, _ := meter.Int64Counter("chat.live.attach.failures",
		metric.WithDescription("Live subscription attach attempts that failed"))

	return &Subscriber{
		feed:            cfg.Feed,
		marker:          cfg.Marker,
		logger:          logger,
		markReadTimeout: timeout,
		liveDelivered:   liveDelivered,
		liveDuplicate:   liveDuplicate,
		liveDecodeErr:   liveDecodeErr,
		attachFailures:  attachFailures,
	}
}

// Subscription is one live attachment to a room's feed. Stop is synchronous:
// once it returns, the callback will not be invoked again, even for events
// already in flight at the transport.
type Subscription struct {
	roomID string
	sub    Unsubscriber
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	seen   map[string]struct{}
}

// RoomID returns the room this subscription is attached to.
func (s *Subscription) RoomID() string {
	return s.roomID
}

// Stop detaches the subscription. Safe to call more than once.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.sub.Unsubscribe(); err != nil {
		s.logger.Warn("unsubscribe failed", "room", s.roomID, "error", err)
	}
}

// Attach opens a live subscription on the room's feed. identity must be the
// confirmed local identity: attaching without one is a programming error and
// fails fast with *api.AuthError before any transport work. onMessage is
// invoked once per distinct message id, in delivery order.
func (s *Subscriber) Attach(identity *session.Identity, roomID string, onMessage func(api.ChatMessage)) (*Subscription, error) {
	if identity == nil || identity.UID == "" {
		return nil, &api.AuthError{Reason: "live subscription requires a confirmed identity"}
	}
	if roomID == "" {
		return nil, fmt.Errorf("chat: roomID is required")
	}

	subscription := &Subscription{
		roomID: roomID,
		logger: s.logger,
		seen:   make(map[string]struct{}),
	}

	handler := func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "chat.live.receive")
		defer span.End()

		var message api.ChatMessage
		if err := json.Unmarshal(msg.Data, &message); err != nil {
			s.liveDecodeErr.Add(ctx, 1)
			s.logger.Warn("dropping undecodable live message", "subject", msg.Subject, "error", err)
			return
		}
		if message.ID == "" {
			s.liveDecodeErr.Add(ctx, 1)
			return
		}
		message.RoomID = roomID

		// The closed check and the callback share the subscription mutex so
		// Stop returning guarantees no further invocation.
		subscription.mu.Lock()
		if subscription.closed {
			subscription.mu.Unlock()
			return
		}
		if _, dup := subscription.seen[message.ID]; dup {
			subscription.mu.Unlock()
			s.liveDuplicate.Add(ctx, 1)
			return
		}
		subscription.seen[message.ID] = struct{}{}
		onMessage(message)
		subscription.mu.Unlock()

		s.liveDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("room", roomID)))

		if message.ReceiverID == identity.UID && !message.ReadBy(identity.UID) {
			go s.markRead(roomID, message.ID)
		}
	}

	sub, err := s.feed.Subscribe(RoomSubject(roomID), handler)
	if err != nil {
		s.attachFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("room", roomID)))
		return nil, &api.TransportError{Op: "subscribe " + RoomSubject(roomID), Err: err}
	}
	subscription.sub = sub

	s.logger.Info("live subscription attached", "room", roomID)
	return subscription, nil
}

// markRead writes a read receipt. Failures are logged and swallowed: message
// visibility never depends on the receipt landing.
func (s *Subscriber) markRead(roomID, messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.markReadTimeout)
	defer cancel()

	if err := s.marker.MarkMessageRead(ctx, roomID, messageID); err != nil {
		s.logger.Warn("mark-read failed", "room", roomID, "message", messageID, "error", err)
	}
}
