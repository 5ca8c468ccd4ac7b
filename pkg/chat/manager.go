package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/phiwazulumoh/cop/pkg/api"
	"github.com/phiwazulumoh/cop/pkg/session"
)

// State is the Room Session Manager's lifecycle state.
type State int

const (
	// StateUnauthenticated means no usable credential. Also the terminal
	// state after a fatal identity mismatch.
	StateUnauthenticated State = iota
	// StateAwaitingAuthConfirmation means a credential exists; identity is
	// being (or has been) confirmed but no room is attached yet.
	StateAwaitingAuthConfirmation
	// StateSubscribed means a room is active with a live subscription.
	StateSubscribed
	// StateSwitchingRoom means the previous subscription is down and the next
	// room's history/attach is in progress or awaiting a retry.
	StateSwitchingRoom
	// StateClosed means the manager is torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAwaitingAuthConfirmation:
		return "awaiting-auth-confirmation"
	case StateSubscribed:
		return "subscribed"
	case StateSwitchingRoom:
		return "switching-room"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IdentityConfirmer confirms that a session's token belongs to its user.
// *session.Verifier is the production implementation.
type IdentityConfirmer interface {
	Confirm(sess *session.Session) (*session.Identity, error)
}

// UnreadAPI is the slice of the REST client used to seed the conversation
// list on startup.
type UnreadAPI interface {
	GetUnreadMessages(ctx context.Context) ([]api.ChatMessage, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store      *session.Store
	Confirmer  IdentityConfirmer
	Fetcher    *HistoryFetcher
	Subscriber *Subscriber
	Reconciler *Reconciler
	// Unread seeds per-room unread messages on startup. Optional.
	Unread UnreadAPI
	Logger *slog.Logger
	// OnMessage receives every newly reconciled live message for the active
	// room.
	OnMessage func(api.ChatMessage)
	// OnFatal is invoked exactly once if the session dies to an identity
	// mismatch or invalid credential. Optional.
	OnFatal func(error)
}

// Manager owns which room is active. It confirms identity before any
// subscription, fetches history before attaching the live feed, and
// guarantees at most one live subscription exists at a time. Transitions are
// serialized; callers may invoke it from any goroutine.
type Manager struct {
	store      *session.Store
	confirmer  IdentityConfirmer
	fetcher    *HistoryFetcher
	subscriber *Subscriber
	reconciler *Reconciler
	unread     UnreadAPI
	logger     *slog.Logger
	onMessage  func(api.ChatMessage)
	onFatal    func(error)

	// switchMu serializes whole room switches. The state mutex cannot be
	// held across the history fetch and attach, so without this two
	// overlapping SelectRoom calls would both see no live subscription and
	// leave two attached.
	switchMu sync.Mutex

	mu            sync.Mutex
	state         State
	identity      *session.Identity
	activeRoom    string
	sub           *Subscription
	fatalErr      error
	fatalSurfaced bool

	roomSwitches metric.Int64Counter
}

// NewManager creates a Manager in the Unauthenticated state.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil || cfg.Confirmer == nil || cfg.Fetcher == nil ||
		cfg.Subscriber == nil || cfg.Reconciler == nil {
		return nil, fmt.Errorf("chat: Store, Confirmer, Fetcher, Subscriber, and Reconciler are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onMessage := cfg.OnMessage
	if onMessage == nil {
		onMessage = func(api.ChatMessage) {}
	}

	roomSwitches, _ := meter.Int64Counter("chat.room.switches",
		metric.WithDescription("Room selection changes handled by the session manager"))

	return &Manager{
		store:        cfg.Store,
		confirmer:    cfg.Confirmer,
		fetcher:      cfg.Fetcher,
		subscriber:   cfg.Subscriber,
		reconciler:   cfg.Reconciler,
		unread:       cfg.Unread,
		logger:       logger,
		onMessage:    onMessage,
		onFatal:      cfg.OnFatal,
		state:        StateUnauthenticated,
		roomSwitches: roomSwitches,
	}, nil
}

// Start hydrates the persisted session and confirms the identity. With no
// persisted session the manager stays Unauthenticated and returns nil: the
// caller must sign in and call Start again. A confirmation failure is fatal
// for the session and surfaced exactly once.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return fmt.Errorf("chat: manager is closed")
	}

	sess, err := m.store.Load()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if sess == nil {
		m.state = StateUnauthenticated
		m.mu.Unlock()
		m.logger.Info("no persisted session, sign-in required")
		return nil
	}

	m.state = StateAwaitingAuthConfirmation
	m.mu.Unlock()

	identity, err := m.confirmer.Confirm(sess)
	if err != nil {
		return m.fatal(err)
	}

	m.mu.Lock()
	m.identity = identity
	m.mu.Unlock()
	m.logger.Info("identity confirmed", "uid", identity.UID)

	m.seedUnread(ctx)
	return nil
}

// seedUnread loads the cross-room unread set into the reconciler so the
// conversation list has content before any room is opened. Failure is
// recoverable and only logged.
func (m *Manager) seedUnread(ctx context.Context) {
	if m.unread == nil {
		return
	}
	unread, err := m.unread.GetUnreadMessages(ctx)
	if err != nil {
		m.logger.Warn("unread seed failed", "error", err)
		return
	}
	// The backend returns one flat list; group by room before ingesting.
	byRoom := make(map[string][]api.ChatMessage)
	for _, msg := range unread {
		if msg.RoomID == "" {
			continue
		}
		byRoom[msg.RoomID] = append(byRoom[msg.RoomID], msg)
	}
	for roomID, messages := range byRoom {
		m.reconciler.IngestHistoryPage(roomID, messages)
	}
	m.logger.Info("unread messages seeded", "total", len(unread), "rooms", len(byRoom))
}

// SelectRoom makes roomID the active room: it closes any prior subscription,
// fetches the room's history page, then attaches the live feed, in that
// order. A transport failure leaves the room selected so the caller can call
// SelectRoom again to retry; an auth failure is fatal for the session.
func (m *Manager) SelectRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("chat: roomID is required")
	}

	// One switch at a time, fetch and attach included.
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	switch {
	case m.state == StateClosed:
		m.mu.Unlock()
		return fmt.Errorf("chat: manager is closed")
	case m.identity == nil:
		m.mu.Unlock()
		return &api.AuthError{Reason: "cannot select a room before identity confirmation"}
	case m.state == StateSubscribed && m.activeRoom == roomID:
		m.mu.Unlock()
		return nil
	}

	// Old subscription down before the new one goes up: no two live
	// subscriptions may coexist, and no cross-room events may leak into the
	// new view.
	if m.sub != nil {
		m.sub.Stop()
		m.sub = nil
	}
	m.state = StateSwitchingRoom
	m.activeRoom = roomID
	identity := m.identity
	m.mu.Unlock()

	m.roomSwitches.Add(ctx, 1, metric.WithAttributes(attribute.String("room", roomID)))

	if _, err := m.fetcher.Fetch(ctx, roomID); err != nil {
		if api.IsAuthError(err) {
			return m.fatal(err)
		}
		m.logger.Warn("history fetch failed, room stays selected", "room", roomID, "error", err)
		return err
	}

	sub, err := m.subscriber.Attach(identity, roomID, func(msg api.ChatMessage) {
		if m.reconciler.IngestLiveMessage(roomID, msg) {
			m.onMessage(msg)
		}
	})
	if err != nil {
		if api.IsAuthError(err) {
			return m.fatal(err)
		}
		m.logger.Warn("live attach failed, room stays selected", "room", roomID, "error", err)
		return err
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		sub.Stop()
		return fmt.Errorf("chat: manager closed during room switch")
	}
	m.sub = sub
	m.state = StateSubscribed
	m.mu.Unlock()

	m.logger.Info("room subscribed", "room", roomID)
	return nil
}

// fatal records a session-ending auth failure. The manager drops to
// Unauthenticated and the error is surfaced through OnFatal exactly once,
// no matter how many operations observe it.
func (m *Manager) fatal(err error) error {
	m.mu.Lock()
	if m.sub != nil {
		m.sub.Stop()
		m.sub = nil
	}
	if m.state != StateClosed {
		m.state = StateUnauthenticated
	}
	m.fatalErr = err
	surfaced := m.fatalSurfaced
	m.fatalSurfaced = true
	m.mu.Unlock()

	if !surfaced {
		m.logger.Error("session is no longer valid", "error", err)
		if m.onFatal != nil {
			m.onFatal(err)
		}
	}
	return err
}

// SignOut returns the manager to Unauthenticated: the live subscription is
// stopped, the confirmed identity and any fatal error are forgotten, and a
// later sign-in may call Start again. Unlike Close, the manager stays usable.
func (m *Manager) SignOut() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	sub := m.sub
	m.sub = nil
	m.identity = nil
	m.activeRoom = ""
	m.fatalErr = nil
	m.fatalSurfaced = false
	m.state = StateUnauthenticated
	m.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	m.logger.Info("signed out")
}

// Close tears the manager down: the live subscription is stopped and no
// further transitions are accepted. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	m.logger.Info("room session manager closed")
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveRoom returns the selected room id, or empty when none is selected.
func (m *Manager) ActiveRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeRoom
}

// Identity returns the confirmed identity, or nil before confirmation.
func (m *Manager) Identity() *session.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// FatalErr returns the session-ending error, or nil.
func (m *Manager) FatalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

// Messages returns the reconciled view for a room, oldest first.
func (m *Manager) Messages(roomID string) []api.ChatMessage {
	return m.reconciler.Messages(roomID)
}
