package chat

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/phiwazulumoh/cop/pkg/api"
	"github.com/phiwazulumoh/cop/pkg/session"
)

type fakeConfirmer struct {
	identity *session.Identity
	err      error
	calls    int
}

func (c *fakeConfirmer) Confirm(sess *session.Session) (*session.Identity, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.identity, nil
}

type fakeHistory struct {
	mu       sync.Mutex
	pages    map[string][]api.ChatMessage
	err      error
	requests int
	// gate, when set, blocks every fetch until it is closed.
	gate chan struct{}
}

func (h *fakeHistory) GetMessages(ctx context.Context, roomID string, limit int) ([]api.ChatMessage, error) {
	if h.gate != nil {
		<-h.gate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests++
	if h.err != nil {
		return nil, h.err
	}
	return h.pages[roomID], nil
}

type fakeUnread struct {
	result []api.ChatMessage
	err    error
}

func (u *fakeUnread) GetUnreadMessages(ctx context.Context) ([]api.ChatMessage, error) {
	if u.err != nil {
		return nil, u.err
	}
	return u.result, nil
}

type managerFixture struct {
	manager    *Manager
	store      *session.Store
	confirmer  *fakeConfirmer
	history    *fakeHistory
	feed       *fakeFeed
	reconciler *Reconciler
	fatals     []error
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	store := session.NewStore(filepath.Join(t.TempDir(), "session.json"), nil)
	if err := store.Save(&session.Session{
		Token: "tok",
		User:  api.User{UID: "me", Email: "me@example.com"},
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	fx := &managerFixture{
		store:      store,
		confirmer:  &fakeConfirmer{identity: &session.Identity{UID: "me"}},
		history:    &fakeHistory{pages: map[string][]api.ChatMessage{}},
		feed:       newFakeFeed(),
		reconciler: NewReconciler(),
	}

	manager, err := NewManager(ManagerConfig{
		Store:      fx.store,
		Confirmer:  fx.confirmer,
		Fetcher:    NewHistoryFetcher(fx.history, fx.reconciler, 50),
		Subscriber: NewSubscriber(SubscriberConfig{Feed: fx.feed, Marker: &fakeMarker{}}),
		Reconciler: fx.reconciler,
		OnFatal:    func(err error) { fx.fatals = append(fx.fatals, err) },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	fx.manager = manager
	t.Cleanup(manager.Close)
	return fx
}

func TestStartWithoutSessionStaysUnauthenticated(t *testing.T) {
	store := session.NewStore(filepath.Join(t.TempDir(), "session.json"), nil)
	manager, err := NewManager(ManagerConfig{
		Store:      store,
		Confirmer:  &fakeConfirmer{},
		Fetcher:    NewHistoryFetcher(&fakeHistory{}, NewReconciler(), 50),
		Subscriber: NewSubscriber(SubscriberConfig{Feed: newFakeFeed(), Marker: &fakeMarker{}}),
		Reconciler: NewReconciler(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer manager.Close()

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if manager.State() != StateUnauthenticated {
		t.Fatalf("state = %s, want unauthenticated", manager.State())
	}
}

func TestIdentityMismatchIsFatalExactlyOnce(t *testing.T) {
	fx := newManagerFixture(t)
	fx.confirmer.err = &api.AuthError{Reason: "token subject mismatch"}

	err := fx.manager.Start(context.Background())
	if !api.IsAuthError(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if fx.manager.State() != StateUnauthenticated {
		t.Fatalf("state = %s, want unauthenticated", fx.manager.State())
	}

	// A second failing operation must not surface the fatal error again.
	_ = fx.manager.Start(context.Background())
	if len(fx.fatals) != 1 {
		t.Fatalf("OnFatal fired %d times, want exactly 1", len(fx.fatals))
	}
	if len(fx.feed.handlers) != 0 {
		t.Fatal("a subscription was attached despite the identity mismatch")
	}
}

func TestSelectRoomBeforeConfirmationIsAuthError(t *testing.T) {
	fx := newManagerFixture(t)
	// No Start: identity never confirmed.
	err := fx.manager.SelectRoom(context.Background(), "r1")
	if !api.IsAuthError(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestSelectRoomFetchesHistoryThenAttaches(t *testing.T) {
	fx := newManagerFixture(t)
	t0 := time.Now()
	fx.history.pages["r1"] = []api.ChatMessage{msgAt("m1", t0)}

	if err := fx.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if fx.manager.State() != StateAwaitingAuthConfirmation {
		t.Fatalf("state after Start = %s", fx.manager.State())
	}

	if err := fx.manager.SelectRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("SelectRoom: %v", err)
	}
	if fx.manager.State() != StateSubscribed || fx.manager.ActiveRoom() != "r1" {
		t.Fatalf("state = %s, room = %s", fx.manager.State(), fx.manager.ActiveRoom())
	}

	// History landed and the live feed extends it.
	fx.feed.deliver(t, RoomSubject("r1"), msgAt("m2", t0.Add(time.Second)))
	if got := fx.manager.Messages("r1"); !sameIDs(got, "m1", "m2") {
		t.Fatalf("sequence = %v", ids(got))
	}

	// Selecting the current room again is a no-op.
	if err := fx.manager.SelectRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("re-select: %v", err)
	}
}

func TestRoomSwitchClosesOldSubscription(t *testing.T) {
	fx := newManagerFixture(t)
	if err := fx.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fx.manager.SelectRoom(context.Background(), "roomA"); err != nil {
		t.Fatalf("select A: %v", err)
	}

	// Keep room A's raw handler to model an event in flight at switch time.
	oldHandler := fx.feed.handlerFor(RoomSubject("roomA"))

	if err := fx.manager.SelectRoom(context.Background(), "roomB"); err != nil {
		t.Fatalf("select B: %v", err)
	}
	if fx.feed.handlerFor(RoomSubject("roomA")) != nil {
		t.Fatal("room A subscription still registered after switch")
	}

	data, err := json.Marshal(msgAt("late-a", time.Now()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	oldHandler(&nats.Msg{Subject: RoomSubject("roomA"), Data: data})

	if fx.reconciler.Seen("roomA", "late-a") {
		t.Fatal("event for room A leaked through after the switch")
	}

	// Room B's feed works.
	fx.feed.deliver(t, RoomSubject("roomB"), msgAt("b1", time.Now()))
	if !fx.reconciler.Seen("roomB", "b1") {
		t.Fatal("room B delivery missing")
	}
}

func TestConcurrentSelectRoomLeavesOneSubscription(t *testing.T) {
	fx := newManagerFixture(t)
	if err := fx.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Hold every history fetch at the gate so both selections are in flight
	// at once. Switches must still serialize: whichever room wins, exactly
	// one subscription may be live afterwards.
	gate := make(chan struct{})
	fx.history.gate = gate

	var wg sync.WaitGroup
	for _, room := range []string{"roomA", "roomB"} {
		wg.Add(1)
		go func(room string) {
			defer wg.Done()
			if err := fx.manager.SelectRoom(context.Background(), room); err != nil {
				t.Errorf("SelectRoom(%s): %v", room, err)
			}
		}(room)
	}
	close(gate)
	wg.Wait()

	if got := fx.feed.handlerCount(); got != 1 {
		t.Fatalf("live subscriptions after concurrent switches = %d, want 1", got)
	}
	active := fx.manager.ActiveRoom()
	if fx.feed.handlerFor(RoomSubject(active)) == nil {
		t.Fatalf("surviving subscription is not for the active room %s", active)
	}
	if fx.manager.State() != StateSubscribed {
		t.Fatalf("state = %s, want subscribed", fx.manager.State())
	}
}

func TestTransportFailureKeepsRoomSelected(t *testing.T) {
	fx := newManagerFixture(t)
	if err := fx.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fx.history.err = &api.TransportError{Op: "GET messages", Message: "backend down"}
	err := fx.manager.SelectRoom(context.Background(), "r1")
	if !api.IsTransportError(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if fx.manager.ActiveRoom() != "r1" {
		t.Fatal("room deselected on a recoverable failure")
	}
	if fx.manager.State() != StateSwitchingRoom {
		t.Fatalf("state = %s, want switching-room", fx.manager.State())
	}
	if len(fx.fatals) != 0 {
		t.Fatal("transport failure was treated as fatal")
	}

	// Retry after the backend recovers.
	fx.history.err = nil
	if err := fx.manager.SelectRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if fx.manager.State() != StateSubscribed {
		t.Fatalf("state after retry = %s", fx.manager.State())
	}
}

func TestAuthFailureDuringFetchIsFatal(t *testing.T) {
	fx := newManagerFixture(t)
	if err := fx.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fx.history.err = &api.AuthError{Reason: "token expired"}
	err := fx.manager.SelectRoom(context.Background(), "r1")
	if !api.IsAuthError(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if fx.manager.State() != StateUnauthenticated {
		t.Fatalf("state = %s, want unauthenticated", fx.manager.State())
	}
	if len(fx.fatals) != 1 {
		t.Fatalf("OnFatal fired %d times, want 1", len(fx.fatals))
	}
}

func TestUnreadSeedPopulatesRooms(t *testing.T) {
	fx := newManagerFixture(t)
	t0 := time.Now()

	store := fx.store
	manager, err := NewManager(ManagerConfig{
		Store:      store,
		Confirmer:  fx.confirmer,
		Fetcher:    NewHistoryFetcher(fx.history, fx.reconciler, 50),
		Subscriber: NewSubscriber(SubscriberConfig{Feed: fx.feed, Marker: &fakeMarker{}}),
		Reconciler: fx.reconciler,
		// The unread endpoint returns one flat list across rooms; the
		// manager groups by RoomID when seeding.
		Unread: &fakeUnread{result: []api.ChatMessage{
			withRoom(msgAt("u1", t0), "r1"),
			withRoom(msgAt("u2", t0), "r2"),
		}},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer manager.Close()

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if fx.reconciler.Len("r1") != 1 || fx.reconciler.Len("r2") != 1 {
		t.Fatal("unread seed did not populate the reconciler")
	}
}

func TestUnreadSeedFailureIsRecoverable(t *testing.T) {
	fx := newManagerFixture(t)
	manager, err := NewManager(ManagerConfig{
		Store:      fx.store,
		Confirmer:  fx.confirmer,
		Fetcher:    NewHistoryFetcher(fx.history, fx.reconciler, 50),
		Subscriber: NewSubscriber(SubscriberConfig{Feed: fx.feed, Marker: &fakeMarker{}}),
		Reconciler: fx.reconciler,
		Unread:     &fakeUnread{err: &api.TransportError{Op: "GET unread", Message: "down"}},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer manager.Close()

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start must not fail on unread seed errors: %v", err)
	}
}

func TestSignOutAllowsNewSession(t *testing.T) {
	fx := newManagerFixture(t)
	if err := fx.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fx.manager.SelectRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("SelectRoom: %v", err)
	}

	fx.manager.SignOut()

	if fx.manager.State() != StateUnauthenticated {
		t.Fatalf("state = %s, want unauthenticated", fx.manager.State())
	}
	if fx.manager.Identity() != nil || fx.manager.ActiveRoom() != "" {
		t.Fatal("identity or room survived sign-out")
	}
	if fx.feed.handlerFor(RoomSubject("r1")) != nil {
		t.Fatal("subscription still attached after sign-out")
	}

	// Unlike Close, sign-out leaves the manager usable for the next login.
	if err := fx.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start after sign-out: %v", err)
	}
	if err := fx.manager.SelectRoom(context.Background(), "r2"); err != nil {
		t.Fatalf("SelectRoom after sign-out: %v", err)
	}
	if fx.manager.State() != StateSubscribed || fx.manager.ActiveRoom() != "r2" {
		t.Fatalf("state = %s, room = %s", fx.manager.State(), fx.manager.ActiveRoom())
	}
}

func TestSignOutResetsFatalSurfacing(t *testing.T) {
	fx := newManagerFixture(t)
	fx.confirmer.err = &api.AuthError{Reason: "token subject mismatch"}
	_ = fx.manager.Start(context.Background())
	if len(fx.fatals) != 1 {
		t.Fatalf("OnFatal fired %d times, want 1", len(fx.fatals))
	}

	fx.manager.SignOut()
	if fx.manager.FatalErr() != nil {
		t.Fatal("fatal error survived sign-out")
	}

	// A fatal failure in the next session must be surfaced again.
	_ = fx.manager.Start(context.Background())
	if len(fx.fatals) != 2 {
		t.Fatalf("OnFatal fired %d times across sessions, want 2", len(fx.fatals))
	}
}

func TestCloseStopsSubscriptionAndRejectsTransitions(t *testing.T) {
	fx := newManagerFixture(t)
	if err := fx.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fx.manager.SelectRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("SelectRoom: %v", err)
	}

	fx.manager.Close()
	fx.manager.Close() // idempotent

	if fx.manager.State() != StateClosed {
		t.Fatalf("state = %s, want closed", fx.manager.State())
	}
	if fx.feed.handlerFor(RoomSubject("r1")) != nil {
		t.Fatal("subscription still attached after Close")
	}
	if err := fx.manager.SelectRoom(context.Background(), "r2"); err == nil {
		t.Fatal("SelectRoom accepted after Close")
	}
	if err := fx.manager.Start(context.Background()); err == nil {
		t.Fatal("Start accepted after Close")
	}
}

func TestStateStrings(t *testing.T) {
	states := map[State]string{
		StateUnauthenticated:          "unauthenticated",
		StateAwaitingAuthConfirmation: "awaiting-auth-confirmation",
		StateSubscribed:               "subscribed",
		StateSwitchingRoom:            "switching-room",
		StateClosed:                   "closed",
	}
	for state, want := range states {
		if state.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(state), state.String(), want)
		}
	}
}
