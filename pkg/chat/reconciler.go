// Package chat implements the client-side messaging core: fetching room
// history over REST, subscribing to the per-room live feed, and reconciling
// both sources into one ordered, deduplicated view per room.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/phiwazulumoh/cop/pkg/api"
)

// Reconciler maintains one ordered, id-deduplicated message sequence per
// room. History pages and live-feed deliveries both funnel through it, so
// duplicate delivery across the two paths is harmless. Entries are never
// evicted during a session; the working set is a chat window's, not a
// cache's.
type Reconciler struct {
	mu    sync.Mutex
	rooms map[string]*roomView
}

type roomView struct {
	messages []api.ChatMessage
	seen     map[string]struct{}
}

// NewReconciler creates an empty Reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{rooms: make(map[string]*roomView)}
}

func (r *Reconciler) room(roomID string) *roomView {
	view, ok := r.rooms[roomID]
	if !ok {
		view = &roomView{seen: make(map[string]struct{})}
		r.rooms[roomID] = view
	}
	return view
}

// IngestHistoryPage merges a history page into the room's sequence. Messages
// whose id is already present are ignored, then the sequence is stable-sorted
// by send time ascending. Ingesting the same page twice is a no-op.
func (r *Reconciler) IngestHistoryPage(roomID string, messages []api.ChatMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	view := r.room(roomID)
	added := 0
	for _, msg := range messages {
		if msg.ID == "" {
			continue
		}
		if _, dup := view.seen[msg.ID]; dup {
			continue
		}
		view.seen[msg.ID] = struct{}{}
		view.messages = append(view.messages, msg)
		added++
	}
	if added > 0 {
		sort.SliceStable(view.messages, func(i, j int) bool {
			return view.messages[i].SentAt.Before(view.messages[j].SentAt)
		})
	}
	return added
}

// IngestLiveMessage appends a live-feed message if its id is unseen. The
// message is inserted at its timestamp position, so a live delivery that
// races ahead of a slower history fetch still lands in order. Returns false
// for duplicates.
func (r *Reconciler) IngestLiveMessage(roomID string, msg api.ChatMessage) bool {
	if msg.ID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	view := r.room(roomID)
	if _, dup := view.seen[msg.ID]; dup {
		return false
	}
	view.seen[msg.ID] = struct{}{}

	// Most live messages are newer than everything held; scan from the tail.
	i := len(view.messages)
	for i > 0 && msg.SentAt.Before(view.messages[i-1].SentAt) {
		i--
	}
	view.messages = append(view.messages, api.ChatMessage{})
	copy(view.messages[i+1:], view.messages[i:])
	view.messages[i] = msg
	return true
}

// MarkRead records a read timestamp on the held copy of the message, so the
// view reflects the receipt without a refetch. Unknown ids are ignored.
func (r *Reconciler) MarkRead(roomID, messageID, uid string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	view, ok := r.rooms[roomID]
	if !ok {
		return
	}
	for i := range view.messages {
		if view.messages[i].ID == messageID {
			if view.messages[i].ReadAt == nil {
				view.messages[i].ReadAt = make(map[string]time.Time)
			}
			view.messages[i].ReadAt[uid] = at
			return
		}
	}
}

// Messages returns a copy of the room's reconciled sequence, oldest first.
func (r *Reconciler) Messages(roomID string) []api.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	view, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]api.ChatMessage, len(view.messages))
	copy(out, view.messages)
	return out
}

// Len reports how many messages the room's sequence holds.
func (r *Reconciler) Len(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	view, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(view.messages)
}

// Seen reports whether the room's sequence already contains the message id.
func (r *Reconciler) Seen(roomID, messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	view, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, seen := view.seen[messageID]
	return seen
}
