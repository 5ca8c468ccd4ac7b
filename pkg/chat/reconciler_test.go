package chat

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/phiwazulumoh/cop/pkg/api"
)

func msgAt(id string, t time.Time) api.ChatMessage {
	return api.ChatMessage{ID: id, RoomID: "r1", Content: "msg " + id, SentAt: t}
}

func withRoom(m api.ChatMessage, roomID string) api.ChatMessage {
	m.RoomID = roomID
	return m
}

func ids(messages []api.ChatMessage) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func sameIDs(a []api.ChatMessage, want ...string) bool {
	if len(a) != len(want) {
		return false
	}
	for i, m := range a {
		if m.ID != want[i] {
			return false
		}
	}
	return true
}

func TestIngestHistoryPageIdempotent(t *testing.T) {
	r := NewReconciler()
	t0 := time.Now()
	page := []api.ChatMessage{msgAt("m1", t0), msgAt("m2", t0.Add(time.Second))}

	if added := r.IngestHistoryPage("r1", page); added != 2 {
		t.Fatalf("first ingest added %d, want 2", added)
	}
	if added := r.IngestHistoryPage("r1", page); added != 0 {
		t.Fatalf("second ingest added %d, want 0", added)
	}
	if got := r.Messages("r1"); !sameIDs(got, "m1", "m2") {
		t.Fatalf("sequence = %v, want [m1 m2]", ids(got))
	}
}

func TestDedupAcrossHistoryAndLive(t *testing.T) {
	r := NewReconciler()
	t0 := time.Now()
	m1 := msgAt("m1", t0)

	r.IngestHistoryPage("r1", []api.ChatMessage{m1})
	if r.IngestLiveMessage("r1", m1) {
		t.Fatal("live duplicate of m1 was not dropped")
	}
	if got := r.Messages("r1"); !sameIDs(got, "m1") {
		t.Fatalf("sequence = %v, want [m1]", ids(got))
	}
}

func TestLiveBeforeHistoryStaysOrdered(t *testing.T) {
	// m2 (t=2) arrives on the live feed before the history fetch (returning
	// only m1 at t=1) resolves. The final sequence must still be time-ordered.
	r := NewReconciler()
	t0 := time.Now()
	m1 := msgAt("m1", t0)
	m2 := msgAt("m2", t0.Add(time.Second))

	if !r.IngestLiveMessage("r1", m2) {
		t.Fatal("m2 not ingested")
	}
	r.IngestHistoryPage("r1", []api.ChatMessage{m1})

	if got := r.Messages("r1"); !sameIDs(got, "m1", "m2") {
		t.Fatalf("sequence = %v, want [m1 m2]", ids(got))
	}
}

func TestOrderInvariantUnderInterleaving(t *testing.T) {
	r := NewReconciler()
	t0 := time.Now()

	r.IngestLiveMessage("r1", msgAt("m5", t0.Add(5*time.Second)))
	r.IngestHistoryPage("r1", []api.ChatMessage{
		msgAt("m2", t0.Add(2*time.Second)),
		msgAt("m4", t0.Add(4*time.Second)),
	})
	r.IngestLiveMessage("r1", msgAt("m3", t0.Add(3*time.Second)))
	r.IngestHistoryPage("r1", []api.ChatMessage{
		msgAt("m1", t0.Add(1*time.Second)),
		msgAt("m3", t0.Add(3*time.Second)), // duplicate across sources
	})

	got := r.Messages("r1")
	if !sameIDs(got, "m1", "m2", "m3", "m4", "m5") {
		t.Fatalf("sequence = %v", ids(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].SentAt.Before(got[i-1].SentAt) {
			t.Fatalf("order invariant violated at %d: %v", i, ids(got))
		}
	}
}

func TestOrderInvariantRandomizedIngest(t *testing.T) {
	// Any interleaving of history batches and live deliveries must leave the
	// sequence non-decreasing in SentAt with no duplicate ids.
	t0 := time.Now()
	all := make([]api.ChatMessage, 20)
	for i := range all {
		all[i] = msgAt(fmt.Sprintf("m%02d", i), t0.Add(time.Duration(i)*time.Second))
	}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		r := NewReconciler()
		shuffled := make([]api.ChatMessage, len(all))
		copy(shuffled, all)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		for i := 0; i < len(shuffled); {
			if rng.Intn(2) == 0 {
				// Live delivery of one message.
				r.IngestLiveMessage("r1", shuffled[i])
				i++
			} else {
				// History batch of up to 4, possibly overlapping earlier ones.
				end := i + 1 + rng.Intn(4)
				if end > len(shuffled) {
					end = len(shuffled)
				}
				start := i - rng.Intn(i+1)
				r.IngestHistoryPage("r1", shuffled[start:end])
				i = end
			}
		}

		got := r.Messages("r1")
		if len(got) != len(all) {
			t.Fatalf("trial %d: %d messages, want %d", trial, len(got), len(all))
		}
		for i := 1; i < len(got); i++ {
			if got[i].SentAt.Before(got[i-1].SentAt) {
				t.Fatalf("trial %d: order violated at %d: %v", trial, i, ids(got))
			}
		}
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	r := NewReconciler()
	t0 := time.Now()

	r.IngestLiveMessage("r1", msgAt("m1", t0))
	r.IngestLiveMessage("r2", msgAt("m1", t0))

	if r.Len("r1") != 1 || r.Len("r2") != 1 {
		t.Fatalf("lens = %d, %d, want 1, 1", r.Len("r1"), r.Len("r2"))
	}
	if !r.Seen("r1", "m1") || r.Seen("r1", "m2") {
		t.Fatal("Seen bookkeeping wrong for r1")
	}
}

func TestMarkReadUpdatesHeldCopy(t *testing.T) {
	r := NewReconciler()
	t0 := time.Now()
	r.IngestLiveMessage("r1", msgAt("m1", t0))

	readAt := t0.Add(time.Minute)
	r.MarkRead("r1", "m1", "u2", readAt)

	got := r.Messages("r1")
	if len(got) != 1 || !got[0].ReadBy("u2") {
		t.Fatalf("read receipt not recorded: %+v", got)
	}

	// Unknown ids and rooms are ignored.
	r.MarkRead("r1", "missing", "u2", readAt)
	r.MarkRead("r9", "m1", "u2", readAt)
}

func TestMessagesReturnsCopy(t *testing.T) {
	r := NewReconciler()
	r.IngestLiveMessage("r1", msgAt("m1", time.Now()))

	got := r.Messages("r1")
	got[0].ID = "mutated"

	if fresh := r.Messages("r1"); fresh[0].ID != "m1" {
		t.Fatal("caller mutation leaked into the reconciled view")
	}
}
