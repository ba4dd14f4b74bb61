package delivery

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/klinikly/chatsync/internal/bus"
	"github.com/klinikly/chatsync/internal/store"
)

func testTracker(t *testing.T) (*Tracker, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	b := bus.New()
	return NewTracker(db, b, zap.NewNop()), db, b
}

func seedMessage(t *testing.T, db *store.DB, status State) {
	t.Helper()
	err := db.UpsertMessage(&store.Message{
		ConversationID: "conv-1", ClientMsgID: "c1", SenderID: "me",
		Body: "hi", Kind: "text", Status: string(status), CreatedAt: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAdvanceValidPath(t *testing.T) {
	tr, db, _ := testTracker(t)
	seedMessage(t, db, PendingLocal)

	path := []State{SentUnacked, Delivered, Read}
	for _, to := range path {
		if err := tr.Advance("conv-1", "c1", to); err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
		cur, err := tr.Current("conv-1", "c1")
		if err != nil {
			t.Fatal(err)
		}
		if cur != to {
			t.Fatalf("state = %s, want %s", cur, to)
		}
	}
}

// A receipt for an earlier state arriving late must not move the message
// backwards.
func TestAdvanceDropsBackwardTransition(t *testing.T) {
	tr, db, _ := testTracker(t)
	seedMessage(t, db, Read)

	if err := tr.Advance("conv-1", "c1", Delivered); err != nil {
		t.Fatal(err)
	}
	cur, _ := tr.Current("conv-1", "c1")
	if cur != Read {
		t.Errorf("state = %s, want READ (stale receipt dropped)", cur)
	}
}

func TestAdvanceDropsInvalidJump(t *testing.T) {
	tr, db, _ := testTracker(t)
	seedMessage(t, db, PendingLocal)

	if err := tr.Advance("conv-1", "c1", Read); err != nil {
		t.Fatal(err)
	}
	cur, _ := tr.Current("conv-1", "c1")
	if cur != PendingLocal {
		t.Errorf("state = %s, want PENDING_LOCAL (invalid jump dropped)", cur)
	}
}

func TestAdvanceRequeueUnacked(t *testing.T) {
	tr, db, _ := testTracker(t)
	seedMessage(t, db, SentUnacked)

	if err := tr.Advance("conv-1", "c1", QueuedOffline); err != nil {
		t.Fatal(err)
	}
	cur, _ := tr.Current("conv-1", "c1")
	if cur != QueuedOffline {
		t.Errorf("state = %s, want QUEUED_OFFLINE (requeue after drop)", cur)
	}
}

func TestAdvanceFailedRetry(t *testing.T) {
	tr, db, _ := testTracker(t)
	seedMessage(t, db, Failed)

	if err := tr.Advance("conv-1", "c1", QueuedOffline); err != nil {
		t.Fatal(err)
	}
	cur, _ := tr.Current("conv-1", "c1")
	if cur != QueuedOffline {
		t.Errorf("state = %s, want QUEUED_OFFLINE (user retry)", cur)
	}
}

func TestAdvancePublishesStateChange(t *testing.T) {
	tr, db, b := testTracker(t)
	seedMessage(t, db, PendingLocal)

	ch, cancel := b.Subscribe("message.", 4)
	defer cancel()

	if err := tr.Advance("conv-1", "c1", SentUnacked); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageStateChanged {
			t.Fatalf("kind = %s, want %s", evt.Kind, bus.KindMessageStateChanged)
		}
		sc, ok := evt.Payload.(StateChange)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if sc.From != PendingLocal || sc.To != SentUnacked {
			t.Errorf("change = %s -> %s, want PENDING_LOCAL -> SENT_UNACKED", sc.From, sc.To)
		}
	default:
		t.Fatal("no state change event published")
	}
}

func TestAdvanceUnknownMessageIsNoop(t *testing.T) {
	tr, _, b := testTracker(t)

	ch, cancel := b.Subscribe("message.", 4)
	defer cancel()

	if err := tr.Advance("conv-1", "nope", Delivered); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %s for unknown message", evt.Kind)
	default:
	}
}
