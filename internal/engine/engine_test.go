package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/klinikly/chatsync/internal/aitoggle"
	"github.com/klinikly/chatsync/internal/bus"
	"github.com/klinikly/chatsync/internal/config"
	"github.com/klinikly/chatsync/internal/delivery"
	"github.com/klinikly/chatsync/internal/protocol"
	"github.com/klinikly/chatsync/internal/queue"
	"github.com/klinikly/chatsync/internal/store"
	"github.com/klinikly/chatsync/internal/transport"
)

const (
	testConv = "conv-1"
	testUser = "user-1"
)

// fakeConn is an in-memory connection: reads block on inbox, writes are
// recorded for inspection.
type fakeConn struct {
	inbox  chan []byte
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 32)}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.inbox:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteMessage(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbox)
	}
	return nil
}

// sentMessages decodes the message frames written to this connection.
func (c *fakeConn) sentMessages() []protocol.MessagePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.MessagePayload
	for _, data := range c.writes {
		frame, err := protocol.Decode(data)
		if err != nil || frame.Type != protocol.TypeMessage {
			continue
		}
		p, err := protocol.DecodePayload[protocol.MessagePayload](frame)
		if err != nil {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// fakeSetter accepts every AI state push.
type fakeSetter struct {
	mu    sync.Mutex
	calls []bool
}

func (s *fakeSetter) Put(_ context.Context, _ string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, enabled)
	return nil
}

func (s *fakeSetter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// harness wires a full engine over in-memory fakes for the network edges.
type harness struct {
	t      *testing.T
	engine *Engine
	db     *store.DB
	bus    *bus.Bus
	setter *fakeSetter

	mu       sync.Mutex
	conns    []*fakeConn
	dialErr  error
	dialHook func()
}

func newHarness(t *testing.T, startOnline bool) *harness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Transport.HeartbeatIntervalMS = 200
	cfg.Transport.PongTimeoutMS = 200
	cfg.Transport.ReconnectBaseMS = 10
	cfg.Transport.ReconnectMaxMS = 50
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.RetryBaseMS = 10
	cfg.AI.DebounceMS = 20
	cfg.AI.RetryBaseMS = 5

	h := &harness{t: t, db: db, bus: bus.New(), setter: &fakeSetter{}}
	if !startOnline {
		h.dialErr = errors.New("network unreachable")
	}

	dial := func(ctx context.Context) (transport.Conn, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.dialHook != nil {
			h.dialHook()
		}
		if h.dialErr != nil {
			return nil, h.dialErr
		}
		conn := newFakeConn()
		h.conns = append(h.conns, conn)
		return conn, nil
	}

	logger := zap.NewNop()
	tracker := delivery.NewTracker(db, h.bus, logger)
	q := queue.New(db, tracker, h.bus, logger, cfg.Queue.MaxAttempts, cfg.Queue.RetryBase())
	conn := transport.NewManager(cfg.Transport, dial, h.bus, logger)
	toggle := aitoggle.New(h.setter, h.bus, logger, cfg.AI, testConv, false)

	h.engine = New(testConv, testUser, cfg, db, tracker, q, conn, toggle, h.bus, logger)
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.engine.Close() })
	return h
}

// currentConn returns the newest live connection.
func (h *harness) currentConn() *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) == 0 {
		return nil
	}
	return h.conns[len(h.conns)-1]
}

// goOnline lets the next dial succeed.
func (h *harness) goOnline() {
	h.mu.Lock()
	h.dialErr = nil
	h.mu.Unlock()
}

// dropConn kills the current connection out from under the engine.
func (h *harness) dropConn() {
	if c := h.currentConn(); c != nil {
		_ = c.Close()
	}
}

// inject delivers a frame from the "server".
func (h *harness) inject(frameType string, payload any) {
	h.t.Helper()
	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		h.t.Fatal(err)
	}
	conn := h.currentConn()
	if conn == nil {
		h.t.Fatal("no live connection to inject into")
	}
	conn.inbox <- data
}

// allSent gathers message frames across every connection that existed.
func (h *harness) allSent() []protocol.MessagePayload {
	h.mu.Lock()
	conns := make([]*fakeConn, len(h.conns))
	copy(conns, h.conns)
	h.mu.Unlock()

	var out []protocol.MessagePayload
	for _, c := range conns {
		out = append(out, c.sentMessages()...)
	}
	return out
}

func (h *harness) waitFor(desc string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", desc)
}

func (h *harness) state(clientMsgID string) delivery.State {
	h.t.Helper()
	m, err := h.db.GetMessage(testConv, clientMsgID)
	if err != nil {
		h.t.Fatal(err)
	}
	if m == nil {
		return ""
	}
	return delivery.State(m.Status)
}

// ack answers the most recent transmission of the given client id.
func (h *harness) ack(clientMsgID, serverMsgID string, serverTS int64) {
	h.inject(protocol.TypeAck, protocol.AckPayload{
		ClientMsgID: clientMsgID,
		ServerMsgID: serverMsgID,
		ServerTS:    serverTS,
	})
}

func TestSendMessageDelivered(t *testing.T) {
	h := newHarness(t, true)
	h.waitFor("connection", func() bool { return len(h.allSent()) >= 0 && h.currentConn() != nil })

	id, err := h.engine.SendMessage("hello")
	if err != nil {
		t.Fatal(err)
	}

	h.waitFor("transmission", func() bool { return len(h.allSent()) == 1 })
	sent := h.allSent()[0]
	if sent.ClientMsgID != id || sent.Content != "hello" {
		t.Fatalf("sent = %+v, want client id %s content hello", sent, id)
	}
	if s := h.state(id); s != delivery.SentUnacked {
		t.Fatalf("state = %s, want SENT_UNACKED before ack", s)
	}

	h.ack(id, "s1", 5000)
	h.waitFor("delivery", func() bool { return h.state(id) == delivery.Delivered })

	m, _ := h.db.GetMessage(testConv, id)
	if m.ServerMsgID != "s1" || m.ServerTS != 5000 {
		t.Errorf("reconciliation incomplete: %+v", m)
	}
	depth, _ := h.engine.queue.Size(testConv)
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0 after ack", depth)
	}
}

func TestOfflineSendsFlushInOrderOnReconnect(t *testing.T) {
	h := newHarness(t, false)

	var ids []string
	for _, body := range []string{"first", "second", "third"} {
		id, err := h.engine.SendMessage(body)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if s := h.state(id); s != delivery.QueuedOffline {
			t.Fatalf("state = %s, want QUEUED_OFFLINE while offline", s)
		}
	}

	h.goOnline()
	h.waitFor("flush", func() bool { return len(h.allSent()) == 3 })

	sent := h.allSent()
	for i, id := range ids {
		if sent[i].ClientMsgID != id {
			t.Fatalf("transmission order %v, want %v", sent, ids)
		}
	}

	for i, id := range ids {
		h.ack(id, "s"+string(rune('1'+i)), int64(1000*(i+1)))
	}
	for _, id := range ids {
		id := id
		h.waitFor("delivery", func() bool { return h.state(id) == delivery.Delivered })
	}

	msgs, _ := h.db.ListMessages(testConv, 10)
	if len(msgs) != 3 {
		t.Fatalf("message count = %d, want 3 (no duplicates)", len(msgs))
	}
}

// A server echo of an own message must merge onto the optimistic entry.
func TestServerEchoDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, true)
	h.waitFor("connection", func() bool { return h.currentConn() != nil })

	id, err := h.engine.SendMessage("hello")
	if err != nil {
		t.Fatal(err)
	}
	h.waitFor("transmission", func() bool { return len(h.allSent()) == 1 })

	h.inject(protocol.TypeMessage, protocol.MessagePayload{
		ID: "s1", ConversationID: testConv, SenderID: testUser,
		Content: "hello", ClientMsgID: id, ServerTS: 5000,
	})
	h.ack(id, "s1", 5000)
	h.waitFor("delivery", func() bool { return h.state(id) == delivery.Delivered })

	msgs, _ := h.db.ListMessages(testConv, 10)
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1 (echo merged)", len(msgs))
	}
}

func TestInboundMessageAppears(t *testing.T) {
	h := newHarness(t, true)
	h.waitFor("connection", func() bool { return h.currentConn() != nil })

	h.inject(protocol.TypeMessage, protocol.MessagePayload{
		ID: "s1", ConversationID: testConv, SenderID: "them",
		Content: "hi there", ServerTS: 1000,
	})

	h.waitFor("inbound message", func() bool {
		msgs, _ := h.db.ListMessages(testConv, 10)
		return len(msgs) == 1 && msgs[0].SenderID == "them"
	})
}

// Delivery state must never move backwards: a duplicate ack after the read
// receipt leaves the message READ.
func TestStaleAckDoesNotRegress(t *testing.T) {
	h := newHarness(t, true)
	h.waitFor("connection", func() bool { return h.currentConn() != nil })

	id, err := h.engine.SendMessage("hello")
	if err != nil {
		t.Fatal(err)
	}
	h.waitFor("transmission", func() bool { return len(h.allSent()) == 1 })

	h.ack(id, "s1", 5000)
	h.waitFor("delivery", func() bool { return h.state(id) == delivery.Delivered })

	h.inject(protocol.TypeReadReceipt, protocol.ReadReceiptPayload{ServerMsgID: "s1"})
	h.waitFor("read", func() bool { return h.state(id) == delivery.Read })

	// Duplicate ack arrives late, e.g. replayed after a reconnect.
	h.ack(id, "s1", 5000)
	time.Sleep(50 * time.Millisecond)
	if s := h.state(id); s != delivery.Read {
		t.Fatalf("state = %s, want READ (stale ack ignored)", s)
	}
}

// Dropping the connection after transmission but before the ack requeues the
// message; the reconnect retransmits it exactly once.
func TestDisconnectBeforeAckRetransmits(t *testing.T) {
	h := newHarness(t, true)
	h.waitFor("connection", func() bool { return h.currentConn() != nil })

	id, err := h.engine.SendMessage("hello")
	if err != nil {
		t.Fatal(err)
	}
	h.waitFor("transmission", func() bool { return len(h.allSent()) == 1 })

	h.dropConn()
	h.waitFor("retransmission", func() bool { return len(h.allSent()) == 2 })

	sent := h.allSent()
	if sent[0].ClientMsgID != id || sent[1].ClientMsgID != id {
		t.Fatalf("retransmission carries a different client id: %+v", sent)
	}

	h.ack(id, "s1", 5000)
	h.waitFor("delivery", func() bool { return h.state(id) == delivery.Delivered })

	// The server deduplicates by client id; locally there is still one row.
	msgs, _ := h.db.ListMessages(testConv, 10)
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1", len(msgs))
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(h.allSent()); n != 2 {
		t.Fatalf("transmissions = %d, want exactly 2", n)
	}
}

func TestRejectThenManualRetry(t *testing.T) {
	h := newHarness(t, true)
	h.waitFor("connection", func() bool { return h.currentConn() != nil })

	id, err := h.engine.SendMessage("hello")
	if err != nil {
		t.Fatal(err)
	}
	h.waitFor("transmission", func() bool { return len(h.allSent()) == 1 })

	h.inject(protocol.TypeReject, protocol.RejectPayload{
		ClientMsgID: id, Code: "policy", Reason: "content refused",
	})
	h.waitFor("failure", func() bool { return h.state(id) == delivery.Failed })

	if err := h.engine.RetryFailed(id); err != nil {
		t.Fatal(err)
	}
	h.waitFor("retransmission", func() bool { return len(h.allSent()) == 2 })
	h.ack(id, "s1", 5000)
	h.waitFor("delivery", func() bool { return h.state(id) == delivery.Delivered })
}

func TestRetryFailedRejectsHealthyMessage(t *testing.T) {
	h := newHarness(t, true)
	h.waitFor("connection", func() bool { return h.currentConn() != nil })

	id, err := h.engine.SendMessage("hello")
	if err != nil {
		t.Fatal(err)
	}
	h.waitFor("transmission", func() bool { return len(h.allSent()) == 1 })

	if err := h.engine.RetryFailed(id); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("err = %v, want ErrNotFailed", err)
	}
	if err := h.engine.RetryFailed("unknown"); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("err = %v, want ErrNotFailed for unknown id", err)
	}
}

func TestToggleAIConverges(t *testing.T) {
	h := newHarness(t, true)
	h.waitFor("connection", func() bool { return h.currentConn() != nil })

	done := h.engine.ToggleAI(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("toggle did not settle")
	}
	if h.setter.callCount() != 1 {
		t.Errorf("setter calls = %d, want 1", h.setter.callCount())
	}

	// The server pushes the state another client set.
	h.inject(protocol.TypeAIState, protocol.AIStatePayload{ConversationID: testConv, Enabled: false})
	h.waitFor("server push", func() bool { return !h.engine.Snapshot().AIEnabled })
}

func TestSnapshotAndWatch(t *testing.T) {
	h := newHarness(t, true)
	h.waitFor("connection", func() bool { return h.currentConn() != nil })

	views, cancel := h.engine.Watch()
	defer cancel()

	id, err := h.engine.SendMessage("hello")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case v := <-views:
			if len(v.Messages) == 1 && v.Messages[0].ClientMsgID == id {
				if v.ConversationID != testConv {
					t.Errorf("conversation = %s, want %s", v.ConversationID, testConv)
				}
				return
			}
		case <-deadline:
			t.Fatal("watch never delivered the sent message")
		}
	}
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	h := newHarness(t, true)
	if _, err := h.engine.SendMessage(""); err == nil {
		t.Fatal("empty message accepted")
	}
}

func TestOperationsAfterClose(t *testing.T) {
	h := newHarness(t, true)
	if err := h.engine.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.SendMessage("hello"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := h.engine.RetryFailed("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
