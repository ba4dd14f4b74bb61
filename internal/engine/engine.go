package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
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

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("engine closed")

// ErrNotFailed is returned by RetryFailed when the message is not in a
// terminal failure state.
var ErrNotFailed = errors.New("message is not in a failed state")

// Engine orchestrates the sync components for one conversation. All state
// mutations run on a single goroutine fed by the command channel and the
// connection event stream, so frame handling and user operations never race.
type Engine struct {
	convID  string
	userID  string
	db      *store.DB
	tracker *delivery.Tracker
	queue   *queue.Queue
	conn    *transport.Manager
	toggle  *aitoggle.Coordinator
	bus     *bus.Bus
	logger  *zap.Logger
	redrive time.Duration

	cmds       chan func()
	redriveReq chan struct{}
	done       chan struct{}
}

// New wires an engine over the given components. Start must be called before
// any operation.
func New(
	conversationID, userID string,
	cfg *config.Config,
	db *store.DB,
	tracker *delivery.Tracker,
	q *queue.Queue,
	conn *transport.Manager,
	toggle *aitoggle.Coordinator,
	b *bus.Bus,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		convID:     conversationID,
		userID:     userID,
		db:         db,
		tracker:    tracker,
		queue:      q,
		conn:       conn,
		toggle:     toggle,
		bus:        b,
		logger:     logger.Named("engine"),
		redrive:    cfg.Queue.RetryBase(),
		cmds:       make(chan func(), 16),
		redriveReq: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the event loop and initiates the connection. A dial failure
// is not fatal: the transport keeps reconnecting and the engine works
// offline meanwhile.
func (e *Engine) Start(ctx context.Context) error {
	// Subscribe before dialing so the first state events are not missed.
	events, cancel := e.bus.Subscribe("conn.", 64)
	go e.loop(events, cancel)
	if err := e.conn.Connect(ctx); err != nil {
		e.logger.Warn("initial connect failed, operating offline", zap.Error(err))
	}
	return nil
}

// Close stops the event loop and closes the connection.
func (e *Engine) Close() error {
	select {
	case <-e.done:
		return nil
	default:
	}
	close(e.done)
	e.toggle.Close()
	return e.conn.Disconnect()
}

// do runs fn on the event loop and waits for it to finish.
func (e *Engine) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(ran) }:
	case <-e.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) loop(events <-chan bus.Event, cancel func()) {
	defer cancel()

	var redriveTimer *time.Timer
	var redriveC <-chan time.Time
	armRedrive := func() {
		if redriveTimer != nil {
			redriveTimer.Stop()
		}
		redriveTimer = time.NewTimer(e.redrive)
		redriveC = redriveTimer.C
	}
	disarmRedrive := func() {
		if redriveTimer != nil {
			redriveTimer.Stop()
			redriveTimer = nil
			redriveC = nil
		}
	}

	for {
		select {
		case <-e.done:
			disarmRedrive()
			return
		case fn := <-e.cmds:
			fn()
		case <-e.redriveReq:
			armRedrive()
		case <-redriveC:
			redriveTimer = nil
			redriveC = nil
			e.drain()
		case evt := <-events:
			switch evt.Kind {
			case bus.KindConnStateChanged:
				sc, ok := evt.Payload.(transport.StateChange)
				if !ok {
					continue
				}
				e.handleConnState(sc, disarmRedrive)
			case bus.KindFrameReceived:
				frame, ok := evt.Payload.(*protocol.Frame)
				if !ok {
					continue
				}
				e.handleFrame(frame)
			}
		}
	}
}

func (e *Engine) handleConnState(sc transport.StateChange, disarmRedrive func()) {
	switch sc.To {
	case transport.Connected:
		// Flush everything that accumulated while offline.
		e.drain()
	case transport.Reconnecting, transport.Disconnected:
		disarmRedrive()
		if sc.From == transport.Connected {
			// Transmitted-but-unacked messages go back to the queue; the
			// server may or may not have received them, and the ack is the
			// only way to know.
			if err := e.queue.RequeueInflight(e.convID); err != nil {
				e.logger.Error("requeue after drop failed", zap.Error(err))
			}
		}
	}
}

// drain flushes the queue over the live connection. A transient failure
// leaves entries behind and arms the redrive timer so a later pass picks
// them up.
func (e *Engine) drain() {
	if e.conn.State() != transport.Connected {
		return
	}
	if err := e.queue.Drain(context.Background(), e.convID, e.send); err != nil {
		e.logger.Warn("drain interrupted", zap.Error(err))
	}
	// Entries deferred by backoff need a later pass even when the drain
	// itself reported success.
	queued, err := e.queue.HasQueued(e.convID)
	if err != nil {
		e.logger.Error("queue inspection failed", zap.Error(err))
		return
	}
	if queued {
		select {
		case e.redriveReq <- struct{}{}:
		default:
		}
	}
}

// send transmits one queued entry as a message frame.
func (e *Engine) send(ctx context.Context, entry store.OutboxEntry) error {
	data, err := protocol.Encode(protocol.TypeMessage, protocol.MessagePayload{
		ConversationID: e.convID,
		SenderID:       e.userID,
		Content:        entry.Body,
		Kind:           entry.Kind,
		ClientMsgID:    entry.ClientMsgID,
	})
	if err != nil {
		return err
	}
	return e.conn.Send(ctx, data)
}

// handleFrame applies one inbound frame.
func (e *Engine) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeMessage:
		e.handleMessage(frame)
	case protocol.TypeAck:
		e.handleAck(frame)
	case protocol.TypeReadReceipt:
		e.handleReadReceipt(frame)
	case protocol.TypeReject:
		e.handleReject(frame)
	case protocol.TypeAIState:
		e.handleAIState(frame)
	default:
		e.logger.Debug("ignoring frame", zap.String("type", frame.Type))
	}
}

func (e *Engine) handleMessage(frame *protocol.Frame) {
	p, err := protocol.DecodePayload[protocol.MessagePayload](frame)
	if err != nil {
		e.logger.Warn("dropping message frame", zap.Error(err))
		return
	}
	if p.ConversationID != "" && p.ConversationID != e.convID {
		return
	}

	msg := &store.Message{
		ConversationID: e.convID,
		ClientMsgID:    p.ClientMsgID,
		ServerMsgID:    p.ID,
		SenderID:       p.SenderID,
		Body:           p.Content,
		Kind:           p.Kind,
		Status:         string(delivery.Delivered),
		ServerTS:       p.ServerTS,
	}
	if msg.Kind == "" {
		msg.Kind = "text"
	}
	if err := e.db.UpsertMessage(msg); err != nil {
		e.logger.Error("upsert inbound message failed", zap.Error(err))
		return
	}
	e.bus.Emit(bus.KindMessageUpserted, *msg)
}

func (e *Engine) handleAck(frame *protocol.Frame) {
	p, err := protocol.DecodePayload[protocol.AckPayload](frame)
	if err != nil {
		e.logger.Warn("dropping ack frame", zap.Error(err))
		return
	}
	if err := e.db.ReconcileServerID(e.convID, p.ClientMsgID, p.ServerMsgID, p.ServerTS); err != nil {
		e.logger.Error("reconcile server id failed", zap.Error(err))
		return
	}
	if err := e.tracker.Advance(e.convID, p.ClientMsgID, delivery.Delivered); err != nil {
		e.logger.Error("advance to delivered failed", zap.Error(err))
	}
	if err := e.queue.Ack(p.ClientMsgID); err != nil {
		e.logger.Error("ack dequeue failed", zap.Error(err))
	}
}

func (e *Engine) handleReadReceipt(frame *protocol.Frame) {
	p, err := protocol.DecodePayload[protocol.ReadReceiptPayload](frame)
	if err != nil {
		e.logger.Warn("dropping read receipt", zap.Error(err))
		return
	}
	if err := e.tracker.Advance(e.convID, p.ServerMsgID, delivery.Read); err != nil {
		e.logger.Error("advance to read failed", zap.Error(err))
	}
}

func (e *Engine) handleReject(frame *protocol.Frame) {
	p, err := protocol.DecodePayload[protocol.RejectPayload](frame)
	if err != nil {
		e.logger.Warn("dropping reject frame", zap.Error(err))
		return
	}
	rej := &protocol.RejectionError{Code: p.Code, Reason: p.Reason}
	if err := e.db.MarkOutboxFailed(p.ClientMsgID, rej.Error()); err != nil {
		e.logger.Error("mark outbox failed", zap.Error(err))
	}
	if err := e.tracker.Advance(e.convID, p.ClientMsgID, delivery.Failed); err != nil {
		e.logger.Error("advance to failed", zap.Error(err))
	}
	e.bus.Emit(bus.KindMessageSendFailed, queue.SendFailed{
		ConversationID: e.convID,
		ClientMsgID:    p.ClientMsgID,
		Reason:         rej.Error(),
	})
}

func (e *Engine) handleAIState(frame *protocol.Frame) {
	p, err := protocol.DecodePayload[protocol.AIStatePayload](frame)
	if err != nil {
		e.logger.Warn("dropping ai state frame", zap.Error(err))
		return
	}
	if p.ConversationID != "" && p.ConversationID != e.convID {
		return
	}
	e.toggle.Confirm(p.Enabled)
}

// SendMessage records an outgoing message optimistically and queues it for
// transmission. The message appears in the conversation immediately with a
// pending delivery state; the returned client id identifies it until the
// server assigns the authoritative one.
func (e *Engine) SendMessage(content string) (string, error) {
	if content == "" {
		return "", errors.New("empty message")
	}
	clientMsgID := uuid.NewString()

	var opErr error
	err := e.do(func() {
		msg := &store.Message{
			ConversationID: e.convID,
			ClientMsgID:    clientMsgID,
			SenderID:       e.userID,
			Body:           content,
			Kind:           "text",
			Status:         string(delivery.PendingLocal),
			CreatedAt:      time.Now().UnixMilli(),
		}
		if opErr = e.db.UpsertMessage(msg); opErr != nil {
			return
		}
		e.bus.Emit(bus.KindMessageUpserted, *msg)
		if opErr = e.queue.Enqueue(e.convID, clientMsgID, content, "text"); opErr != nil {
			return
		}
		e.drain()
	})
	if err != nil {
		return "", err
	}
	if opErr != nil {
		return "", fmt.Errorf("send message: %w", opErr)
	}
	return clientMsgID, nil
}

// RetryFailed revives a message that exhausted its retries or was rejected.
// Only FAILED messages are eligible.
func (e *Engine) RetryFailed(clientMsgID string) error {
	var opErr error
	err := e.do(func() {
		m, err := e.db.GetMessage(e.convID, clientMsgID)
		if err != nil {
			opErr = err
			return
		}
		if m == nil || delivery.State(m.Status) != delivery.Failed {
			opErr = ErrNotFailed
			return
		}
		if opErr = e.queue.Retry(e.convID, clientMsgID); opErr != nil {
			return
		}
		e.drain()
	})
	if err != nil {
		return err
	}
	return opErr
}

// ToggleAI flips the AI responder switch. The change is optimistic; the
// returned channel settles once the backend confirms or the switch reverts.
func (e *Engine) ToggleAI(enabled bool) <-chan error {
	return e.toggle.Toggle(enabled)
}
