package delivery

import (
	"slices"

	"go.uber.org/zap"

	"github.com/klinikly/chatsync/internal/bus"
	"github.com/klinikly/chatsync/internal/store"
)

// State represents the delivery state of a single message.
type State string

const (
	PendingLocal  State = "PENDING_LOCAL"
	QueuedOffline State = "QUEUED_OFFLINE"
	SentUnacked   State = "SENT_UNACKED"
	Delivered     State = "DELIVERED"
	Read          State = "READ"
	Failed        State = "FAILED"
)

// validTransitions defines allowed delivery state transitions. The machine
// only moves forward: a DELIVERED message never returns to SENT_UNACKED, a
// READ message is terminal. The two exceptions are requeueing (an unacked
// message returns to the queue when the connection drops before the ack
// arrives) and user-initiated retry of a FAILED message.
var validTransitions = map[State][]State{
	PendingLocal:  {QueuedOffline, SentUnacked},
	QueuedOffline: {SentUnacked, Failed},
	SentUnacked:   {Delivered, Failed, QueuedOffline},
	Delivered:     {Read},
	Read:          {},
	Failed:        {QueuedOffline},
}

// StateChange is the payload for message state change events.
type StateChange struct {
	ConversationID string
	MsgID          string
	From           State
	To             State
}

// Tracker owns the per-message delivery state machine. All status writes to
// the message store go through it; other components request transitions and
// observe the results on the bus.
type Tracker struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewTracker creates a delivery tracker backed by the message store.
func NewTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		db:     db,
		bus:    b,
		logger: logger.Named("delivery"),
	}
}

// Advance moves a message to a new delivery state. msgID may be either the
// client or the server id. Invalid transitions are dropped with a warning
// rather than failed: a stale receipt arriving after a later state landed
// must not disturb the message (a read receipt racing ahead of its ack, a
// duplicate ack after a reconnect).
func (t *Tracker) Advance(conversationID, msgID string, to State) error {
	m, err := t.db.GetMessage(conversationID, msgID)
	if err != nil {
		return err
	}
	if m == nil {
		t.logger.Warn("state change for unknown message",
			zap.String("msg_id", msgID),
			zap.String("to", string(to)))
		return nil
	}

	from := State(m.Status)
	if from == to {
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		t.logger.Warn("dropping invalid delivery transition",
			zap.String("msg_id", msgID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return nil
	}

	if err := t.db.MarkMessageState(conversationID, msgID, string(to)); err != nil {
		return err
	}
	t.bus.Emit(bus.KindMessageStateChanged, StateChange{
		ConversationID: conversationID,
		MsgID:          msgID,
		From:           from,
		To:             to,
	})
	return nil
}

// Current returns the delivery state of a message, or "" if the message is
// unknown.
func (t *Tracker) Current(conversationID, msgID string) (State, error) {
	m, err := t.db.GetMessage(conversationID, msgID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", nil
	}
	return State(m.Status), nil
}
