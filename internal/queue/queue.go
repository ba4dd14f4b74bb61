package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/klinikly/chatsync/internal/bus"
	"github.com/klinikly/chatsync/internal/delivery"
	"github.com/klinikly/chatsync/internal/protocol"
	"github.com/klinikly/chatsync/internal/store"
)

// ExhaustedRetryError marks a message whose retry budget ran out. The entry
// leaves the active queue; only an explicit user retry revives it.
type ExhaustedRetryError struct {
	ClientMsgID string
	Attempts    int
	Err         error
}

func (e *ExhaustedRetryError) Error() string {
	return fmt.Sprintf("send of %s abandoned after %d attempts: %v", e.ClientMsgID, e.Attempts, e.Err)
}

func (e *ExhaustedRetryError) Unwrap() error { return e.Err }

// SendFailed is the payload for terminal send failures.
type SendFailed struct {
	ConversationID string
	ClientMsgID    string
	Reason         string
}

// Drained is the payload published after a drain pass empties the queue.
type Drained struct {
	ConversationID string
	Sent           int
}

// SendFunc transmits one queued entry over the live connection.
type SendFunc func(ctx context.Context, entry store.OutboxEntry) error

// Queue is the persistent FIFO of outgoing messages. Entries survive process
// restarts in the outbox table; draining preserves enqueue order and retry
// budgets across reconnects.
type Queue struct {
	db          *store.DB
	tracker     *delivery.Tracker
	bus         *bus.Bus
	logger      *zap.Logger
	maxAttempts int
	retryBase   time.Duration

	drainMu sync.Mutex
}

// New creates an offline queue over the given store.
func New(db *store.DB, tracker *delivery.Tracker, b *bus.Bus, logger *zap.Logger, maxAttempts int, retryBase time.Duration) *Queue {
	return &Queue{
		db:          db,
		tracker:     tracker,
		bus:         b,
		logger:      logger.Named("queue"),
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
	}
}

// Enqueue appends an outgoing message to the queue and moves it to
// QUEUED_OFFLINE.
func (q *Queue) Enqueue(conversationID, clientMsgID, body, kind string) error {
	if err := q.db.QueueOutbox(clientMsgID, conversationID, body, kind); err != nil {
		return err
	}
	return q.tracker.Advance(conversationID, clientMsgID, delivery.QueuedOffline)
}

// Drain transmits eligible entries in enqueue order. A connection-level
// failure stops the pass; the entry keeps its place and a later drain picks
// it up. Application rejections and exhausted retry budgets remove the entry
// from the active queue and continue with the next one, so a single poison
// message cannot block everything behind it.
func (q *Queue) Drain(ctx context.Context, conversationID string, send SendFunc) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := q.db.PendingOutbox(conversationID, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}

		progressed := false
		for _, entry := range entries {
			if err := q.db.MarkOutboxInflight(entry.ClientMsgID); err != nil {
				return err
			}

			err := send(ctx, entry)
			if err == nil {
				sent++
				progressed = true
				if err := q.tracker.Advance(conversationID, entry.ClientMsgID, delivery.SentUnacked); err != nil {
					return err
				}
				continue
			}

			var rej *protocol.RejectionError
			if errors.As(err, &rej) {
				q.logger.Warn("send rejected",
					zap.String("client_msg_id", entry.ClientMsgID),
					zap.String("reason", rej.Reason))
				if err := q.abandon(conversationID, entry.ClientMsgID, rej.Error()); err != nil {
					return err
				}
				progressed = true
				continue
			}

			abandoned, ferr := q.recordFailure(conversationID, entry, err)
			if ferr != nil {
				return ferr
			}
			if !abandoned {
				// Connection is suspect; the entry keeps its place.
				return err
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	q.bus.Emit(bus.KindQueueDrained, Drained{ConversationID: conversationID, Sent: sent})
	return nil
}

// recordFailure counts a transport-level send failure against the entry's
// retry budget. Returns whether the entry was abandoned (budget exhausted).
func (q *Queue) recordFailure(conversationID string, entry store.OutboxEntry, cause error) (bool, error) {
	backoff := q.retryBase << entry.AttemptCount
	attempts, err := q.db.IncrementOutboxAttempt(entry.ClientMsgID, time.Now().Add(backoff).UnixMilli())
	if err != nil {
		return false, err
	}
	if attempts >= q.maxAttempts {
		exhausted := &ExhaustedRetryError{ClientMsgID: entry.ClientMsgID, Attempts: attempts, Err: cause}
		q.logger.Warn("retry budget exhausted", zap.Error(exhausted))
		if err := q.abandon(conversationID, entry.ClientMsgID, exhausted.Error()); err != nil {
			return false, err
		}
		return true, nil
	}
	q.logger.Warn("send failed, will retry",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Int("attempt", attempts),
		zap.Duration("backoff", backoff),
		zap.Error(cause))
	return false, nil
}

// abandon removes an entry from active retry and surfaces the failure.
func (q *Queue) abandon(conversationID, clientMsgID, reason string) error {
	if err := q.db.MarkOutboxFailed(clientMsgID, reason); err != nil {
		return err
	}
	if err := q.tracker.Advance(conversationID, clientMsgID, delivery.Failed); err != nil {
		return err
	}
	q.bus.Emit(bus.KindMessageSendFailed, SendFailed{
		ConversationID: conversationID,
		ClientMsgID:    clientMsgID,
		Reason:         reason,
	})
	return nil
}

// Ack removes an acknowledged entry from the queue.
func (q *Queue) Ack(clientMsgID string) error {
	return q.db.DeleteOutbox(clientMsgID)
}

// RequeueInflight returns transmitted-but-unacknowledged entries to the
// queue after a connection drop. Their position and retry budget are
// preserved: a requeue is not a failed attempt.
func (q *Queue) RequeueInflight(conversationID string) error {
	ids, err := q.db.RequeueInflight(conversationID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := q.tracker.Advance(conversationID, id, delivery.QueuedOffline); err != nil {
			return err
		}
	}
	return nil
}

// Retry revives a FAILED entry with a fresh retry budget.
func (q *Queue) Retry(conversationID, clientMsgID string) error {
	if err := q.db.ResetOutbox(clientMsgID); err != nil {
		return err
	}
	return q.tracker.Advance(conversationID, clientMsgID, delivery.QueuedOffline)
}

// HasQueued reports whether any entry is still queued, eligible now or
// scheduled for a later retry.
func (q *Queue) HasQueued(conversationID string) (bool, error) {
	_, ok, err := q.db.NextRetryAt(conversationID)
	return ok, err
}

// Peek returns the head of the queue without removing it, or nil when empty.
func (q *Queue) Peek(conversationID string) (*store.OutboxEntry, error) {
	return q.db.PeekOutbox(conversationID)
}

// Size returns the number of entries still awaiting acknowledgment.
func (q *Queue) Size(conversationID string) (int, error) {
	return q.db.OutboxDepth(conversationID)
}
