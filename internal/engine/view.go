package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/klinikly/chatsync/internal/store"
	"github.com/klinikly/chatsync/internal/transport"
)

// View is a self-consistent snapshot of everything a conversation UI
// renders: the message window, connection state, queue depth and the AI
// switch.
type View struct {
	ConversationID string
	ConnState      transport.State
	Messages       []store.Message
	QueueDepth     int
	AIEnabled      bool
	AIPending      bool
}

// viewWindow bounds the message window handed to the UI.
const viewWindow = 200

// Snapshot assembles the current view. It never fails: a storage hiccup is
// logged and yields a snapshot with what could be read, so the UI always has
// something to render.
func (e *Engine) Snapshot() View {
	v := View{
		ConversationID: e.convID,
		ConnState:      e.conn.State(),
		AIEnabled:      e.toggle.Enabled(),
		AIPending:      e.toggle.InFlight(),
	}

	msgs, err := e.db.ListMessages(e.convID, viewWindow)
	if err != nil {
		e.logger.Error("snapshot message window failed", zap.Error(err))
	} else {
		v.Messages = msgs
	}

	depth, err := e.queue.Size(e.convID)
	if err != nil {
		e.logger.Error("snapshot queue depth failed", zap.Error(err))
	} else {
		v.QueueDepth = depth
	}
	return v
}

// Watch streams a fresh snapshot after every domain event. Consecutive
// events coalesce: a slow consumer sees the latest view, not a backlog of
// stale ones. The returned cancel function releases the subscription.
func (e *Engine) Watch() (<-chan View, func()) {
	events, unsubscribe := e.bus.Subscribe("", 64)
	out := make(chan View, 1)
	stop := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-stop:
				return
			case <-e.done:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				v := e.Snapshot()
				// Replace a pending unread snapshot with the newer one.
				select {
				case out <- v:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- v:
					default:
					}
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			unsubscribe()
		})
	}
	return out, cancel
}
