package bus

import "time"

// Event kinds published by the sync components. Subscribers filter by
// namespace prefix, e.g. "message." matches every message event.
const (
	KindConnStateChanged    = "conn.state_changed"
	KindFrameReceived       = "conn.frame"
	KindMessageUpserted     = "message.upserted"
	KindMessageStateChanged = "message.state_changed"
	KindMessageSendFailed   = "message.send_failed"
	KindQueueDrained        = "queue.drained"
	KindAIStateChanged      = "ai.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
