package store

// Message represents one entry in the conversation's message window.
// ClientMsgID is set for locally originated messages; ServerMsgID is the
// authoritative id once the server has confirmed the message. At least one
// of the two is always present.
type Message struct {
	ID             int64
	ConversationID string
	ClientMsgID    string
	ServerMsgID    string
	SenderID       string
	Body           string
	Kind           string // text, attachment, system
	Status         string // delivery state, owned by the delivery tracker
	CreatedAt      int64  // client clock, unix ms
	ServerTS       int64  // authoritative order once known, unix ms; 0 = unknown
}

// EffectiveTS returns the timestamp used for render ordering.
func (m *Message) EffectiveTS() int64 {
	if m.ServerTS > 0 {
		return m.ServerTS
	}
	return m.CreatedAt
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Body           string
	Kind           string
	Status         string // queued, inflight, failed
	AttemptCount   int
	NextRetryAt    int64 // unix ms; 0 = immediately eligible
	ErrorMessage   string
	CreatedAt      int64
}
