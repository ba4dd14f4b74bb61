package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types carried by the streaming transport. The wire schema is owned
// by the backend; the client treats Type as a discriminated union and drops
// anything it does not recognize.
const (
	TypeMessage     = "message"
	TypeAck         = "ack"
	TypeReadReceipt = "read_receipt"
	TypeAIState     = "ai_state"
	TypeReject      = "reject"
	TypePing        = "ping"
	TypePong        = "pong"
)

// Frame is the envelope for all transport traffic.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload carries a chat message. ClientMsgID is the correlation
// token: set on outgoing sends and echoed back by the server so the
// optimistic local entry can be reconciled instead of duplicated.
type MessagePayload struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId,omitempty"`
	Content        string `json:"content"`
	Kind           string `json:"kind,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	ServerTS       int64  `json:"serverTs,omitempty"`
}

// AckPayload confirms that a transmitted message was received and persisted.
type AckPayload struct {
	ClientMsgID string `json:"clientMsgId"`
	ServerMsgID string `json:"serverMsgId"`
	ServerTS    int64  `json:"serverTs"`
}

// ReadReceiptPayload marks a delivered message as read by the counterpart.
type ReadReceiptPayload struct {
	ServerMsgID string `json:"serverMsgId"`
}

// AIStatePayload is the server-confirmed AI responder flag.
type AIStatePayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	Enabled        bool   `json:"enabled"`
}

// RejectPayload is an explicit application-level refusal of a prior send.
type RejectPayload struct {
	ClientMsgID string `json:"clientMsgId"`
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason"`
}

// Encode marshals a frame of the given type with the given payload.
func Encode(frameType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
		}
		raw = data
	}
	data, err := json.Marshal(Frame{Type: frameType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return data, nil
}

// Decode parses a raw transport frame. Unknown frame types return
// ErrUnknownFrameType wrapped in a ProtocolError; malformed JSON returns a
// ProtocolError as well. Callers log and drop both.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	switch f.Type {
	case TypeMessage, TypeAck, TypeReadReceipt, TypeAIState, TypeReject, TypePing, TypePong:
		return &f, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame type %q", f.Type), Err: ErrUnknownFrameType}
	}
}

// DecodePayload unmarshals a frame payload into the typed struct for its
// frame type.
func DecodePayload[T any](f *Frame) (*T, error) {
	var p T
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s payload", f.Type), Err: err}
	}
	return &p, nil
}
