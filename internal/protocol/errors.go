package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownFrameType marks frames whose type the client does not recognize.
var ErrUnknownFrameType = errors.New("unknown frame type")

// ProtocolError wraps a malformed or unexpected frame. It is logged and
// dropped by the reader; the connection is not torn down for it.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RejectionError is an explicit application-level refusal from the server.
// It is surfaced to the user and never retried automatically.
type RejectionError struct {
	Code   string
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rejected by server (%s): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("rejected by server: %s", e.Reason)
}
