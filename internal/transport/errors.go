package transport

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when no live connection exists. Callers
// queue the payload instead of failing the operation.
var ErrNotConnected = errors.New("transport: not connected")

// TransportError wraps a connection-level failure (dial, write, read). These
// are retriable: the payload survives in the queue and the manager reconnects.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
