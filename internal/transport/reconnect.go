package transport

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// sustainedConnection is how long a connection must stay up before the
// backoff attempt counter resets. A connection that drops faster than this
// keeps climbing the backoff curve.
const sustainedConnection = 60 * time.Second

// reconnector computes exponential backoff delays with jitter for reconnect
// attempts.
type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, max time.Duration) *reconnector {
	return &reconnector{
		baseDelay: base,
		maxDelay:  max,
	}
}

// nextDelay returns the delay before the next reconnect attempt and
// increments the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Computed in float so a long outage cannot overflow the shift.
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt)),
		float64(r.maxDelay)))
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay += jitter
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

// markConnected records a successful connection. The attempt counter resets
// only after the connection proves sustained, so a flapping link does not
// hammer the server with base-delay retries.
func (r *reconnector) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) >= sustainedConnection {
		r.attempt = 0
	}
	r.connectedAt = time.Now()
}

// markDisconnected checks whether the finished connection lasted long enough
// to reset the backoff.
func (r *reconnector) markDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) >= sustainedConnection {
		r.attempt = 0
	}
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.connectedAt = time.Time{}
}
