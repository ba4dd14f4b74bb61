package aitoggle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/klinikly/chatsync/internal/bus"
	"github.com/klinikly/chatsync/internal/config"
	"github.com/klinikly/chatsync/internal/protocol"
)

// ExhaustedRetryError marks a toggle that could not be confirmed within the
// retry budget. The switch reverts to the last server-confirmed state.
type ExhaustedRetryError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedRetryError) Error() string {
	return fmt.Sprintf("ai toggle abandoned after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedRetryError) Unwrap() error { return e.Err }

// Setter pushes the desired AI responder state to the backend.
type Setter interface {
	Put(ctx context.Context, conversationID string, enabled bool) error
}

// StateChange is the payload for AI state events. Confirmed distinguishes
// the optimistic flip from the server-acknowledged state.
type StateChange struct {
	ConversationID string
	Enabled        bool
	Confirmed      bool
}

// Coordinator reconciles the AI responder switch with the backend. Rapid
// flips are debounced and coalesced so only the final position is sent; the
// server-confirmed state is the source of truth and the switch reverts to it
// when the backend cannot be convinced.
type Coordinator struct {
	setter      Setter
	bus         *bus.Bus
	logger      *zap.Logger
	convID      string
	debounce    time.Duration
	maxAttempts int
	retryBase   time.Duration

	mu        sync.Mutex
	confirmed bool
	desired   bool
	timer     *time.Timer
	inFlight  bool
	closed    bool
	waiters   []chan error

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a coordinator starting from the given server-confirmed state.
func New(setter Setter, b *bus.Bus, logger *zap.Logger, cfg config.AIConfig, conversationID string, initial bool) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		setter:      setter,
		bus:         b,
		logger:      logger.Named("aitoggle"),
		convID:      conversationID,
		debounce:    cfg.Debounce(),
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase(),
		confirmed:   initial,
		desired:     initial,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enabled returns the state the switch should render: the optimistic target
// while a change is pending, the confirmed state otherwise.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired
}

// Confirmed returns the last server-acknowledged state.
func (c *Coordinator) Confirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}

// InFlight reports whether a toggle is awaiting backend confirmation.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight || c.timer != nil
}

// Toggle flips the switch optimistically and schedules the backend update
// behind the debounce window. Toggling again within the window replaces the
// target: only the final position is transmitted. The returned channel
// resolves with nil once the backend confirms, or with the terminal error
// after the switch reverted.
func (c *Coordinator) Toggle(enabled bool) <-chan error {
	done := make(chan error, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		done <- context.Canceled
		return done
	}

	c.desired = enabled
	c.waiters = append(c.waiters, done)
	c.bus.Emit(bus.KindAIStateChanged, StateChange{
		ConversationID: c.convID,
		Enabled:        enabled,
		Confirmed:      false,
	})

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.flush)
	return done
}

// flush fires after the debounce window: it compares the coalesced target
// against the confirmed state and starts the backend update if they differ.
func (c *Coordinator) flush() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || c.inFlight {
		// An in-flight attempt re-checks desired when it completes.
		c.mu.Unlock()
		return
	}
	if c.desired == c.confirmed {
		// Flipped back to where we started; nothing to send.
		c.resolveLocked(nil)
		c.mu.Unlock()
		return
	}
	target := c.desired
	c.inFlight = true
	c.mu.Unlock()

	go c.push(target)
}

// push drives the bounded retry loop for one target state.
func (c *Coordinator) push(target bool) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.setter.Put(c.ctx, c.convID, target)
		if err == nil {
			c.settle(target, nil)
			return
		}
		if c.ctx.Err() != nil {
			c.settle(target, c.ctx.Err())
			return
		}

		var rej *protocol.RejectionError
		if errors.As(err, &rej) {
			// The backend refused the state outright; retrying the same
			// request cannot help.
			c.settle(target, rej)
			return
		}

		lastErr = err
		c.logger.Warn("ai toggle attempt failed",
			zap.Int("attempt", attempt),
			zap.Bool("target", target),
			zap.Error(err))
		if attempt < c.maxAttempts {
			select {
			case <-time.After(c.retryBase << (attempt - 1)):
			case <-c.ctx.Done():
				c.settle(target, c.ctx.Err())
				return
			}
		}
	}
	c.settle(target, &ExhaustedRetryError{Attempts: c.maxAttempts, Err: lastErr})
}

// settle records the outcome of a push. On failure the switch reverts to the
// confirmed state unless the user already picked a new target, in which case
// that target is scheduled instead.
func (c *Coordinator) settle(target bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false

	if err == nil {
		c.confirmed = target
		c.bus.Emit(bus.KindAIStateChanged, StateChange{
			ConversationID: c.convID,
			Enabled:        target,
			Confirmed:      true,
		})
		if c.desired != c.confirmed && !c.closed {
			// The user flipped again while this push was in flight.
			c.timer = time.AfterFunc(c.debounce, c.flush)
			return
		}
		c.resolveLocked(nil)
		return
	}

	c.logger.Warn("ai toggle failed, reverting",
		zap.Bool("target", target),
		zap.Bool("confirmed", c.confirmed),
		zap.Error(err))
	if c.desired == target {
		c.desired = c.confirmed
		c.bus.Emit(bus.KindAIStateChanged, StateChange{
			ConversationID: c.convID,
			Enabled:        c.confirmed,
			Confirmed:      true,
		})
		c.resolveLocked(err)
		return
	}
	// A newer target superseded the failed one; waiters settle with the
	// outcome of that push instead.
	if !c.closed {
		c.timer = time.AfterFunc(c.debounce, c.flush)
	}
}

// Confirm applies a server-pushed authoritative state, e.g. another client
// toggled the same conversation.
func (c *Coordinator) Confirm(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.confirmed = enabled
	if !c.inFlight && c.timer == nil {
		// No local intent pending; adopt the server state.
		c.desired = enabled
		c.bus.Emit(bus.KindAIStateChanged, StateChange{
			ConversationID: c.convID,
			Enabled:        enabled,
			Confirmed:      true,
		})
	}
}

// resolveLocked delivers the outcome to every waiter. Caller holds c.mu.
func (c *Coordinator) resolveLocked(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

// Close aborts any pending work. Outstanding waiters resolve with
// context.Canceled.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.resolveLocked(context.Canceled)
	c.mu.Unlock()
	c.cancel()
}
