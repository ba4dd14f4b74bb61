package transport

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/klinikly/chatsync/internal/bus"
	"github.com/klinikly/chatsync/internal/config"
	"github.com/klinikly/chatsync/internal/protocol"
)

// State represents the connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Connected, Disconnected},
}

// StateChange is the payload for connection state change events.
type StateChange struct {
	From State
	To   State
}

// Conn is a single live streaming connection.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc establishes a new connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Manager owns the streaming connection: connect, heartbeat, detect drops,
// reconnect with backoff. Incoming frames and state changes are published on
// the bus; nothing outside this package touches the socket.
type Manager struct {
	cfg    config.TransportConfig
	dial   DialFunc
	bus    *bus.Bus
	logger *zap.Logger
	rec    *reconnector

	mu          sync.Mutex
	state       State
	conn        Conn
	intentional bool
	lastPong    time.Time
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	connCancel  context.CancelFunc
	retryTimer  *time.Timer
}

// NewManager creates a connection manager. No connection is attempted until
// Connect.
func NewManager(cfg config.TransportConfig, dial DialFunc, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		dial:   dial,
		bus:    b,
		logger: logger.Named("transport"),
		rec:    newReconnector(cfg.ReconnectBase(), cfg.ReconnectMax()),
		state:  Disconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState moves to a new state and publishes the change. The caller must
// hold m.mu.
func (m *Manager) setState(to State) {
	if m.state == to {
		return
	}
	if !slices.Contains(validTransitions[m.state], to) {
		m.logger.Warn("unexpected connection state transition",
			zap.String("from", string(m.state)),
			zap.String("to", string(to)))
	}
	from := m.state
	m.state = to
	m.bus.Emit(bus.KindConnStateChanged, StateChange{From: from, To: to})
}

// Connect establishes the connection and starts the read and heartbeat
// loops. On dial failure the manager enters RECONNECTING and keeps retrying
// in the background; Connect itself returns the first dial error.
//
// The caller's ctx bounds only the initial dial. The connection lifetime is
// owned by the manager and ends at Disconnect; callers typically pass a
// startup-scoped ctx that is cancelled long before the connection should die.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.intentional = false
	m.rootCtx, m.rootCancel = context.WithCancel(context.Background())
	m.setState(Connecting)
	m.mu.Unlock()

	if err := m.attempt(ctx); err != nil {
		m.mu.Lock()
		m.setState(Reconnecting)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return err
	}
	return nil
}

// attempt dials once and, on success, installs the connection and starts its
// loops. dialCtx bounds the dial alone; nil means dial under the manager's
// lifetime context.
func (m *Manager) attempt(dialCtx context.Context) error {
	m.mu.Lock()
	root := m.rootCtx
	m.mu.Unlock()
	if root == nil || root.Err() != nil {
		return &TransportError{Op: "dial", Err: context.Canceled}
	}
	if dialCtx == nil {
		dialCtx = root
	}

	conn, err := m.dial(dialCtx)
	if err != nil {
		m.logger.Warn("dial failed", zap.Error(err), zap.Int("attempt", m.rec.attempts()))
		return &TransportError{Op: "dial", Err: err}
	}

	m.mu.Lock()
	if m.rootCtx == nil || m.rootCtx.Err() != nil {
		// Disconnect won the race against the dial.
		m.mu.Unlock()
		_ = conn.Close()
		return &TransportError{Op: "dial", Err: context.Canceled}
	}
	connCtx, cancel := context.WithCancel(m.rootCtx)
	m.conn = conn
	m.connCancel = cancel
	m.lastPong = time.Now()
	m.rec.markConnected()
	m.setState(Connected)
	m.mu.Unlock()

	go m.readLoop(connCtx, conn)
	go m.heartbeatLoop(connCtx, conn)
	m.logger.Info("connected")
	return nil
}

// Disconnect closes the connection deliberately. No reconnect follows.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.intentional = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	conn := m.conn
	m.conn = nil
	if m.rootCancel != nil {
		m.rootCancel()
		m.rootCancel = nil
	}
	if m.state != Disconnected {
		m.setState(Disconnected)
	}
	m.rec.reset()
	m.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send writes a frame to the live connection. Returns ErrNotConnected when
// there is none; the caller is expected to queue instead.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	if m.state != Connected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	if err := conn.WriteMessage(ctx, data); err != nil {
		m.dropConn(conn, err)
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// readLoop consumes frames until the connection dies. Ping frames are
// answered inline, pong frames refresh the liveness clock, everything else
// is published for the sync engine.
func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.dropConn(conn, err)
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("dropping frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case protocol.TypePing:
			pong, _ := protocol.Encode(protocol.TypePong, nil)
			if err := conn.WriteMessage(ctx, pong); err != nil && ctx.Err() == nil {
				m.dropConn(conn, err)
				return
			}
		case protocol.TypePong:
			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()
		default:
			m.bus.Emit(bus.KindFrameReceived, frame)
		}
	}
}

// heartbeatLoop sends periodic pings and tears the connection down when the
// server stops answering. A silent half-open socket would otherwise look
// connected forever.
func (m *Manager) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			silent := time.Since(m.lastPong) > m.cfg.HeartbeatInterval()+m.cfg.PongTimeout()
			m.mu.Unlock()
			if silent {
				m.logger.Warn("heartbeat timeout, dropping connection")
				m.dropConn(conn, context.DeadlineExceeded)
				return
			}
			ping, _ := protocol.Encode(protocol.TypePing, nil)
			if err := conn.WriteMessage(ctx, ping); err != nil {
				if ctx.Err() == nil {
					m.dropConn(conn, err)
				}
				return
			}
		}
	}
}

// dropConn handles an unexpected connection loss: close, move to
// RECONNECTING, schedule the next attempt.
func (m *Manager) dropConn(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.conn = nil
	_ = conn.Close()
	m.rec.markDisconnected()

	if m.intentional {
		m.setState(Disconnected)
		m.mu.Unlock()
		return
	}

	m.logger.Warn("connection lost", zap.Error(cause))
	m.setState(Reconnecting)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// scheduleReconnectLocked arms the backoff timer for the next dial attempt.
// The caller must hold m.mu.
func (m *Manager) scheduleReconnectLocked() {
	delay := m.rec.nextDelay()
	m.logger.Info("reconnecting",
		zap.Duration("delay", delay),
		zap.Int("attempt", m.rec.attempts()))
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.intentional || m.state != Reconnecting {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		if err := m.attempt(nil); err != nil {
			m.mu.Lock()
			if !m.intentional && m.state == Reconnecting {
				m.scheduleReconnectLocked()
			}
			m.mu.Unlock()
		}
	})
}
