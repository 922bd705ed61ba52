// Package conn owns the single logical connection to the message server:
// credential lookup, the handshake, status tracking and the inbound
// listener table.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/siawfish/kyoos-sub001/internal/credential"
	"github.com/siawfish/kyoos-sub001/internal/metrics"
	"github.com/siawfish/kyoos-sub001/internal/socket"
	"github.com/siawfish/kyoos-sub001/internal/status"
	"github.com/siawfish/kyoos-sub001/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoCredential      = errors.New("no credential stored")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrConnectionTimeout = errors.New("connection timed out")
	ErrNotConnected      = errors.New("not connected")
)

// Config configures the manager and the transport it owns.
type Config struct {
	Socket        socket.Config
	CredentialKey string
}

// Connection describes one live connection instance. Every successful
// handshake, including automatic reconnects, yields a new ID.
type Connection struct {
	ID          string
	ConnectedAt time.Time
}

// Snapshot is a point-in-time view of the connection for status reporting.
type Snapshot struct {
	State     status.State
	Since     time.Time
	ConnID    string
	Retries   int
	LastError string
}

// Handler receives one inbound frame.
type Handler func(f wire.Frame)

// ConnectedHook runs each time a connection instance becomes live, after
// listeners are attached.
type ConnectedHook func(ctx context.Context, c Connection)

// DisconnectedHook runs each time a connection instance ends.
type DisconnectedHook func(c Connection)

// Manager is the connection manager. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	creds   credential.Store
	machine *status.Machine
	sock    *socket.Socket
	clock   clockwork.Clock
	logger  *zap.Logger

	group   singleflight.Group
	transMu sync.Mutex

	// ctx is handed to connected hooks; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	current      *Connection
	attached     string
	handlers     map[string]Handler
	retries      int
	lastErr      error
	onConnect    []ConnectedHook
	onDisconnect []DisconnectedHook
}

// NewManager creates a disconnected manager. Nothing is dialed until Connect.
func NewManager(cfg Config, creds credential.Store, machine *status.Machine, clock clockwork.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CredentialKey == "" {
		cfg.CredentialKey = "auth_token"
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		creds:    creds,
		machine:  machine,
		clock:    clock,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
	}
	m.sock = socket.New(cfg.Socket, m, clock, logger.Named("socket"))
	machine.OnEnter(status.Connected, m.enterConnected)
	machine.OnExit(status.Connected, m.exitConnected)
	return m
}

// Connect ensures a live connection. Concurrent callers share one handshake;
// a caller whose ctx ends stops waiting without cancelling the attempt.
func (m *Manager) Connect(ctx context.Context) (*Connection, error) {
	if c := m.live(); c != nil {
		return c, nil
	}
	ch := m.group.DoChan("connect", func() (any, error) {
		return m.connect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context) (*Connection, error) {
	if c := m.live(); c != nil {
		return c, nil
	}

	// An explicit connect while the transport is backing off abandons the
	// backoff and dials immediately.
	if m.machine.Current() == status.Reconnecting {
		_ = m.sock.Close()
		m.transition(status.Disconnected)
	}

	token, ok, err := m.creds.Get(ctx, m.cfg.CredentialKey)
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		return nil, m.fail(fmt.Errorf("%w: read credential: %w", ErrConnectionFailed, err))
	}
	if !ok {
		metrics.ConnectAttempts.WithLabelValues("no_credential").Inc()
		return nil, m.fail(ErrNoCredential)
	}

	if err := m.transition(status.Connecting); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if d := m.cfg.Socket.HandshakeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	m.logger.Info("connecting", zap.String("url", m.cfg.Socket.URL))
	if _, err := m.sock.Open(ctx, token); err != nil {
		m.transition(status.Disconnected)
		if isTimeout(ctx, err) {
			metrics.ConnectAttempts.WithLabelValues("timeout").Inc()
			return nil, m.fail(fmt.Errorf("%w: %w", ErrConnectionTimeout, err))
		}
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		return nil, m.fail(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
	metrics.ConnectAttempts.WithLabelValues("ok").Inc()

	if c := m.live(); c != nil {
		return c, nil
	}
	// Dropped between the handshake and here; the transport is already
	// reconnecting.
	return nil, fmt.Errorf("%w: connection lost during handshake", ErrConnectionFailed)
}

// Disconnect closes the transport and returns to disconnected. It never
// fails; calling it while disconnected is a no-op.
func (m *Manager) Disconnect() {
	_ = m.sock.Close()
	m.transition(status.Disconnected)
	m.mu.Lock()
	m.retries = 0
	m.mu.Unlock()
}

// Close disconnects and cancels work started by connected hooks.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

// Handle registers the listener for an inbound event, replacing any
// previous one. Registration may happen at any time; the table is what
// every connection instance dispatches against.
func (m *Manager) Handle(event string, h Handler) {
	m.mu.Lock()
	m.handlers[event] = h
	m.mu.Unlock()
}

// OnConnected registers a hook run on every entry into connected.
func (m *Manager) OnConnected(h ConnectedHook) {
	m.mu.Lock()
	m.onConnect = append(m.onConnect, h)
	m.mu.Unlock()
}

// OnDisconnected registers a hook run on every exit from connected.
func (m *Manager) OnDisconnected(h DisconnectedHook) {
	m.mu.Lock()
	m.onDisconnect = append(m.onDisconnect, h)
	m.mu.Unlock()
}

// Emit writes an event on the live connection.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	if !m.Connected() {
		metrics.FramesOut.WithLabelValues(event, "error").Inc()
		return ErrNotConnected
	}
	if err := m.sock.Emit(ctx, event, payload); err != nil {
		metrics.FramesOut.WithLabelValues(event, "error").Inc()
		if errors.Is(err, socket.ErrNotOpen) {
			return ErrNotConnected
		}
		return err
	}
	metrics.FramesOut.WithLabelValues(event, "ok").Inc()
	return nil
}

// Connected reports whether a connection instance is live.
func (m *Manager) Connected() bool {
	return m.machine.Current() == status.Connected
}

// Current returns the live connection instance, or nil.
func (m *Manager) Current() *Connection {
	return m.live()
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Snapshot {
	s := Snapshot{State: m.machine.Current(), Since: m.machine.Since()}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		s.ConnID = m.current.ID
	}
	s.Retries = m.retries
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// OnOpen implements socket.Observer.
func (m *Manager) OnOpen(connID string) {
	m.mu.Lock()
	m.current = &Connection{ID: connID, ConnectedAt: m.clock.Now()}
	reconnect := m.retries > 0
	m.retries = 0
	m.lastErr = nil
	m.mu.Unlock()
	if reconnect {
		metrics.Reconnects.WithLabelValues("restored").Inc()
	}
	if err := m.transition(status.Connected); err != nil {
		// Disconnect won the race with the handshake.
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		_ = m.sock.Close()
	}
}

// OnDrop implements socket.Observer.
func (m *Manager) OnDrop(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.transition(status.Reconnecting)
}

// OnRetry implements socket.Observer.
func (m *Manager) OnRetry(attempt int, delay time.Duration) {
	m.mu.Lock()
	m.retries = attempt
	m.mu.Unlock()
	metrics.Reconnects.WithLabelValues("attempt").Inc()
	m.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

// OnGiveUp implements socket.Observer.
func (m *Manager) OnGiveUp(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	metrics.Reconnects.WithLabelValues("gave_up").Inc()
	m.transition(status.Disconnected)
}

// OnFrame implements socket.Observer. Frames from a connection instance
// whose listeners are not attached are dropped.
func (m *Manager) OnFrame(connID string, f wire.Frame) {
	m.mu.Lock()
	attached := m.attached
	h := m.handlers[f.Event]
	m.mu.Unlock()

	switch {
	case connID != attached:
		metrics.FramesIn.WithLabelValues(f.Event, "stale").Inc()
		m.logger.Debug("dropping frame from detached connection", zap.String("event", f.Event), zap.String("conn_id", connID))
	case h == nil:
		metrics.FramesIn.WithLabelValues(f.Event, "unhandled").Inc()
		m.logger.Debug("no listener for event", zap.String("event", f.Event))
	default:
		metrics.FramesIn.WithLabelValues(f.Event, "handled").Inc()
		h(f)
	}
}

func (m *Manager) enterConnected(status.Change) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	c := *m.current
	m.attached = c.ID
	hooks := append([]ConnectedHook(nil), m.onConnect...)
	m.mu.Unlock()

	metrics.Connected.Set(1)
	m.logger.Info("connected", zap.String("conn_id", c.ID))
	for _, h := range hooks {
		h(m.ctx, c)
	}
}

func (m *Manager) exitConnected(status.Change) {
	m.mu.Lock()
	var c Connection
	if m.current != nil {
		c = *m.current
	}
	m.current = nil
	m.attached = ""
	hooks := append([]DisconnectedHook(nil), m.onDisconnect...)
	m.mu.Unlock()

	metrics.Connected.Set(0)
	m.logger.Info("connection ended", zap.String("conn_id", c.ID))
	for _, h := range hooks {
		h(c)
	}
}

// transition serializes state changes so hooks of one transition finish
// before the next begins. Invalid moves are ignored and reported.
func (m *Manager) transition(to status.State) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	if m.machine.Current() == to {
		return nil
	}
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("ignoring transition", zap.Error(err))
		return err
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.logger.Warn("connect failed", zap.Error(err))
	return err
}

func (m *Manager) live() *Connection {
	if m.machine.Current() != status.Connected {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	c := *m.current
	return &c
}
