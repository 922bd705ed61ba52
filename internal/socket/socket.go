package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/siawfish/kyoos-sub001/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Maximum inbound frame size.
const maxFrameSize = 256 * 1024

var (
	// ErrNotOpen is returned by Emit when there is no live connection.
	ErrNotOpen = errors.New("socket not open")
	// ErrUnauthorized is returned when the server rejects the bearer token.
	ErrUnauthorized = errors.New("server rejected credential")
)

// Config controls dialing, reconnection and keepalive.
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	// ReconnectJitter randomizes each delay by +/- this fraction.
	ReconnectJitter float64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	// OutboundRate caps frames per second; zero disables pacing.
	OutboundRate  float64
	OutboundBurst int
}

// Observer receives lifecycle notifications and inbound frames. All calls
// for one Socket are made sequentially and never while the socket holds its
// own locks, so observers may call Emit or Close.
type Observer interface {
	// OnOpen is called when a connection instance is live, before any of
	// its frames are delivered.
	OnOpen(connID string)
	// OnDrop is called when a live connection is lost and automatic
	// reconnection begins.
	OnDrop(err error)
	// OnRetry is called before each reconnection attempt.
	OnRetry(attempt int, delay time.Duration)
	// OnGiveUp is called when reconnection attempts are exhausted. The
	// socket is closed afterwards.
	OnGiveUp(err error)
	// OnFrame delivers an inbound frame read from connection connID.
	OnFrame(connID string, f wire.Frame)
}

// Socket owns the websocket to the message server across reconnects.
type Socket struct {
	cfg     Config
	obs     Observer
	clock   clockwork.Clock
	logger  *zap.Logger
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	mu     sync.Mutex
	conn   *websocket.Conn
	connID string
	token  string
	cancel context.CancelFunc

	writeMu sync.Mutex
}

// New creates a socket. Nothing is dialed until Open.
func New(cfg Config, obs Observer, clock clockwork.Clock, logger *zap.Logger) *Socket {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.OutboundRate > 0 {
		limit = rate.Limit(cfg.OutboundRate)
	}
	burst := cfg.OutboundBurst
	if burst <= 0 {
		burst = 1
	}
	return &Socket{
		cfg:     cfg,
		obs:     obs,
		clock:   clock,
		logger:  logger,
		dialer:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Open dials the server with the bearer token and starts the read loop.
// The observer's OnOpen runs before Open returns. If the socket is already
// open the current connection id is returned.
func (s *Socket) Open(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	if s.conn != nil {
		id := s.connID
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	c, err := s.dial(ctx, token)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.token = token
	s.cancel = cancel
	s.mu.Unlock()

	id, err := s.install(runCtx, c)
	if err != nil {
		cancel()
		return "", err
	}
	s.logger.Info("socket open", zap.String("conn_id", id), zap.String("url", s.cfg.URL))
	s.obs.OnOpen(id)
	go s.run(runCtx, c, id)
	return id, nil
}

// Emit writes one event frame on the live connection.
func (s *Socket) Emit(ctx context.Context, event string, payload any) error {
	raw, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return ErrNotOpen
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	if err := s.write(c, websocket.TextMessage, raw); err != nil {
		// A failed write leaves the connection unusable; closing it makes
		// the read loop notice and start reconnecting.
		_ = c.Close()
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Close tears the connection down and stops reconnection. It never calls
// the observer. Safe to call when not open.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	c := s.conn
	s.conn = nil
	s.connID = ""
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	_ = s.write(c, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.Close()
}

// ConnID returns the id of the live connection instance, or "".
func (s *Socket) ConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

func (s *Socket) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	c, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("dial %s: %w (%s)", s.cfg.URL, ErrUnauthorized, resp.Status)
			}
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	return c, nil
}

// install makes c the live connection unless the socket was closed meanwhile.
func (s *Socket) install(ctx context.Context, c *websocket.Conn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		_ = c.Close()
		return "", err
	}
	s.conn = c
	s.connID = uuid.NewString()
	return s.connID, nil
}

func (s *Socket) detach(c *websocket.Conn) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
		s.connID = ""
	}
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Socket) run(ctx context.Context, c *websocket.Conn, id string) {
	for {
		err := s.readLoop(c, id)
		s.detach(c)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("socket dropped", zap.String("conn_id", id), zap.Error(err))
		s.obs.OnDrop(err)

		c, id, err = s.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("socket reconnect gave up", zap.Error(err))
			s.mu.Lock()
			s.cancel = nil
			s.mu.Unlock()
			s.obs.OnGiveUp(err)
			return
		}
		s.logger.Info("socket reconnected", zap.String("conn_id", id))
		s.obs.OnOpen(id)
	}
}

func (s *Socket) reconnect(ctx context.Context) (*websocket.Conn, string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectDelay
	b.MaxInterval = s.cfg.ReconnectDelayMax
	b.RandomizationFactor = s.cfg.ReconnectJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		delay := b.NextBackOff()
		s.obs.OnRetry(attempt, delay)
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-s.clock.After(delay):
		}

		dctx, cancel := context.WithCancel(ctx)
		if s.cfg.HandshakeTimeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		}
		c, err := s.dial(dctx, token)
		cancel()
		if err != nil {
			lastErr = err
			s.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		id, err := s.install(ctx, c)
		if err != nil {
			return nil, "", err
		}
		return c, id, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no reconnect attempts configured")
	}
	return nil, "", fmt.Errorf("gave up after %d attempts: %w", s.cfg.ReconnectAttempts, lastErr)
}

func (s *Socket) readLoop(c *websocket.Conn, id string) error {
	c.SetReadLimit(maxFrameSize)
	if s.cfg.PingInterval > 0 {
		pongWait := s.cfg.PingInterval * 10 / 9
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(pongWait))
		})
		stop := make(chan struct{})
		defer close(stop)
		go s.keepalive(c, stop)
	}

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return err
		}
		f, err := wire.Decode(raw)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.String("conn_id", id), zap.Error(err))
			continue
		}
		s.obs.OnFrame(id, f)
	}
}

func (s *Socket) keepalive(c *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.write(c, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Socket) write(c *websocket.Conn, messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return c.WriteMessage(messageType, data)
}
