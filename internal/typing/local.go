// Package typing coordinates "is typing" indicators: the local composer's
// debounced start/stop signals and the expiring signals of remote users.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/siawfish/kyoos-sub001/internal/wire"
	"go.uber.org/zap"
)

// Emitter writes events to the server.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Config holds the typing timers.
type Config struct {
	Debounce     time.Duration
	Idle         time.Duration
	RemoteExpiry time.Duration
}

// Local drives the typing signal of one open composer. Keystrokes are
// debounced into a single typing:start; typing:stop follows the idle period
// after the last debounced start unless typing continues.
type Local struct {
	conversationID string
	em             Emitter
	clock          clockwork.Clock
	cfg            Config
	logger         *zap.Logger

	mu       sync.Mutex
	started  bool
	closed   bool
	debounce clockwork.Timer
	idle     clockwork.Timer
	// gen invalidates timer callbacks that lost a race with Stop or a re-arm.
	startGen uint64
	idleGen  uint64
}

// NewLocal creates the coordinator for one conversation's composer.
func NewLocal(conversationID string, em Emitter, clock clockwork.Clock, cfg Config, logger *zap.Logger) *Local {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		conversationID: conversationID,
		em:             em,
		clock:          clock,
		cfg:            cfg,
		logger:         logger,
	}
}

// OnTypingStart records a keystroke.
func (l *Local) OnTypingStart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	stopTimer(l.debounce)
	l.startGen++
	gen := l.startGen
	l.debounce = l.clock.AfterFunc(l.cfg.Debounce, func() { l.fireStart(gen) })
}

// Stop cancels pending timers and emits typing:stop if a start was sent.
func (l *Local) Stop() {
	if l.cancel() {
		l.emit(wire.TypingStop)
	}
}

// Close stops the coordinator for good. No start is emitted afterwards; a
// start already sent is followed by a stop.
func (l *Local) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.Stop()
}

// Started reports whether typing:start has been sent without a matching stop.
func (l *Local) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *Local) cancel() (wasStarted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stopTimer(l.debounce)
	stopTimer(l.idle)
	l.debounce, l.idle = nil, nil
	l.startGen++
	l.idleGen++
	wasStarted = l.started
	l.started = false
	return wasStarted
}

// fireStart runs once keystrokes have settled for the debounce period. It
// sends typing:start if none is outstanding and restarts the idle timer, so
// the stop follows the last debounced start.
func (l *Local) fireStart(gen uint64) {
	l.mu.Lock()
	if l.closed || gen != l.startGen {
		l.mu.Unlock()
		return
	}
	l.debounce = nil
	stopTimer(l.idle)
	l.idleGen++
	idleGen := l.idleGen
	l.idle = l.clock.AfterFunc(l.cfg.Idle, func() { l.fireIdle(idleGen) })
	wasStarted := l.started
	l.started = true
	l.mu.Unlock()
	if !wasStarted {
		l.emit(wire.TypingStart)
	}
}

func (l *Local) fireIdle(gen uint64) {
	l.mu.Lock()
	if gen != l.idleGen {
		l.mu.Unlock()
		return
	}
	l.idle = nil
	if l.debounce != nil {
		// Still typing; the pending debounce restarts the idle timer.
		l.mu.Unlock()
		return
	}
	wasStarted := l.started
	l.started = false
	l.mu.Unlock()
	if wasStarted {
		l.emit(wire.TypingStop)
	}
}

func (l *Local) emit(event string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.em.Emit(ctx, event, wire.ConversationPayload{ConversationID: l.conversationID}); err != nil {
		l.logger.Debug("typing signal not sent", zap.String("event", event),
			zap.String("conversation_id", l.conversationID), zap.Error(err))
	}
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}
