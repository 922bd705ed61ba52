package typing

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/siawfish/kyoos-sub001/internal/bus"
	"go.uber.org/zap"
)

// Coordinator owns the local composers of open conversations and the
// remote signal tracker.
type Coordinator struct {
	em     Emitter
	clock  clockwork.Clock
	cfg    Config
	logger *zap.Logger
	remote *Remote

	mu     sync.Mutex
	locals map[string]*Local
}

// NewCoordinator creates a coordinator with no open composers.
func NewCoordinator(em Emitter, b *bus.Bus, clock clockwork.Clock, cfg Config, logger *zap.Logger) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		em:     em,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		remote: NewRemote(b, clock, cfg.RemoteExpiry),
		locals: make(map[string]*Local),
	}
}

// Remote returns the tracker of other users' signals.
func (c *Coordinator) Remote() *Remote {
	return c.remote
}

// SetActive reports composer activity in a conversation. Active input is
// debounced; inactive stops the signal at once.
func (c *Coordinator) SetActive(conversationID string, active bool) {
	if !active {
		c.mu.Lock()
		l := c.locals[conversationID]
		c.mu.Unlock()
		if l != nil {
			l.Stop()
		}
		return
	}
	c.local(conversationID).OnTypingStart()
}

// Close disposes of the composer of a conversation.
func (c *Coordinator) Close(conversationID string) {
	c.mu.Lock()
	l := c.locals[conversationID]
	delete(c.locals, conversationID)
	c.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// CloseAll disposes of every composer.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	locals := c.locals
	c.locals = make(map[string]*Local)
	c.mu.Unlock()
	for _, l := range locals {
		l.Close()
	}
}

func (c *Coordinator) local(conversationID string) *Local {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locals[conversationID]
	if !ok {
		l = NewLocal(conversationID, c.em, c.clock, c.cfg, c.logger.With(zap.String("conversation_id", conversationID)))
		c.locals[conversationID] = l
	}
	return l
}
