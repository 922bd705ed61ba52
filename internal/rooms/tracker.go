// Package rooms tracks which conversation rooms the user wants to be in and
// keeps the server's view in line across reconnects.
package rooms

import (
	"context"
	"slices"
	"sync"

	"github.com/siawfish/kyoos-sub001/internal/conn"
	"github.com/siawfish/kyoos-sub001/internal/wire"
	"go.uber.org/zap"
)

// Emitter writes events to the server.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Tracker records desired room membership. Joins are announced at most
// once per connection instance.
type Tracker struct {
	em     Emitter
	logger *zap.Logger

	mu     sync.Mutex
	joined map[string]struct{}
	// announced maps a room to the connection instance it was joined on.
	announced map[string]string
	connID    string
}

// NewTracker creates an empty tracker.
func NewTracker(em Emitter, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		em:        em,
		logger:    logger,
		joined:    make(map[string]struct{}),
		announced: make(map[string]string),
	}
}

// Join records that the user is in room id and tells the server when a
// connection is live. Joining twice is a no-op. A failed emit is not an
// error: the join is replayed on the next connection.
func (t *Tracker) Join(ctx context.Context, id string) error {
	t.mu.Lock()
	if _, ok := t.joined[id]; ok {
		t.mu.Unlock()
		return nil
	}
	t.joined[id] = struct{}{}
	connID := t.connID
	if connID == "" {
		t.mu.Unlock()
		return nil
	}
	t.announced[id] = connID
	t.mu.Unlock()

	t.announce(ctx, id, connID)
	return nil
}

// Leave forgets room id and tells the server if it was announced on the
// live connection. Leaving a room not joined is a no-op.
func (t *Tracker) Leave(ctx context.Context, id string) error {
	t.mu.Lock()
	if _, ok := t.joined[id]; !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.joined, id)
	on := t.announced[id]
	delete(t.announced, id)
	live := on != "" && on == t.connID
	t.mu.Unlock()

	if !live {
		return nil
	}
	if err := t.em.Emit(ctx, wire.ConversationLeave, id); err != nil {
		t.logger.Warn("leave not sent", zap.String("conversation_id", id), zap.Error(err))
	}
	return nil
}

// Joined reports whether room id is currently joined.
func (t *Tracker) Joined(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.joined[id]
	return ok
}

// Rooms returns the joined rooms in sorted order.
func (t *Tracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.joined))
	for id := range t.joined {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Replay announces every joined room on connection c exactly once. It is
// registered as a connected hook.
func (t *Tracker) Replay(ctx context.Context, c conn.Connection) {
	t.mu.Lock()
	t.connID = c.ID
	var pending []string
	for id := range t.joined {
		if t.announced[id] != c.ID {
			t.announced[id] = c.ID
			pending = append(pending, id)
		}
	}
	t.mu.Unlock()

	slices.Sort(pending)
	for _, id := range pending {
		t.announce(ctx, id, c.ID)
	}
	if len(pending) > 0 {
		t.logger.Info("rooms replayed", zap.Int("count", len(pending)), zap.String("conn_id", c.ID))
	}
}

// Reset forgets the ended connection instance. It is registered as a
// disconnected hook.
func (t *Tracker) Reset(c conn.Connection) {
	t.mu.Lock()
	if t.connID == c.ID {
		t.connID = ""
	}
	t.mu.Unlock()
}

func (t *Tracker) announce(ctx context.Context, id, connID string) {
	if err := t.em.Emit(ctx, wire.ConversationJoin, id); err != nil {
		t.logger.Warn("join not sent, will replay", zap.String("conversation_id", id), zap.Error(err))
		t.mu.Lock()
		if t.announced[id] == connID {
			delete(t.announced, id)
		}
		t.mu.Unlock()
	}
}
