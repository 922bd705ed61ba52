package typing

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/siawfish/kyoos-sub001/internal/bus"
	"github.com/siawfish/kyoos-sub001/internal/message"
)

type key struct {
	conversationID string
	userID         string
}

type signal struct {
	message.TypingSignal
	timer clockwork.Timer
	gen   uint64
}

// Remote tracks typing signals received from other users. A signal lives
// until typing:stop or until it expires, whichever comes first.
type Remote struct {
	bus   *bus.Bus
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	signals map[key]*signal
	gen     uint64
}

// NewRemote creates an empty tracker whose signals expire after ttl.
func NewRemote(b *bus.Bus, clock clockwork.Clock, ttl time.Duration) *Remote {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Remote{
		bus:     b,
		clock:   clock,
		ttl:     ttl,
		signals: make(map[key]*signal),
	}
}

// Start creates or refreshes the signal of user in a conversation.
func (r *Remote) Start(conversationID, userID, userName string) {
	k := key{conversationID, userID}
	r.mu.Lock()
	s, refreshed := r.signals[k]
	if refreshed {
		stopTimer(s.timer)
		if userName != "" {
			s.UserName = userName
		}
	} else {
		s = &signal{TypingSignal: message.TypingSignal{
			ConversationID: conversationID,
			UserID:         userID,
			UserName:       userName,
		}}
		r.signals[k] = s
	}
	r.gen++
	gen := r.gen
	s.gen = gen
	s.ExpiresAt = r.clock.Now().Add(r.ttl)
	s.timer = r.clock.AfterFunc(r.ttl, func() { r.expire(k, gen) })
	name := s.UserName
	r.mu.Unlock()

	if !refreshed {
		r.publish(conversationID, userID, name, true)
	}
}

// Stop removes the signal of user in a conversation.
func (r *Remote) Stop(conversationID, userID string) {
	k := key{conversationID, userID}
	r.mu.Lock()
	s, ok := r.signals[k]
	if ok {
		stopTimer(s.timer)
		delete(r.signals, k)
	}
	r.mu.Unlock()
	if ok {
		r.publish(conversationID, userID, s.UserName, false)
	}
}

// Active lists the live signals of a conversation ordered by user id.
func (r *Remote) Active(conversationID string) []message.TypingSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.TypingSignal
	for k, s := range r.signals {
		if k.conversationID == conversationID {
			out = append(out, s.TypingSignal)
		}
	}
	slices.SortFunc(out, func(a, b message.TypingSignal) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// Reset drops every signal, e.g. when the connection ends.
func (r *Remote) Reset() {
	r.mu.Lock()
	old := r.signals
	r.signals = make(map[key]*signal)
	r.mu.Unlock()
	for k, s := range old {
		stopTimer(s.timer)
		r.publish(k.conversationID, k.userID, s.UserName, false)
	}
}

func (r *Remote) expire(k key, gen uint64) {
	r.mu.Lock()
	s, ok := r.signals[k]
	if !ok || s.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.signals, k)
	r.mu.Unlock()
	r.publish(k.conversationID, k.userID, s.UserName, false)
}

func (r *Remote) publish(conversationID, userID, userName string, active bool) {
	r.bus.Emit(bus.KindTypingChanged, bus.Typing{
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       userName,
		Active:         active,
	})
}
