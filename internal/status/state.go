package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/siawfish/kyoos-sub001/internal/bus"
)

// State is the status of the connection to the message server.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
}

// Hook runs after a transition has been committed.
type Hook func(change Change)

// Machine tracks and enforces connection state transitions and runs
// enter/exit hooks for each state.
type Machine struct {
	mu      sync.Mutex
	current State
	since   time.Time
	bus     *bus.Bus

	hookMu  sync.Mutex
	onEnter map[State][]Hook
	onExit  map[State][]Hook
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
		onEnter: make(map[State][]Hook),
		onExit:  make(map[State][]Hook),
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// OnEnter registers a hook that runs every time the machine enters s.
func (m *Machine) OnEnter(s State, h Hook) {
	m.hookMu.Lock()
	m.onEnter[s] = append(m.onEnter[s], h)
	m.hookMu.Unlock()
}

// OnExit registers a hook that runs every time the machine leaves s.
func (m *Machine) OnExit(s State, h Hook) {
	m.hookMu.Lock()
	m.onExit[s] = append(m.onExit[s], h)
	m.hookMu.Unlock()
}

// Transition moves to a new state. Returns an error if the transition is
// invalid. Exit hooks of the old state run before enter hooks of the new one,
// both on the caller's goroutine and after the state lock is released.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := Change{From: m.current, To: to, At: time.Now()}
	m.current = to
	m.since = change.At
	m.mu.Unlock()

	m.hookMu.Lock()
	exit := slices.Clone(m.onExit[change.From])
	enter := slices.Clone(m.onEnter[change.To])
	m.hookMu.Unlock()

	for _, h := range exit {
		h(change)
	}
	for _, h := range enter {
		h(change)
	}

	m.bus.Publish(bus.Event{
		Kind:      bus.KindStatusChanged,
		Timestamp: change.At,
		Payload:   change,
	})
	return nil
}

// Change is the payload for status change events.
type Change struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}
