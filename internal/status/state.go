package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mfreitas/pigeon/internal/bus"
)

// State represents a session runtime state, driven by the realtime
// transport lifecycle.
type State string

const (
	Booting        State = "BOOTING"
	Connecting     State = "CONNECTING"
	Ready          State = "READY"
	Reconnecting   State = "RECONNECTING"
	Degraded       State = "DEGRADED"
	SessionExpired State = "SESSION_EXPIRED"
	Error          State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:        {Connecting, Error},
	Connecting:     {Ready, Reconnecting, Degraded, SessionExpired, Error},
	Ready:          {Reconnecting, SessionExpired, Error},
	Reconnecting:   {Connecting, Degraded, SessionExpired, Error},
	Degraded:       {Connecting, Reconnecting, Error},
	SessionExpired: {Connecting, Error},
	Error:          {Booting},
}

// Machine tracks and enforces session runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
