// Package status holds the connection state machine.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/matchwire/internal/bus"
)

// State is the lifecycle state of the logical connection.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. Every state may
// return to Disconnected (manual reset).
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Error},
	Connected:    {Disconnected, Error},
	Error:        {Disconnected, Connecting},
}

// EventStateChanged is published on every successful transition.
const EventStateChanged = "connection.state_changed"

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:      EventStateChanged,
		Timestamp: time.Now(),
		Payload: StatusChange{
			From: from,
			To:   to,
		},
	})
	return nil
}

// Force moves to a state regardless of the transition table. Used by
// reset, which is legal from anywhere.
func (m *Machine) Force(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == to {
		return
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:      EventStateChanged,
		Timestamp: time.Now(),
		Payload:   StatusChange{From: from, To: to},
	})
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
