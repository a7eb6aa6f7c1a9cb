package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State represents the transport connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// Snapshot is a point-in-time copy of the connection state.
type Snapshot struct {
	Status            State
	ReconnectAttempts int
}

// Machine tracks and enforces connection state transitions and counts
// reconnect attempts.
type Machine struct {
	mu       sync.RWMutex
	current  State
	attempts int
	bus      *bus.Bus
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

// Snapshot returns the state together with the reconnect attempt counter.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Status: m.current, ReconnectAttempts: m.attempts}
}

// Attempts returns the number of reconnect attempts since the last successful connect.
func (m *Machine) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// BeginReconnect records one reconnect attempt and returns the new count.
func (m *Machine) BeginReconnect() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return m.attempts
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Entering Connected resets the reconnect counter.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if to == Connected {
		m.attempts = 0
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.ConnectionStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From:     from,
				To:       to,
				Attempts: m.attempts,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From     State
	To       State
	Attempts int
}
