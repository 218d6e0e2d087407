package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gymlink/gymchat/internal/bus"
)

// State is the sync lifecycle state of one conversation.
type State string

const (
	Idle              State = "IDLE"
	Fetching          State = "FETCHING"
	Synced            State = "SYNCED"
	SilentRefreshing  State = "SILENT_REFRESHING"
	OptimisticPending State = "OPTIMISTIC_PENDING"
)

// validTransitions defines allowed state transitions. There is no error
// state: failures are absorbed and the conversation returns to Synced.
var validTransitions = map[State][]State{
	Idle:              {Fetching},
	Fetching:          {Synced},
	Synced:            {SilentRefreshing, OptimisticPending, Fetching},
	SilentRefreshing:  {Synced},
	OptimisticPending: {Synced, OptimisticPending},
}

// Machine tracks and enforces the state of one conversation.
type Machine struct {
	mu      sync.Mutex
	convID  int64
	current State
	pending int
	bus     *bus.Bus
}

// NewMachine creates a machine in Idle state. b may be nil.
func NewMachine(convID int64, b *bus.Bus) *Machine {
	return &Machine{
		convID:  convID,
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Pending returns the number of optimistic mutations in flight.
func (m *Machine) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:           bus.KindStateChanged,
			ConversationID: m.convID,
			Payload: StatusChange{
				From:    from,
				To:      to,
				Pending: m.pending,
			},
		})
	}
	return nil
}

// BeginFetch enters Fetching, or SilentRefreshing when silent. It reports
// whether the state changed; a fetch issued while mutations are pending
// runs without leaving OptimisticPending.
func (m *Machine) BeginFetch(silent bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	to := Fetching
	if silent && m.current == Synced {
		to = SilentRefreshing
	}
	return m.transitionLocked(to) == nil
}

// EndFetch returns to Synced after a fetch, then to OptimisticPending if
// mutations started meanwhile.
func (m *Machine) EndFetch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != Fetching && m.current != SilentRefreshing {
		return
	}
	_ = m.transitionLocked(Synced)
	if m.pending > 0 {
		_ = m.transitionLocked(OptimisticPending)
	}
}

// BeginMutation records an optimistic mutation.
func (m *Machine) BeginMutation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending++
	if m.current == Synced || m.current == OptimisticPending {
		_ = m.transitionLocked(OptimisticPending)
	}
}

// EndMutation records the completion of an optimistic mutation and returns
// to Synced when none remain.
func (m *Machine) EndMutation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending > 0 {
		m.pending--
	}
	if m.pending == 0 && m.current == OptimisticPending {
		_ = m.transitionLocked(Synced)
	}
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From    State `json:"from"`
	To      State `json:"to"`
	Pending int   `json:"pending"`
}
