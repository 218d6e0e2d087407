package status

import (
	"sync"

	"github.com/gymlink/gymchat/internal/bus"
)

// Registry owns one Machine per conversation.
type Registry struct {
	mu       sync.Mutex
	machines map[int64]*Machine
	bus      *bus.Bus
}

// NewRegistry creates an empty registry. b may be nil.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{machines: make(map[int64]*Machine), bus: b}
}

// For returns the machine for convID, creating it in Idle state.
func (r *Registry) For(convID int64) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[convID]
	if !ok {
		m = NewMachine(convID, r.bus)
		r.machines[convID] = m
	}
	return m
}

// Current returns the state of convID.
func (r *Registry) Current(convID int64) State {
	return r.For(convID).Current()
}

// BeginMutation records an optimistic mutation on convID.
func (r *Registry) BeginMutation(convID int64) {
	r.For(convID).BeginMutation()
}

// EndMutation records the end of an optimistic mutation on convID.
func (r *Registry) EndMutation(convID int64) {
	r.For(convID).EndMutation()
}
