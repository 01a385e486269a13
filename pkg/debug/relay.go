package debug

import (
	"sync"

	"github.com/statorio/stator/pkg/fsm"
	"github.com/statorio/stator/pkg/registry"
)

// Relay forwards observer and listener callbacks to a hub that is built
// after the registry. Callbacks arriving before Bind are discarded.
type Relay struct {
	mu  sync.RWMutex
	hub *Hub
}

// NewRelay creates an unbound relay
func NewRelay() *Relay {
	return &Relay{}
}

// Bind points the relay at a hub
func (r *Relay) Bind(h *Hub) {
	r.mu.Lock()
	r.hub = h
	r.mu.Unlock()
}

func (r *Relay) target() *Hub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hub
}

// OnStateChange implements fsm.Observer
func (r *Relay) OnStateChange(change fsm.StateChange) {
	if h := r.target(); h != nil {
		h.OnStateChange(change)
	}
}

// OnMachineRegistered implements registry.Listener
func (r *Relay) OnMachineRegistered(machineID, machineType string) {
	if h := r.target(); h != nil {
		h.OnMachineRegistered(machineID, machineType)
	}
}

// OnMachineUnregistered implements registry.Listener
func (r *Relay) OnMachineUnregistered(machineID, machineType string) {
	if h := r.target(); h != nil {
		h.OnMachineUnregistered(machineID, machineType)
	}
}

var _ fsm.Observer = (*Relay)(nil)
var _ registry.Listener = (*Relay)(nil)
