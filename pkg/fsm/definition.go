package fsm

import (
	"sort"
	"time"
)

// TimeoutSpec declares a per-state timeout: after After in the state, the
// machine transitions to Target as if a TIMEOUT event had arrived.
type TimeoutSpec struct {
	After  time.Duration
	Target string
}

// StateDef is one state of a machine definition. Immutable after Build.
type StateDef struct {
	name         string
	entryActions []Action
	exitActions  []Action
	transitions  map[string]string // event type -> target state
	stays        map[string]StayHandler
	timeout      *TimeoutSpec
	offline      bool
	final        bool
}

// Name returns the state name
func (s *StateDef) Name() string { return s.name }

// Final reports whether entering this state completes the machine
func (s *StateDef) Final() bool { return s.final }

// Offline reports whether the machine is eligible for eviction in this state
func (s *StateDef) Offline() bool { return s.offline }

// Timeout returns the state's timeout declaration, or nil
func (s *StateDef) Timeout() *TimeoutSpec {
	if s.timeout == nil {
		return nil
	}
	spec := *s.timeout
	return &spec
}

// TransitionTarget returns the target state for an event type
func (s *StateDef) TransitionTarget(eventType string) (string, bool) {
	target, ok := s.transitions[eventType]
	return target, ok
}

// EventTypes returns the event types this state reacts to, sorted
func (s *StateDef) EventTypes() []string {
	types := make([]string, 0, len(s.transitions)+len(s.stays))
	for t := range s.transitions {
		types = append(types, t)
	}
	for t := range s.stays {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Definition is an immutable machine definition: states, transitions,
// actions, timeouts and flags. Build one with NewBuilder; a definition is
// shared safely across all machine instances of its type.
type Definition struct {
	machineType string
	initial     string
	states      map[string]*StateDef
}

// MachineType returns the definition's type name (e.g. "call")
func (d *Definition) MachineType() string { return d.machineType }

// Initial returns the initial state name
func (d *Definition) Initial() string { return d.initial }

// State looks up a state by name
func (d *Definition) State(name string) (*StateDef, bool) {
	s, ok := d.states[name]
	return s, ok
}

// HasState reports whether name is a declared state
func (d *Definition) HasState(name string) bool {
	_, ok := d.states[name]
	return ok
}

// IsFinal reports whether name is a declared final state
func (d *Definition) IsFinal(name string) bool {
	s, ok := d.states[name]
	return ok && s.final
}

// IsOffline reports whether name is a declared offline state
func (d *Definition) IsOffline(name string) bool {
	s, ok := d.states[name]
	return ok && s.offline
}

// StateNames returns all declared state names, sorted
func (d *Definition) StateNames() []string {
	names := make([]string, 0, len(d.states))
	for name := range d.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FinalStates returns the declared final state names, sorted
func (d *Definition) FinalStates() []string {
	finals := make([]string, 0, 2)
	for name, s := range d.states {
		if s.final {
			finals = append(finals, name)
		}
	}
	sort.Strings(finals)
	return finals
}
