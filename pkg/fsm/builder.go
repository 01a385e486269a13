package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
)

// Builder provides a fluent API for building machine definitions.
//
//	def, err := fsm.NewBuilder("call").
//	    InitialState("ADMISSION").
//	    State("ADMISSION").
//	        On("INCOMING_CALL", "RINGING").
//	        Done().
//	    State("RINGING").
//	        Stay("SESSION_PROGRESS", bumpRingCount).
//	        On("ANSWER", "CONNECTED").
//	        Timeout(30*time.Second, "HUNGUP").
//	        Done().
//	    State("CONNECTED").
//	        Offline().
//	        On("HANGUP", "HUNGUP").
//	        Done().
//	    State("HUNGUP").
//	        Final().
//	        Done().
//	    Build()
//
// Build returns a CONFIG_ERROR when the definition is inconsistent. A built
// Definition is independent of the builder; each Build call copies the state
// table.
type Builder struct {
	machineType  string
	initial      string
	states       map[string]*StateDef
	order        []string
	currentState *StateBuilder
	err          error
}

// StateBuilder configures a single state
type StateBuilder struct {
	parent *Builder
	state  *StateDef
}

// NewBuilder creates a builder for a machine type (e.g. "call")
func NewBuilder(machineType string) *Builder {
	return &Builder{
		machineType: machineType,
		states:      make(map[string]*StateDef),
	}
}

// fail records the first configuration error; later calls keep chaining
func (b *Builder) fail(format string, args ...interface{}) {
	if b.err == nil {
		b.err = core.NewError(core.CodeConfig, fmt.Sprintf(format, args...))
	}
}

// InitialState sets the machine's initial state
func (b *Builder) InitialState(state string) *Builder {
	b.initial = state
	return b
}

// State declares a new state and switches the builder to it
func (b *Builder) State(name string) *StateBuilder {
	b.finishCurrent()

	if name == "" {
		b.fail("state name cannot be empty")
	}
	if _, exists := b.states[name]; exists {
		b.fail("state %q declared twice", name)
	}

	sb := &StateBuilder{
		parent: b,
		state: &StateDef{
			name:        name,
			transitions: make(map[string]string),
			stays:       make(map[string]StayHandler),
		},
	}
	b.currentState = sb
	return sb
}

// finishCurrent registers the in-progress state, if any
func (b *Builder) finishCurrent() {
	if b.currentState == nil {
		return
	}
	s := b.currentState.state
	if _, exists := b.states[s.name]; !exists && s.name != "" {
		b.states[s.name] = s
		b.order = append(b.order, s.name)
	}
	b.currentState = nil
}

// Build validates the accumulated configuration and returns the definition
func (b *Builder) Build() (*Definition, error) {
	b.finishCurrent()

	if b.err != nil {
		return nil, b.err
	}
	if err := b.validate(); err != nil {
		return nil, err
	}

	// Copy the state table so later builder use cannot touch the definition
	states := make(map[string]*StateDef, len(b.states))
	for name, s := range b.states {
		states[name] = s.copy()
	}

	return &Definition{
		machineType: b.machineType,
		initial:     b.initial,
		states:      states,
	}, nil
}

func (b *Builder) validate() error {
	if b.machineType == "" {
		return core.NewError(core.CodeConfig, "machine type cannot be empty")
	}
	if len(b.states) == 0 {
		return core.NewError(core.CodeConfig, "definition has no states")
	}
	if b.initial == "" {
		return core.NewError(core.CodeConfig, "initial state not declared")
	}
	if _, ok := b.states[b.initial]; !ok {
		return core.NewError(core.CodeConfig,
			fmt.Sprintf("initial state %q is not a declared state", b.initial))
	}

	for _, name := range b.order {
		s := b.states[name]
		for ev, target := range s.transitions {
			if _, ok := b.states[target]; !ok {
				return core.NewError(core.CodeConfig,
					fmt.Sprintf("state %q: transition on %q targets undeclared state %q", name, ev, target))
			}
		}
		if s.timeout != nil {
			if s.timeout.After <= 0 {
				return core.NewError(core.CodeConfig,
					fmt.Sprintf("state %q: timeout duration must be positive", name))
			}
			if _, ok := b.states[s.timeout.Target]; !ok {
				return core.NewError(core.CodeConfig,
					fmt.Sprintf("state %q: timeout targets undeclared state %q", name, s.timeout.Target))
			}
			if s.final {
				return core.NewError(core.CodeConfig,
					fmt.Sprintf("final state %q cannot declare a timeout", name))
			}
		}
	}
	return nil
}

func (s *StateDef) copy() *StateDef {
	cp := &StateDef{
		name:         s.name,
		entryActions: append([]Action(nil), s.entryActions...),
		exitActions:  append([]Action(nil), s.exitActions...),
		transitions:  make(map[string]string, len(s.transitions)),
		stays:        make(map[string]StayHandler, len(s.stays)),
		offline:      s.offline,
		final:        s.final,
	}
	for ev, target := range s.transitions {
		cp.transitions[ev] = target
	}
	for ev, h := range s.stays {
		cp.stays[ev] = h
	}
	if s.timeout != nil {
		spec := *s.timeout
		cp.timeout = &spec
	}
	return cp
}

// OnEntry appends entry actions, run in declaration order after the state is
// entered and persisted
func (sb *StateBuilder) OnEntry(actions ...Action) *StateBuilder {
	sb.state.entryActions = append(sb.state.entryActions, actions...)
	return sb
}

// OnExit appends exit actions, run in declaration order before the state is left
func (sb *StateBuilder) OnExit(actions ...Action) *StateBuilder {
	sb.state.exitActions = append(sb.state.exitActions, actions...)
	return sb
}

// On maps an event type to a transition target
func (sb *StateBuilder) On(eventType, target string) *StateBuilder {
	if eventType == "" {
		sb.parent.fail("state %q: transition event type cannot be empty", sb.state.name)
		return sb
	}
	if _, dup := sb.state.transitions[eventType]; dup {
		sb.parent.fail("state %q: event %q mapped to two transitions", sb.state.name, eventType)
		return sb
	}
	if _, stay := sb.state.stays[eventType]; stay {
		sb.parent.fail("state %q: event %q is both a stay and a transition", sb.state.name, eventType)
		return sb
	}
	sb.state.transitions[eventType] = target
	return sb
}

// Stay maps an event type to a handler that runs without leaving the state.
// No exit or entry actions fire and the timeout is not re-armed.
func (sb *StateBuilder) Stay(eventType string, handler StayHandler) *StateBuilder {
	if eventType == "" {
		sb.parent.fail("state %q: stay event type cannot be empty", sb.state.name)
		return sb
	}
	if handler == nil {
		sb.parent.fail("state %q: stay handler for %q cannot be nil", sb.state.name, eventType)
		return sb
	}
	if _, tr := sb.state.transitions[eventType]; tr {
		sb.parent.fail("state %q: event %q is both a stay and a transition", sb.state.name, eventType)
		return sb
	}
	if _, dup := sb.state.stays[eventType]; dup {
		sb.parent.fail("state %q: event %q mapped to two stay handlers", sb.state.name, eventType)
		return sb
	}
	sb.state.stays[eventType] = handler
	return sb
}

// Timeout declares the state's timeout transition. At most one per state.
func (sb *StateBuilder) Timeout(after time.Duration, target string) *StateBuilder {
	if sb.state.timeout != nil {
		sb.parent.fail("state %q: timeout declared twice", sb.state.name)
		return sb
	}
	sb.state.timeout = &TimeoutSpec{After: after, Target: target}
	return sb
}

// Offline marks the state eviction-eligible: an idle machine parked here may
// be unloaded from memory and rehydrated on the next event
func (sb *StateBuilder) Offline() *StateBuilder {
	sb.state.offline = true
	return sb
}

// Final marks the state final: entering it completes the machine
func (sb *StateBuilder) Final() *StateBuilder {
	sb.state.final = true
	return sb
}

// Done finishes this state and returns to the main builder
func (sb *StateBuilder) Done() *Builder {
	b := sb.parent
	if b.currentState == sb {
		b.finishCurrent()
	}
	return b
}

// NoOpAction returns an action that does nothing
func NoOpAction() Action {
	return func(ctx context.Context, ac *ActionContext, ev event.Event) error {
		return nil
	}
}

// LogAction returns an action that reports each invocation to the given logger
func LogAction(logger func(msg string)) Action {
	return func(ctx context.Context, ac *ActionContext, ev event.Event) error {
		logger(fmt.Sprintf("machine %s state %s event %s", ac.MachineID, ac.State, ev.Type))
		return nil
	}
}

// ChainActions combines multiple actions into one; the first error stops the chain
func ChainActions(actions ...Action) Action {
	return func(ctx context.Context, ac *ActionContext, ev event.Event) error {
		for _, action := range actions {
			if err := action(ctx, ac, ev); err != nil {
				return err
			}
		}
		return nil
	}
}
