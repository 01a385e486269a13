package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/history"
)

// History receives machine records. Appends must not block the event path;
// implementations buffer internally and drop when full.
type History interface {
	Append(rec history.Record)
}

// TimeoutScheduler arms and disarms the machine's single pending timer.
type TimeoutScheduler interface {
	// Arm schedules a timeout for the machine, replacing any pending timer.
	// The armed state travels with the timer so late firings can be recognised.
	Arm(machineID, state string, after time.Duration)

	// Disarm cancels the machine's pending timer, reporting whether one existed
	Disarm(machineID string) bool
}

// ActivationMode selects how a machine comes to life.
type ActivationMode int

const (
	// ActivationStart activates a freshly created machine
	ActivationStart ActivationMode = iota
	// ActivationRehydrate activates a machine loaded back from the store
	ActivationRehydrate
)

// Reasons an event is not delivered.
const (
	IgnoredFinal        = "final"
	IgnoredNoTransition = "no-transition"
	IgnoredStaleTimeout = "stale-timeout"
)

// Outcome reports what dispatching one event did.
type Outcome struct {
	// Delivered is false when the event was ignored
	Delivered bool

	// IgnoredReason explains an undelivered event
	IgnoredReason string

	// StateAfter is the machine's state once dispatch finished
	StateAfter string

	// Transitioned is true only when dispatch changed state; stays deliver
	// with Transitioned false
	Transitioned bool

	// Completed is true when this dispatch entered a final state
	Completed bool

	// Err carries a persistence failure. The in-memory state is already
	// advanced; the next successful write repairs the store.
	Err error
}

// Machine is one live state machine instance. All mutating calls (Activate,
// HandleEvent, HandleTimeout) must come from a single goroutine, which the
// registry guarantees by funnelling them through the machine's mailbox.
// Read accessors are safe from any goroutine and observe the last committed
// snapshot.
type Machine struct {
	id         string
	definition *Definition
	persistent PersistentContext
	volatile   interface{}

	// counters tracks entries per state within the current run
	counters map[string]int

	// Collaborators
	logger      core.Logger
	persistence Persistence
	history     History
	timeouts    TimeoutScheduler
	observer    Observer
	now         func() time.Time

	// mu guards everything read from outside the mailbox goroutine
	mu           sync.RWMutex
	runID        string
	snapshot     PersistentContext
	lastActivity time.Time
	activated    bool
}

// Option configures a machine.
type Option func(*Machine)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithPersistence wires the machine's context writes to a store.
func WithPersistence(p Persistence) Option {
	return func(m *Machine) {
		m.persistence = p
	}
}

// WithHistory wires the machine to a history tracker.
func WithHistory(h History) Option {
	return func(m *Machine) {
		m.history = h
	}
}

// WithTimeouts wires the machine to a timeout scheduler.
func WithTimeouts(t TimeoutScheduler) Option {
	return func(m *Machine) {
		m.timeouts = t
	}
}

// WithObserver adds a state change observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		if m.observer == nil {
			m.observer = o
			return
		}
		m.observer = NewChainObserver(m.observer, o)
	}
}

// WithVolatile builds the machine's volatile context through the factory.
func WithVolatile(factory VolatileFactory) Option {
	return func(m *Machine) {
		if factory != nil {
			m.volatile = factory(m.persistent)
		}
	}
}

// WithClock overrides the machine's time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMachine creates a machine instance around a persistent context. The
// context's current state must be part of the definition; for fresh machines
// that is the definition's initial state.
func NewMachine(def *Definition, pc PersistentContext, opts ...Option) (*Machine, error) {
	// Fail-fast: a machine without identity or definition cannot run
	if def == nil {
		return nil, core.NewError(core.CodeConfig, "machine definition cannot be nil")
	}
	if pc == nil {
		return nil, core.NewError(core.CodeInvalidInput, "persistent context cannot be nil")
	}
	if pc.ID() == "" {
		return nil, core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}
	if !def.HasState(pc.CurrentState()) {
		return nil, core.NewError(core.CodeInvalidState,
			fmt.Sprintf("context state %q is not declared by machine type %q", pc.CurrentState(), def.MachineType()))
	}

	m := &Machine{
		id:         pc.ID(),
		definition: def,
		persistent: pc,
		counters:   make(map[string]int),
		logger:     core.NewDefaultLogger(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.snapshot = pc.DeepCopy()
	m.lastActivity = m.now()
	return m, nil
}

// ID returns the machine id.
func (m *Machine) ID() string {
	return m.id
}

// Type returns the machine type from the definition.
func (m *Machine) Type() string {
	return m.definition.MachineType()
}

// Definition returns the machine's definition.
func (m *Machine) Definition() *Definition {
	return m.definition
}

// RunID returns the identifier of the current activation.
func (m *Machine) RunID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runID
}

// CurrentState returns the last committed state.
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.CurrentState()
}

// Completed reports whether the machine has entered a final state.
func (m *Machine) Completed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.Complete()
}

// Offline reports whether the machine currently sits in an eviction-eligible state.
func (m *Machine) Offline() bool {
	return m.definition.IsOffline(m.CurrentState())
}

// LastActivity returns the instant of the most recent dispatch.
func (m *Machine) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

// Snapshot returns an independent copy of the last committed persistent context.
func (m *Machine) Snapshot() PersistentContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.DeepCopy()
}

// committed returns the last committed snapshot without copying. Snapshots
// are never mutated after commit; callers must treat the result as read-only.
func (m *Machine) committed() PersistentContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Activate assigns a run id, records the activation and arms the current
// state's timeout. Called exactly once per in-memory lifetime, before any
// events are dispatched. Run ids are time-ordered UUIDs: each activation's
// id sorts strictly after the ids of the machine's earlier runs.
func (m *Machine) Activate(ctx context.Context, mode ActivationMode) error {
	m.mu.Lock()
	if m.activated {
		m.mu.Unlock()
		return core.NewError(core.CodeInvalidState,
			fmt.Sprintf("machine %s is already activated", m.id))
	}
	m.activated = true
	m.runID = uuid.Must(uuid.NewV7()).String()
	m.lastActivity = m.now()
	m.mu.Unlock()

	state := m.persistent.CurrentState()
	m.counters[state] = 1

	if mode == ActivationRehydrate {
		m.record(state, history.StepRehydrated, false, nil, false, "", m.counters[state])
		m.logger.Infof("Machine %s rehydrated in state %s", m.id, state)
	} else {
		m.record(state, history.StepEntry, false, nil, false, "", m.counters[state])
		m.logger.Infof("Machine %s started in state %s", m.id, state)
	}

	if def, ok := m.definition.State(state); ok {
		if spec := def.Timeout(); spec != nil && m.timeouts != nil {
			m.timeouts.Arm(m.id, state, spec.After)
		}
	}
	return nil
}

// HandleEvent dispatches one event against the current state.
func (m *Machine) HandleEvent(ctx context.Context, ev event.Event) Outcome {
	m.touch()

	state := m.persistent.CurrentState()
	def := m.definition.states[state]

	// 1. Final states accept nothing
	if def.final {
		m.logger.Debugf("Machine %s: ignoring %s in final state %s", m.id, ev.Type, state)
		m.record(state, ev.Type, true, ev.Payload, false, "", m.counters[state])
		return Outcome{IgnoredReason: IgnoredFinal, StateAfter: state}
	}

	// 2. Stay handlers consume the event without leaving the state
	if handler, ok := def.stays[ev.Type]; ok {
		return m.handleStay(ctx, state, handler, ev)
	}

	// 3. Transitions
	if target, ok := def.transitions[ev.Type]; ok {
		return m.transitionTo(ctx, state, target, ev.Type, ev.Payload, false)
	}

	// 4. Everything else is ignored and recorded as such
	m.logger.Debugf("Machine %s: no mapping for %s in state %s", m.id, ev.Type, state)
	m.record(state, ev.Type, true, ev.Payload, false, "", m.counters[state])
	return Outcome{IgnoredReason: IgnoredNoTransition, StateAfter: state}
}

// HandleTimeout dispatches a timer firing. armedState is the state the timer
// was armed in; a firing that arrives after the machine moved on is dropped.
func (m *Machine) HandleTimeout(ctx context.Context, armedState string) Outcome {
	m.touch()

	state := m.persistent.CurrentState()
	if state != armedState {
		m.logger.Debugf("Machine %s: dropping stale timeout armed in %s, now in %s", m.id, armedState, state)
		return Outcome{IgnoredReason: IgnoredStaleTimeout, StateAfter: state}
	}

	def := m.definition.states[state]
	if def.timeout == nil {
		m.logger.Warnf("Machine %s: timeout fired in state %s which declares none", m.id, state)
		return Outcome{IgnoredReason: IgnoredNoTransition, StateAfter: state}
	}

	return m.transitionTo(ctx, state, def.timeout.Target, history.EventTimeout, nil, true)
}

// handleStay runs the stay handler and persists without changing state. The
// pending timeout keeps running.
func (m *Machine) handleStay(ctx context.Context, state string, handler StayHandler, ev event.Event) Outcome {
	if err := m.invoke(ctx, Action(handler), state, ev); err != nil {
		m.logger.Errorf("Machine %s: stay handler for %s failed in state %s: %v", m.id, ev.Type, state, err)
		m.record(state, history.StepErrorStay, false, err.Error(), false, "", m.counters[state])
	}

	persistErr := m.persist(ctx)
	m.record(state, ev.Type, false, ev.Payload, true, "", m.counters[state])
	if persistErr != nil {
		m.recordPersistenceError(state, persistErr)
	}
	return Outcome{Delivered: true, StateAfter: state, Err: persistErr}
}

// transitionTo executes the transition path: disarm, exit, commit, record,
// entry, then completion or re-arm. State and context writes commit before
// entry actions run, so a failing action never rolls the transition back.
func (m *Machine) transitionTo(ctx context.Context, from, to, eventName string, payload interface{}, viaTimeout bool) Outcome {
	fromDef := m.definition.states[from]
	toDef := m.definition.states[to]
	ev := event.Event{Type: eventName, Payload: payload}

	if m.timeouts != nil {
		m.timeouts.Disarm(m.id)
	}

	if len(fromDef.exitActions) > 0 {
		m.record(from, history.StepBeforeExit, false, nil, false, "", m.counters[from])
		if err := m.runActions(ctx, fromDef.exitActions, from, ev); err != nil {
			m.logger.Errorf("Machine %s: exit action failed leaving %s: %v", m.id, from, err)
			m.record(from, history.StepErrorExit, false, err.Error(), false, "", m.counters[from])
		} else {
			m.record(from, history.StepAfterExit, false, nil, false, "", m.counters[from])
		}
	}

	now := m.now()
	if now.Before(m.persistent.LastStateChange()) {
		now = m.persistent.LastStateChange()
	}
	m.persistent.SetCurrentState(to)
	m.persistent.SetLastStateChange(now)
	m.counters[to]++
	persistErr := m.persist(ctx)

	// The outbound transition entry belongs to the state being left
	m.record(from, eventName, false, payload, true, to, m.counters[from])
	if persistErr != nil {
		m.recordPersistenceError(from, persistErr)
	}

	entryStatus := EntryStatusNone
	if len(toDef.entryActions) > 0 {
		m.record(to, history.StepBeforeEntry, false, nil, false, "", m.counters[to])
		if err := m.runActions(ctx, toDef.entryActions, to, ev); err != nil {
			entryStatus = EntryStatusError
			m.logger.Errorf("Machine %s: entry action failed entering %s: %v", m.id, to, err)
			m.record(to, history.StepErrorEntry, false, err.Error(), false, "", m.counters[to])
		} else {
			entryStatus = EntryStatusOK
			m.record(to, history.StepAfterEntry, false, nil, false, "", m.counters[to])
		}
		if viaTimeout {
			m.record(to, history.StepTimeoutArrival, false, nil, false, "", m.counters[to])
		}
	} else if viaTimeout {
		m.record(to, history.StepTimeoutArrival, false, nil, false, "", m.counters[to])
	} else {
		m.record(to, history.StepEntry, false, nil, false, "", m.counters[to])
	}

	outcome := Outcome{Delivered: true, Transitioned: true, StateAfter: to, Err: persistErr}

	if toDef.final {
		m.persistent.SetComplete(true)
		if err := m.persist(ctx); err != nil {
			m.recordPersistenceError(to, err)
			if outcome.Err == nil {
				outcome.Err = err
			}
		}
		m.record(to, history.StepCompletion, false, nil, false, "", m.counters[to])
		outcome.Completed = true
		m.logger.Infof("Machine %s completed in state %s", m.id, to)
	} else if toDef.timeout != nil && m.timeouts != nil {
		m.timeouts.Arm(m.id, to, toDef.timeout.After)
	}

	m.logger.Infof("Machine %s transitioned %s -> %s (event: %s)", m.id, from, to, eventName)

	m.notifyObserver(StateChange{
		MachineID:         m.id,
		MachineType:       m.definition.machineType,
		StateBefore:       from,
		StateAfter:        to,
		EventName:         eventName,
		Payload:           payload,
		Context:           m.committed(),
		Timestamp:         now,
		EntryActionStatus: entryStatus,
		Completed:         outcome.Completed,
	})

	return outcome
}

// runActions invokes actions in declaration order; the first error stops the batch.
func (m *Machine) runActions(ctx context.Context, actions []Action, state string, ev event.Event) error {
	for _, action := range actions {
		if err := m.invoke(ctx, action, state, ev); err != nil {
			return err
		}
	}
	return nil
}

// invoke runs one user action with panic confinement
func (m *Machine) invoke(ctx context.Context, action Action, state string, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewError(core.CodeAction, fmt.Sprintf("action panic: %v", r))
		}
	}()
	ac := &ActionContext{
		MachineID:  m.id,
		RunID:      m.runID,
		State:      state,
		Persistent: m.persistent,
		Volatile:   m.volatile,
		Logger:     m.logger,
	}
	return action(ctx, ac, ev)
}

// persist writes the persistent context and refreshes the committed snapshot.
// The snapshot follows the in-memory context even when the write fails.
func (m *Machine) persist(ctx context.Context) error {
	var err error
	if m.persistence != nil {
		err = m.persistence.UpdateByID(ctx, m.id, m.persistent)
	}
	cp := m.persistent.DeepCopy()
	m.mu.Lock()
	m.snapshot = cp
	m.mu.Unlock()
	return err
}

// record appends one history row with snapshots of payload and both contexts
func (m *Machine) record(state, eventName string, ignored bool, payload interface{}, transition bool, toState string, counter int) {
	if m.history == nil {
		return
	}

	rec := history.Record{
		RunID:             m.RunID(),
		Datetime:          m.now().UnixMilli(),
		State:             state,
		Event:             eventName,
		EventIgnored:      ignored,
		TransitionOrStay:  transition,
		TransitionToState: toState,
		TransitionCounter: counter,
	}

	if payload != nil {
		if enc, err := history.EncodeSnapshot(payload); err == nil {
			rec.EventPayload = enc
		} else {
			m.logger.Warnf("Machine %s: cannot encode event payload: %v", m.id, err)
		}
	}
	if enc, err := history.EncodeSnapshot(m.persistent); err == nil {
		rec.PersistentContext = enc
	} else {
		m.logger.Warnf("Machine %s: cannot encode persistent context: %v", m.id, err)
	}
	if m.volatile != nil {
		if enc, err := history.EncodeSnapshot(m.volatile); err == nil {
			rec.VolatileContext = enc
		} else {
			m.logger.Warnf("Machine %s: cannot encode volatile context: %v", m.id, err)
		}
	}

	m.history.Append(rec)
}

func (m *Machine) recordPersistenceError(state string, err error) {
	m.logger.Errorf("Machine %s: persistence failed in state %s: %v", m.id, state, err)
	m.record(state, history.StepErrorPersistence, false, err.Error(), false, "", m.counters[state])
}

// touch refreshes the idle clock used by the eviction sweeper
func (m *Machine) touch() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.mu.Unlock()
}

// notifyObserver delivers the change on its own goroutine so a slow or
// panicking observer cannot stall the mailbox.
func (m *Machine) notifyObserver(change StateChange) {
	if m.observer == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Errorf("Machine %s: observer panic: %v", m.id, r)
			}
		}()
		m.observer.OnStateChange(change)
	}()
}
