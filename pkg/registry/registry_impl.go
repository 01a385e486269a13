package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/core/concurrency"
	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/fsm"
	"github.com/statorio/stator/pkg/history"
	"github.com/statorio/stator/pkg/observability"
	"github.com/statorio/stator/pkg/store"
	"github.com/statorio/stator/pkg/timeout"
)

// Messages carried on a machine's mailbox. Everything that mutates a machine
// travels as one of these, which is what serialises its effects.
type eventMsg struct {
	ev event.Event
}

type timeoutMsg struct {
	armedState string
}

type evictMsg struct{}

// liveMachine couples a machine with its mailbox, dispatch loop and tracker.
type liveMachine struct {
	machine *fsm.Machine
	tracker history.Tracker
	mailbox concurrency.Mailbox

	// closing is set once eviction or archival drop has been queued; Route
	// treats a closing machine as absent and waits for done before
	// rehydrating
	closing int32

	// done is closed when the dispatch loop has fully exited
	done chan struct{}
}

func (lm *liveMachine) isClosing() bool {
	return atomic.LoadInt32(&lm.closing) == 1
}

type archiveJob struct {
	machineID   string
	machineType string
}

// Option configures a registry.
type Option func(*defaultRegistry)

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) Option {
	return func(r *defaultRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver attaches a state change observer to every machine the
// registry activates. The debug channel subscribes this way.
func WithObserver(o fsm.Observer) Option {
	return func(r *defaultRegistry) {
		r.observer = o
	}
}

// WithListener adds a topology listener.
func WithListener(l Listener) Option {
	return func(r *defaultRegistry) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// WithCriticalFailure installs the callback fired when archival fails past
// its retry budget. The registry stops accepting work before invoking it.
func WithCriticalFailure(fn func(error)) Option {
	return func(r *defaultRegistry) {
		r.criticalFailure = fn
	}
}

// WithMetrics wires the registry's counters to a metrics collection.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *defaultRegistry) {
		r.metrics = m
	}
}

// WithClock overrides the registry's time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(r *defaultRegistry) {
		if now != nil {
			r.now = now
		}
	}
}

type defaultRegistry struct {
	config    Config
	adapter   store.Adapter
	histories *history.Store
	timeouts  timeout.Manager

	logger          core.Logger
	observer        fsm.Observer
	listeners       []Listener
	criticalFailure func(error)
	metrics         *observability.Metrics
	tracer          trace.Tracer
	now             func() time.Time

	mu            sync.RWMutex
	registrations map[string]Registration
	typeOrder     []string
	live          map[string]*liveMachine
	started       bool
	stopped       bool

	archive      chan archiveJob
	archiveWg    sync.WaitGroup
	sweepStop    chan struct{}
	sweepWg      sync.WaitGroup
	stopCh       chan struct{}
	stopOnce     sync.Once
	criticalOnce sync.Once

	statRegistered      int64
	statRehydrated      int64
	statEvicted         int64
	statCompleted       int64
	statArchived        int64
	statArchiveFailures int64
	statNotDelivered    int64
}

// New creates a registry over an entity store adapter, a history store and a
// timeout manager. The collaborators stay caller-owned; Stop shuts down only
// what the registry itself started.
func New(adapter store.Adapter, histories *history.Store, timeouts timeout.Manager, config Config, opts ...Option) (Registry, error) {
	// Fail-fast: a registry without its collaborators cannot route anything
	if adapter == nil {
		return nil, core.NewError(core.CodeConfig, "store adapter cannot be nil")
	}
	if histories == nil {
		return nil, core.NewError(core.CodeConfig, "history store cannot be nil")
	}
	if timeouts == nil {
		return nil, core.NewError(core.CodeConfig, "timeout manager cannot be nil")
	}
	if config.MailboxSize <= 0 {
		return nil, core.NewError(core.CodeConfig, "MailboxSize must be positive")
	}
	if config.ArchiveQueueSize <= 0 {
		return nil, core.NewError(core.CodeConfig, "ArchiveQueueSize must be positive")
	}
	if config.ArchiveMaxAttempts <= 0 {
		return nil, core.NewError(core.CodeConfig, "ArchiveMaxAttempts must be positive")
	}
	if config.ArchiveBackoff <= 0 || config.ArchiveMaxBackoff < config.ArchiveBackoff {
		return nil, core.NewError(core.CodeConfig, "archive backoff bounds are inconsistent")
	}
	if config.DrainTimeout <= 0 {
		return nil, core.NewError(core.CodeConfig, "DrainTimeout must be positive")
	}

	r := &defaultRegistry{
		config:        config,
		adapter:       adapter,
		histories:     histories,
		timeouts:      timeouts,
		logger:        core.NewDefaultLogger(),
		tracer:        observability.Tracer("stator/registry"),
		now:           time.Now,
		registrations: make(map[string]Registration),
		live:          make(map[string]*liveMachine),
		archive:       make(chan archiveJob, config.ArchiveQueueSize),
		sweepStop:     make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register implements Registry
func (r *defaultRegistry) Register(reg Registration) error {
	if reg.Definition == nil {
		return core.NewError(core.CodeConfig, "registration needs a definition")
	}
	if reg.NewContext == nil {
		return core.NewError(core.CodeConfig, "registration needs a context factory")
	}

	machineType := reg.Definition.MachineType()
	if _, err := r.adapter.For(machineType); err != nil {
		return core.WrapError(core.CodeConfig,
			fmt.Sprintf("machine type %s has no entity mapping", machineType), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return core.NewError(core.CodeStopped, "registry is stopped")
	}
	if _, dup := r.registrations[machineType]; dup {
		return core.NewError(core.CodeConfig,
			fmt.Sprintf("machine type %s registered twice", machineType))
	}
	r.registrations[machineType] = reg
	r.typeOrder = append(r.typeOrder, machineType)
	return nil
}

// Start implements Registry. The startup scan archives machines that reached
// a final state while the process was down, before any traffic is accepted.
func (r *defaultRegistry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return core.NewError(core.CodeInvalidState, "registry already started")
	}
	if r.stopped {
		r.mu.Unlock()
		return core.NewError(core.CodeStopped, "registry is stopped")
	}
	if len(r.registrations) == 0 {
		r.mu.Unlock()
		return core.NewError(core.CodeConfig, "no machine types registered")
	}
	r.started = true
	types := append([]string(nil), r.typeOrder...)
	r.mu.Unlock()

	if err := r.startupScan(ctx, types); err != nil {
		return err
	}

	r.archiveWg.Add(1)
	go r.archiveLoop()

	if r.config.IdleTimeout > 0 && r.config.SweepInterval > 0 {
		r.sweepWg.Add(1)
		go r.sweepLoop()
	}

	r.logger.Infof("Registry started with %d machine type(s)", len(types))
	return nil
}

// startupScan archives rows already sitting in final states.
func (r *defaultRegistry) startupScan(ctx context.Context, types []string) error {
	for _, machineType := range types {
		r.mu.RLock()
		reg := r.registrations[machineType]
		r.mu.RUnlock()

		finals := reg.Definition.FinalStates()
		if len(finals) == 0 {
			continue
		}

		s, err := r.adapter.For(machineType)
		if err != nil {
			return err
		}
		completed, err := s.FindAllInStates(ctx, finals...)
		if err != nil {
			return core.WrapError(core.CodePersistence,
				fmt.Sprintf("startup scan failed for %s", machineType), err)
		}

		for _, pc := range completed {
			if err := s.Archive(ctx, pc.ID()); err != nil {
				return core.WrapError(core.CodePersistence,
					fmt.Sprintf("startup archival of %s failed", pc.ID()), err)
			}
			atomic.AddInt64(&r.statArchived, 1)
			r.logger.Infof("Startup scan archived machine %s (%s)", pc.ID(), machineType)
		}
	}
	return nil
}

// CreateMachine implements Registry
func (r *defaultRegistry) CreateMachine(ctx context.Context, machineType, machineID string) error {
	if machineID == "" {
		return core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}

	r.mu.RLock()
	reg, known := r.registrations[machineType]
	stopped := r.stopped
	_, alive := r.live[machineID]
	r.mu.RUnlock()

	if stopped {
		return core.NewError(core.CodeStopped, "registry is stopped")
	}
	if !known {
		return core.NewError(core.CodeUnknownMachine,
			fmt.Sprintf("machine type %s is not registered", machineType))
	}
	if alive {
		return core.NewError(core.CodeInvalidState,
			fmt.Sprintf("machine %s is already live", machineID))
	}

	s, err := r.adapter.For(machineType)
	if err != nil {
		return err
	}
	if _, err := s.FindByID(ctx, machineID); err == nil {
		return core.NewError(core.CodeInvalidState,
			fmt.Sprintf("machine %s already exists in the store", machineID))
	} else if !core.HasCode(err, core.CodeNotFound) {
		return err
	}

	pc := reg.NewContext(machineID, reg.Definition.Initial(), r.now())
	if pc == nil {
		return core.NewError(core.CodeConfig,
			fmt.Sprintf("context factory for %s returned nil", machineType))
	}
	if err := s.Insert(ctx, pc); err != nil {
		return err
	}

	if _, err := r.activate(ctx, reg, s, pc, fsm.ActivationStart); err != nil {
		return err
	}
	atomic.AddInt64(&r.statRegistered, 1)
	return nil
}

// activate builds the live machine around a persistent context, installs it
// in the live map and starts its dispatch loop.
func (r *defaultRegistry) activate(ctx context.Context, reg Registration, s store.EntityStore, pc fsm.PersistentContext, mode fsm.ActivationMode) (*liveMachine, error) {
	machineID := pc.ID()

	tracker, err := r.histories.Open(ctx, machineID)
	if err != nil {
		return nil, err
	}
	closeTracker := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), r.config.DrainTimeout)
		tracker.Close(closeCtx)
		cancel()
	}

	opts := []fsm.Option{
		fsm.WithLogger(r.logger),
		fsm.WithPersistence(s),
		fsm.WithHistory(tracker),
		fsm.WithTimeouts(&schedulerAdapter{registry: r}),
		fsm.WithClock(r.now),
	}
	if reg.Volatile != nil {
		opts = append(opts, fsm.WithVolatile(reg.Volatile))
	}
	if r.observer != nil {
		opts = append(opts, fsm.WithObserver(r.observer))
	}

	machine, err := fsm.NewMachine(reg.Definition, pc, opts...)
	if err != nil {
		closeTracker()
		return nil, err
	}

	lm := &liveMachine{
		machine: machine,
		tracker: tracker,
		mailbox: concurrency.NewBoundedMailbox(r.config.MailboxSize),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		closeTracker()
		return nil, core.NewError(core.CodeStopped, "registry is stopped")
	}
	if _, dup := r.live[machineID]; dup {
		r.mu.Unlock()
		closeTracker()
		return nil, core.NewError(core.CodeInvalidState,
			fmt.Sprintf("machine %s is already live", machineID))
	}
	r.live[machineID] = lm
	r.mu.Unlock()

	// Activation happens before the loop starts consuming, so the initial
	// history record precedes every event
	if err := machine.Activate(ctx, mode); err != nil {
		r.mu.Lock()
		delete(r.live, machineID)
		r.mu.Unlock()
		closeTracker()
		return nil, err
	}

	go r.runLoop(lm)

	if r.metrics != nil {
		r.metrics.SetMachinesLive(r.liveCount())
	}
	r.notifyRegistered(machineID, machine.Type())
	return lm, nil
}

// Route implements Registry
func (r *defaultRegistry) Route(ctx context.Context, machineID string, ev event.Event) (RouteResult, error) {
	if machineID == "" {
		return RouteResult{}, core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}
	if ev.IsZero() {
		return RouteResult{}, core.NewError(core.CodeInvalidInput, "event has no type")
	}

	r.mu.RLock()
	stopped := r.stopped
	lm := r.live[machineID]
	r.mu.RUnlock()

	if stopped {
		atomic.AddInt64(&r.statNotDelivered, 1)
		return RouteResult{Reason: RouteStopped}, nil
	}

	if lm != nil && !lm.isClosing() {
		switch err := lm.mailbox.Send(eventMsg{ev: ev}); err {
		case nil:
			return RouteResult{Accepted: true}, nil
		case concurrency.ErrMailboxFull:
			atomic.AddInt64(&r.statNotDelivered, 1)
			r.recordEvent("backpressure")
			return RouteResult{Reason: RouteBackpressure}, nil
		default:
			// Mailbox closed under us: the machine is being torn down,
			// fall through to rehydration
		}
	}

	return r.routeCold(ctx, machineID, ev, lm)
}

// routeCold handles the miss path: wait out any in-flight teardown, then
// rehydrate from the store and dispatch.
func (r *defaultRegistry) routeCold(ctx context.Context, machineID string, ev event.Event, prev *liveMachine) (RouteResult, error) {
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			atomic.AddInt64(&r.statNotDelivered, 1)
			return RouteResult{}, core.WrapError(core.CodeStopped,
				fmt.Sprintf("waiting for machine %s teardown", machineID), ctx.Err())
		}
	}

	// Another route may have rehydrated the machine while we waited
	r.mu.RLock()
	lm := r.live[machineID]
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		atomic.AddInt64(&r.statNotDelivered, 1)
		return RouteResult{Reason: RouteStopped}, nil
	}
	if lm != nil && lm != prev && !lm.isClosing() {
		if err := lm.mailbox.Send(eventMsg{ev: ev}); err == nil {
			return RouteResult{Accepted: true}, nil
		}
	}

	pc, reg, s, err := r.lookup(ctx, machineID)
	if err != nil {
		if core.HasCode(err, core.CodeNotFound) {
			atomic.AddInt64(&r.statNotDelivered, 1)
			r.recordEvent("unknown")
			r.logger.Debugf("Registry: event %s for unknown machine %s", ev.Type, machineID)
			return RouteResult{Reason: RouteNotFound}, nil
		}
		return RouteResult{}, err
	}

	if pc.Complete() {
		// Completed machines accept nothing, but the attempt is recorded
		atomic.AddInt64(&r.statNotDelivered, 1)
		r.recordEvent("complete")
		r.recordFinalIgnored(ctx, machineID, pc, ev)
		return RouteResult{Reason: RouteComplete}, nil
	}

	lm, err = r.activate(ctx, reg, s, pc, fsm.ActivationRehydrate)
	if err != nil {
		if core.HasCode(err, core.CodeInvalidState) {
			// Lost the rehydration race; deliver to the winner
			r.mu.RLock()
			winner := r.live[machineID]
			r.mu.RUnlock()
			if winner != nil && !winner.isClosing() {
				if serr := winner.mailbox.Send(eventMsg{ev: ev}); serr == nil {
					return RouteResult{Accepted: true, Rehydrated: true}, nil
				}
			}
		}
		return RouteResult{}, err
	}
	atomic.AddInt64(&r.statRehydrated, 1)

	if err := lm.mailbox.Send(eventMsg{ev: ev}); err != nil {
		atomic.AddInt64(&r.statNotDelivered, 1)
		return RouteResult{Rehydrated: true, Reason: RouteBackpressure}, nil
	}
	return RouteResult{Accepted: true, Rehydrated: true}, nil
}

// lookup fans an id over the registered types' stores in registration order.
func (r *defaultRegistry) lookup(ctx context.Context, machineID string) (fsm.PersistentContext, Registration, store.EntityStore, error) {
	r.mu.RLock()
	types := append([]string(nil), r.typeOrder...)
	r.mu.RUnlock()

	for _, machineType := range types {
		r.mu.RLock()
		reg := r.registrations[machineType]
		r.mu.RUnlock()

		s, err := r.adapter.For(machineType)
		if err != nil {
			return nil, Registration{}, nil, err
		}
		pc, err := s.FindByID(ctx, machineID)
		if err == nil {
			return pc, reg, s, nil
		}
		if !core.HasCode(err, core.CodeNotFound) {
			return nil, Registration{}, nil, err
		}
	}
	return nil, Registration{}, nil, core.NewError(core.CodeNotFound,
		fmt.Sprintf("machine %s not found", machineID))
}

// recordFinalIgnored appends the ignored-in-final-state record for a machine
// that is not live. Best-effort: the event was not delivered either way.
func (r *defaultRegistry) recordFinalIgnored(ctx context.Context, machineID string, pc fsm.PersistentContext, ev event.Event) {
	rec := history.Record{
		Datetime:     r.now().UnixMilli(),
		State:        pc.CurrentState(),
		Event:        ev.Type,
		EventIgnored: true,
	}
	if ev.Payload != nil {
		if enc, err := history.EncodeSnapshot(ev.Payload); err == nil {
			rec.EventPayload = enc
		}
	}
	if enc, err := history.EncodeSnapshot(pc); err == nil {
		rec.PersistentContext = enc
	}
	if err := r.histories.AppendOne(ctx, machineID, rec); err != nil {
		r.logger.Warnf("Registry: cannot record ignored event for %s: %v", machineID, err)
	}
}

// runLoop is a machine's dispatch loop: the single consumer of its mailbox.
func (r *defaultRegistry) runLoop(lm *liveMachine) {
	defer close(lm.done)
	machineID := lm.machine.ID()
	ctx := context.Background()

	for {
		msg, err := lm.mailbox.Receive(ctx)
		if err != nil {
			// Closed and drained without an evict marker; clean up anyway
			r.teardown(lm)
			return
		}
		if r.dispatch(ctx, lm, msg) {
			// Eviction marker: refuse new sends, then drain what squeezed in
			lm.mailbox.Close()
			for {
				rest, ok, _ := lm.mailbox.TryReceive()
				if !ok {
					break
				}
				r.dispatch(ctx, lm, rest)
			}
			r.teardown(lm)
			r.logger.Debugf("Machine %s dispatch loop stopped", machineID)
			return
		}
	}
}

// dispatch applies one mailbox message, reporting whether it was the
// eviction marker.
func (r *defaultRegistry) dispatch(ctx context.Context, lm *liveMachine, msg interface{}) bool {
	switch m := msg.(type) {
	case eventMsg:
		started := time.Now()
		sctx, span := r.tracer.Start(ctx, "machine.dispatch", trace.WithAttributes(
			attribute.String("machine.id", lm.machine.ID()),
			attribute.String("event.type", m.ev.Type)))
		out := lm.machine.HandleEvent(sctx, m.ev)
		span.SetAttributes(attribute.Bool("event.delivered", out.Delivered))
		span.End()
		r.afterDispatch(lm, out, started)
	case timeoutMsg:
		started := time.Now()
		sctx, span := r.tracer.Start(ctx, "machine.timeout", trace.WithAttributes(
			attribute.String("machine.id", lm.machine.ID()),
			attribute.String("timeout.armed_state", m.armedState)))
		out := lm.machine.HandleTimeout(sctx, m.armedState)
		span.End()
		if r.metrics != nil {
			if out.IgnoredReason == fsm.IgnoredStaleTimeout {
				r.metrics.RecordTimeout("stale")
			} else {
				r.metrics.RecordTimeout("fired")
			}
		}
		r.afterDispatch(lm, out, started)
	case evictMsg:
		return true
	default:
		r.logger.Errorf("Machine %s: unexpected mailbox message %T", lm.machine.ID(), msg)
	}
	return false
}

func (r *defaultRegistry) afterDispatch(lm *liveMachine, out fsm.Outcome, started time.Time) {
	if r.metrics != nil {
		result := "delivered"
		if !out.Delivered {
			result = "ignored"
		}
		r.metrics.RecordEvent(result)
		r.metrics.ObserveDispatch(time.Since(started))
		if out.Transitioned {
			r.metrics.RecordTransition()
		}
		r.metrics.SetTimersActive(r.timeouts.Stats().Active)
	}
	if out.Err != nil {
		// Transient persistence failure: the machine keeps running and the
		// next successful write repairs the row
		r.logger.Errorf("Machine %s: dispatch persistence error: %v", lm.machine.ID(), out.Err)
	}
	if out.Completed {
		atomic.AddInt64(&r.statCompleted, 1)
		r.enqueueArchive(archiveJob{machineID: lm.machine.ID(), machineType: lm.machine.Type()})
	}
}

func (r *defaultRegistry) recordEvent(result string) {
	if r.metrics != nil {
		r.metrics.RecordEvent(result)
	}
}

// teardown cancels the machine's timer, closes its tracker and removes it
// from the live map. Runs on the dispatch loop goroutine.
func (r *defaultRegistry) teardown(lm *liveMachine) {
	machineID := lm.machine.ID()
	atomic.StoreInt32(&lm.closing, 1)
	lm.mailbox.Close()
	r.timeouts.Cancel(machineID)

	closeCtx, cancel := context.WithTimeout(context.Background(), r.config.DrainTimeout)
	if err := lm.tracker.Close(closeCtx); err != nil {
		r.logger.Warnf("Machine %s: history close: %v", machineID, err)
	}
	cancel()

	r.mu.Lock()
	if r.live[machineID] == lm {
		delete(r.live, machineID)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetMachinesLive(r.liveCount())
	}
	r.notifyUnregistered(machineID, lm.machine.Type())
}

// Evict implements Registry. The eviction marker is queued behind any events
// already accepted, so their effects commit before the machine leaves memory.
func (r *defaultRegistry) Evict(ctx context.Context, machineID string) error {
	if machineID == "" {
		return core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}

	r.mu.RLock()
	lm := r.live[machineID]
	r.mu.RUnlock()
	if lm == nil {
		return core.NewError(core.CodeNotFound,
			fmt.Sprintf("machine %s is not live", machineID))
	}
	if !atomic.CompareAndSwapInt32(&lm.closing, 0, 1) {
		// Already being torn down; just wait for it
		return r.awaitDone(ctx, lm)
	}

	if err := lm.mailbox.Send(evictMsg{}); err != nil {
		// Full or already closed; closing still drains what is queued
		// before the loop exits
		lm.mailbox.Close()
	}
	atomic.AddInt64(&r.statEvicted, 1)
	r.logger.Infof("Machine %s evicted", machineID)
	return r.awaitDone(ctx, lm)
}

func (r *defaultRegistry) awaitDone(ctx context.Context, lm *liveMachine) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.DrainTimeout)
		defer cancel()
	}
	select {
	case <-lm.done:
		return nil
	case <-ctx.Done():
		return core.WrapError(core.CodeStopped,
			fmt.Sprintf("machine %s teardown did not finish", lm.machine.ID()), ctx.Err())
	}
}

// Machines implements Registry
func (r *defaultRegistry) Machines() []MachineInfo {
	return r.collect(func(lm *liveMachine) bool { return true })
}

// OfflineMachines implements Registry
func (r *defaultRegistry) OfflineMachines() []MachineInfo {
	return r.collect(func(lm *liveMachine) bool { return lm.machine.Offline() })
}

func (r *defaultRegistry) collect(keep func(*liveMachine) bool) []MachineInfo {
	r.mu.RLock()
	machines := make([]*liveMachine, 0, len(r.live))
	for _, lm := range r.live {
		machines = append(machines, lm)
	}
	r.mu.RUnlock()

	out := make([]MachineInfo, 0, len(machines))
	for _, lm := range machines {
		if lm.isClosing() || !keep(lm) {
			continue
		}
		m := lm.machine
		out = append(out, MachineInfo{
			ID:           m.ID(),
			MachineType:  m.Type(),
			CurrentState: m.CurrentState(),
			Offline:      m.Offline(),
			Complete:     m.Completed(),
			LastActivity: m.LastActivity(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MachineState implements Registry
func (r *defaultRegistry) MachineState(ctx context.Context, machineID string) (*MachineState, error) {
	if machineID == "" {
		return nil, core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}

	r.mu.RLock()
	lm := r.live[machineID]
	r.mu.RUnlock()

	if lm != nil && !lm.isClosing() {
		m := lm.machine
		snapshot := m.Snapshot()
		return &MachineState{
			ID:           machineID,
			MachineType:  m.Type(),
			CurrentState: snapshot.CurrentState(),
			Complete:     snapshot.Complete(),
			Live:         true,
			Context:      snapshot,
			Timestamp:    r.now().UnixMilli(),
		}, nil
	}

	pc, reg, _, err := r.lookup(ctx, machineID)
	if err != nil {
		if core.HasCode(err, core.CodeNotFound) {
			return nil, core.WrapError(core.CodeUnknownMachine,
				fmt.Sprintf("machine %s is unknown", machineID), err)
		}
		return nil, err
	}
	return &MachineState{
		ID:           machineID,
		MachineType:  reg.Definition.MachineType(),
		CurrentState: pc.CurrentState(),
		Complete:     pc.Complete(),
		Live:         false,
		Context:      pc,
		Timestamp:    r.now().UnixMilli(),
	}, nil
}

// History implements Registry
func (r *defaultRegistry) History(machineID string) (history.Reader, error) {
	if machineID == "" {
		return nil, core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}
	return r.histories.Reader(machineID), nil
}

// Stats implements Registry
func (r *defaultRegistry) Stats() Stats {
	r.mu.RLock()
	live := len(r.live)
	stopped := r.stopped
	r.mu.RUnlock()

	return Stats{
		Live:            live,
		Registered:      atomic.LoadInt64(&r.statRegistered),
		Rehydrated:      atomic.LoadInt64(&r.statRehydrated),
		Evicted:         atomic.LoadInt64(&r.statEvicted),
		Completed:       atomic.LoadInt64(&r.statCompleted),
		Archived:        atomic.LoadInt64(&r.statArchived),
		ArchiveFailures: atomic.LoadInt64(&r.statArchiveFailures),
		NotDelivered:    atomic.LoadInt64(&r.statNotDelivered),
		Stopped:         stopped,
	}
}

func (r *defaultRegistry) liveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Stop implements Registry. Order: refuse new work, stop the sweeper, drain
// and tear down every machine, then let the archival queue finish.
func (r *defaultRegistry) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() { err = r.doStop(ctx) })
	return err
}

func (r *defaultRegistry) doStop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	wasStarted := r.started
	machines := make([]*liveMachine, 0, len(r.live))
	for _, lm := range r.live {
		machines = append(machines, lm)
	}
	r.mu.Unlock()

	close(r.stopCh)

	if wasStarted && r.config.IdleTimeout > 0 && r.config.SweepInterval > 0 {
		close(r.sweepStop)
		r.sweepWg.Wait()
	}

	for _, lm := range machines {
		if atomic.CompareAndSwapInt32(&lm.closing, 0, 1) {
			if err := lm.mailbox.Send(evictMsg{}); err != nil {
				lm.mailbox.Close()
			}
		}
		if err := r.awaitDone(ctx, lm); err != nil {
			r.logger.Warnf("Registry stop: %v", err)
		}
	}

	if wasStarted {
		close(r.archive)
		done := make(chan struct{})
		go func() {
			r.archiveWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return core.WrapError(core.CodeStopped, "archival queue did not drain", ctx.Err())
		}
	}

	r.logger.Infof("Registry stopped")
	return nil
}

// sweepLoop periodically evicts idle machines parked in offline states.
func (r *defaultRegistry) sweepLoop() {
	defer r.sweepWg.Done()
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.sweepIdle()
		}
	}
}

func (r *defaultRegistry) sweepIdle() {
	cutoff := r.now().Add(-r.config.IdleTimeout)

	r.mu.RLock()
	candidates := make([]string, 0)
	for id, lm := range r.live {
		if lm.isClosing() {
			continue
		}
		if lm.machine.Offline() && lm.machine.LastActivity().Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.DrainTimeout)
		if err := r.Evict(ctx, id); err != nil && !core.HasCode(err, core.CodeNotFound) {
			r.logger.Warnf("Idle sweep: cannot evict %s: %v", id, err)
		}
		cancel()
	}
}

func (r *defaultRegistry) notifyRegistered(machineID, machineType string) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l.OnMachineRegistered(machineID, machineType)
	}
}

func (r *defaultRegistry) notifyUnregistered(machineID, machineType string) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l.OnMachineUnregistered(machineID, machineType)
	}
}

// schedulerAdapter bridges a machine's timeout hooks to the shared manager.
// Firing callbacks enqueue a timeout message onto the machine's mailbox, so
// timer effects serialise with external events; the armed state travels
// along for the stale check at the head of the queue.
type schedulerAdapter struct {
	registry *defaultRegistry
}

func (a *schedulerAdapter) Arm(machineID, state string, after time.Duration) {
	r := a.registry
	r.timeouts.Schedule(machineID, after, func() {
		r.mu.RLock()
		lm := r.live[machineID]
		r.mu.RUnlock()
		if lm == nil || lm.isClosing() {
			return
		}
		if err := lm.mailbox.Send(timeoutMsg{armedState: state}); err != nil {
			r.logger.Errorf("Machine %s: timeout delivery failed: %v", machineID, err)
		}
	})
}

func (a *schedulerAdapter) Disarm(machineID string) bool {
	return a.registry.timeouts.Cancel(machineID)
}

var _ Registry = (*defaultRegistry)(nil)
var _ fsm.TimeoutScheduler = (*schedulerAdapter)(nil)
