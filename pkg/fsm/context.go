package fsm

import (
	"context"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/event"
)

// PersistentContext is the durable projection of a machine: everything that
// must survive eviction and process restarts. Domain types embed BaseContext
// for the required fields and add their own scalar columns on top.
//
// Implementations must keep two invariants: Complete is true exactly when
// CurrentState is one of the definition's final states, and LastStateChange
// never decreases.
type PersistentContext interface {
	// ID returns the stable machine identifier (primary key)
	ID() string

	// CurrentState returns the name of the machine's current state
	CurrentState() string

	// SetCurrentState updates the current state name
	SetCurrentState(state string)

	// LastStateChange returns the instant of the most recent transition
	LastStateChange() time.Time

	// SetLastStateChange updates the transition instant
	SetLastStateChange(t time.Time)

	// Complete reports whether the machine has entered a final state
	Complete() bool

	// SetComplete marks the machine completed
	SetComplete(complete bool)

	// CreatedAt returns the creation instant (partition key in the store)
	CreatedAt() time.Time

	// DeepCopy returns an independent copy sharing no mutable data with the
	// receiver. History snapshots and debug reads rely on this.
	DeepCopy() PersistentContext
}

// BaseContext carries the required persistent fields. Domain contexts embed
// it and implement DeepCopy themselves (a value copy suffices when all added
// fields are scalars).
type BaseContext struct {
	MachineID      string    `json:"id"`
	State          string    `json:"currentState"`
	StateChangedAt time.Time `json:"lastStateChange"`
	Done           bool      `json:"complete"`
	Created        time.Time `json:"createdAt"`
}

// NewBaseContext creates the base fields for a fresh machine in its initial state
func NewBaseContext(id, initialState string, now time.Time) BaseContext {
	return BaseContext{
		MachineID:      id,
		State:          initialState,
		StateChangedAt: now,
		Created:        now,
	}
}

func (c *BaseContext) ID() string                     { return c.MachineID }
func (c *BaseContext) CurrentState() string           { return c.State }
func (c *BaseContext) SetCurrentState(state string)   { c.State = state }
func (c *BaseContext) LastStateChange() time.Time     { return c.StateChangedAt }
func (c *BaseContext) SetLastStateChange(t time.Time) { c.StateChangedAt = t }
func (c *BaseContext) Complete() bool                 { return c.Done }
func (c *BaseContext) SetComplete(complete bool)      { c.Done = complete }
func (c *BaseContext) CreatedAt() time.Time           { return c.Created }

// VolatileFactory reconstructs a machine's volatile context from its
// persistent context. Called on creation and again on every rehydration; the
// result must tolerate the machine having changed state while evicted.
type VolatileFactory func(pc PersistentContext) interface{}

// ActionContext is the view of a machine handed to entry, exit and stay
// handlers. Handlers run on the machine's mailbox goroutine and may mutate
// both contexts without further locking.
type ActionContext struct {
	MachineID  string
	RunID      string
	State      string
	Persistent PersistentContext
	Volatile   interface{}
	Logger     core.Logger
}

// Action runs on state entry or exit. A returned error is recorded in the
// machine's history; it does not stop the transition.
type Action func(ctx context.Context, ac *ActionContext, ev event.Event) error

// StayHandler runs when an event is mapped to the current state without a
// transition. The machine persists the contexts after the handler returns,
// whether or not it errs.
type StayHandler func(ctx context.Context, ac *ActionContext, ev event.Event) error
