// Package registry is the scheduling and routing authority for machines.
//
// Every live machine owns a bounded single-consumer mailbox; event dispatch,
// timeout firings and eviction all funnel through it, which gives each
// machine a total order over its effects while different machines run in
// parallel. Events for machines not in the live map trigger rehydration from
// the entity store; machines reaching a final state are archived
// asynchronously with retries.
package registry

import (
	"context"
	"time"

	"github.com/statorio/stator/pkg/event"
	"github.com/statorio/stator/pkg/fsm"
	"github.com/statorio/stator/pkg/history"
)

// Registration declares one machine type: its definition, how to build
// fresh persistent contexts, and how to rebuild volatile state on creation
// and rehydration.
type Registration struct {
	// Definition is the machine type's validated transition table
	Definition *fsm.Definition

	// NewContext allocates the persistent context for a fresh machine
	NewContext func(machineID, initialState string, now time.Time) fsm.PersistentContext

	// Volatile rebuilds the in-memory context; may be nil
	Volatile fsm.VolatileFactory
}

// Reasons a routed event was not accepted.
const (
	RouteNotFound     = "not-found"
	RouteComplete     = "complete"
	RouteStopped      = "stopped"
	RouteBackpressure = "backpressure"
)

// RouteResult reports what routing one event did. Accepted means the event
// entered the machine's mailbox; processing happens on the machine's own
// goroutine afterwards.
type RouteResult struct {
	// Accepted is true when the event was enqueued for the machine
	Accepted bool `json:"accepted"`

	// Reason explains an unaccepted event
	Reason string `json:"reason,omitempty"`

	// Rehydrated is true when routing brought the machine back from the store
	Rehydrated bool `json:"rehydrated"`
}

// MachineInfo is the registry's directory entry for one live machine
type MachineInfo struct {
	ID           string    `json:"id"`
	MachineType  string    `json:"type"`
	CurrentState string    `json:"currentState"`
	Offline      bool      `json:"offline"`
	Complete     bool      `json:"complete"`
	LastActivity time.Time `json:"lastActivity"`
}

// MachineState is a point-in-time view of one machine, live or stored
type MachineState struct {
	ID           string                `json:"machineId"`
	MachineType  string                `json:"machineType"`
	CurrentState string                `json:"currentState"`
	Complete     bool                  `json:"complete"`
	Live         bool                  `json:"live"`
	Context      fsm.PersistentContext `json:"context"`
	Timestamp    int64                 `json:"timestamp"`
}

// Stats exposes the registry's counters
type Stats struct {
	Live            int   `json:"live"`
	Registered      int64 `json:"registered"`
	Rehydrated      int64 `json:"rehydrated"`
	Evicted         int64 `json:"evicted"`
	Completed       int64 `json:"completed"`
	Archived        int64 `json:"archived"`
	ArchiveFailures int64 `json:"archiveFailures"`
	NotDelivered    int64 `json:"notDelivered"`
	Stopped         bool  `json:"stopped"`
}

// Listener observes registry topology changes. Callbacks run on registry
// goroutines and must not block.
type Listener interface {
	OnMachineRegistered(machineID, machineType string)
	OnMachineUnregistered(machineID, machineType string)
}

// Registry routes events to machines and manages their lifecycle.
//
// Contract summary:
// - Register declares machine types; unknown types are rejected everywhere
//   else.
// - CreateMachine builds, persists and activates a fresh machine.
// - Route delivers to the live machine or rehydrates it from the store;
//   events for unknown or completed machines are not delivered.
// - Evict removes a machine from memory, keeping its store row; the next
//   event rehydrates it.
// - Machines reaching a final state are archived asynchronously; repeated
//   archival failure fires the critical-failure callback once and stops the
//   registry.
type Registry interface {
	// Register declares a machine type. Must precede Start for the type to
	// be covered by the startup scan.
	Register(reg Registration) error

	// Start runs the startup scan and launches the background workers
	Start(ctx context.Context) error

	// CreateMachine builds, persists and activates a fresh machine
	CreateMachine(ctx context.Context, machineType, machineID string) error

	// Route delivers an event to a machine, rehydrating it if needed
	Route(ctx context.Context, machineID string, ev event.Event) (RouteResult, error)

	// Evict removes a live machine from memory, keeping its store row
	Evict(ctx context.Context, machineID string) error

	// Machines lists the live machines sorted by id
	Machines() []MachineInfo

	// OfflineMachines lists the live machines currently in offline-flagged
	// states
	OfflineMachines() []MachineInfo

	// MachineState returns a machine's current state and context, reading
	// the store when the machine is not live
	MachineState(ctx context.Context, machineID string) (*MachineState, error)

	// History returns read access to a machine's history log
	History(machineID string) (history.Reader, error)

	// Stats returns the registry's counters
	Stats() Stats

	// Stop drains mailboxes, closes trackers, waits for the archival queue
	// and shuts down owned pools
	Stop(ctx context.Context) error
}

// Config holds the registry's tunables
type Config struct {
	// MailboxSize bounds each machine's event queue
	MailboxSize int

	// ArchiveQueueSize bounds the archival queue
	ArchiveQueueSize int

	// ArchiveMaxAttempts caps archival retries before the failure is
	// treated as critical
	ArchiveMaxAttempts int

	// ArchiveBackoff is the first retry delay; it doubles per attempt
	ArchiveBackoff time.Duration

	// ArchiveMaxBackoff caps the retry delay
	ArchiveMaxBackoff time.Duration

	// SweepInterval is how often idle offline machines are looked for
	SweepInterval time.Duration

	// IdleTimeout is how long an offline-flagged machine may sit idle
	// before eviction; zero disables the sweeper
	IdleTimeout time.Duration

	// DrainTimeout bounds per-machine cleanup during Stop and eviction
	DrainTimeout time.Duration
}

// DefaultConfig returns defaults suitable for a small deployment
func DefaultConfig() Config {
	return Config{
		MailboxSize:        64,
		ArchiveQueueSize:   128,
		ArchiveMaxAttempts: 5,
		ArchiveBackoff:     100 * time.Millisecond,
		ArchiveMaxBackoff:  10 * time.Second,
		SweepInterval:      30 * time.Second,
		IdleTimeout:        5 * time.Minute,
		DrainTimeout:       10 * time.Second,
	}
}
