// Package timeout implements the shared timer scheduler for machine state
// timeouts. One timer is active per machine at any moment; scheduling
// replaces, cancellation is idempotent, and firing callbacks run on the
// manager's worker pool, never inline with the scheduling call.
package timeout

import (
	"context"
	"time"
)

// Stats describes scheduler throughput.
type Stats struct {
	Scheduled int64 `json:"scheduled"`
	Executed  int64 `json:"executed"`
	Cancelled int64 `json:"cancelled"`
	Active    int   `json:"active"`
}

// Handle identifies one scheduled firing. Cancelling through a handle only
// takes effect while that exact firing is still pending; a handle left over
// from a replaced or fired timer does nothing.
type Handle interface {
	Cancel() bool
}

// Manager schedules at most one pending timeout per machine id.
type Manager interface {
	// Schedule arms fn to run after delay, replacing any pending timer for
	// the machine
	Schedule(machineID string, delay time.Duration, fn func()) Handle

	// Cancel stops the machine's pending timer, reporting whether one existed
	Cancel(machineID string) bool

	// Stats returns scheduler counters
	Stats() Stats

	// Shutdown cancels all pending timers and stops the worker pool, waiting
	// for in-flight callbacks up to the ctx deadline
	Shutdown(ctx context.Context) error
}
