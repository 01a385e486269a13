package history

import (
	"context"
	"time"
)

// Reader provides read access to one machine's history log. Reads work
// whether or not the machine currently has a live tracker; a machine whose
// table was never created reads as empty.
type Reader interface {
	// ReadAll returns every record in append order
	ReadAll(ctx context.Context) ([]Record, error)

	// ReadSince returns the records appended after lastID, in append order
	ReadSince(ctx context.Context, lastID int64) ([]Record, error)

	// ReadGrouped returns the log grouped into state instances
	ReadGrouped(ctx context.Context) ([]StateInstance, error)
}

// Tracker is one machine's live history log.
//
// Contract summary:
// - Append is called from the machine's mailbox goroutine; it blocks only
//   when the bounded queue is full.
// - A single background worker drains the queue into the machine's table;
//   write failures are logged and counted, never surfaced to the engine.
// - Close stops the worker after a bounded drain. Records appended after
//   Close are dropped with a warning.
type Tracker interface {
	Reader

	// Append enqueues a record for the background writer
	Append(rec Record)

	// Stats returns the tracker's counters
	Stats() TrackerStats

	// Close drains the queue and stops the writer, waiting up to the
	// context deadline
	Close(ctx context.Context) error
}

// TrackerStats exposes basic operational counters
type TrackerStats struct {
	// Appended is the number of records accepted into the queue
	Appended int64 `json:"appended"`

	// Written is the number of records persisted
	Written int64 `json:"written"`

	// Failed is the number of records lost to write errors or late appends
	Failed int64 `json:"failed"`

	// Queued is the number of records currently waiting
	Queued int `json:"queued"`
}

// TrackerConfig configures tracker queues and writes
type TrackerConfig struct {
	// QueueSize bounds the append queue
	QueueSize int

	// BatchSize caps how many records one write transaction carries
	BatchSize int

	// DrainTimeout bounds Close when the caller's context has no deadline
	DrainTimeout time.Duration
}

// DefaultTrackerConfig returns defaults suitable for chatty machines
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		QueueSize:    256,
		BatchSize:    32,
		DrainTimeout: 5 * time.Second,
	}
}
