package concurrency

import (
	"context"
	"errors"
)

var (
	// ErrMailboxClosed is returned when sending to or receiving from a closed mailbox
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrMailboxFull is returned when sending to a full mailbox (backpressure)
	ErrMailboxFull = errors.New("mailbox is full")
)

// Mailbox is a bounded single-consumer message queue. Each machine owns one;
// everything that mutates the machine goes through it, which is what gives
// the runtime its per-machine total order.
type Mailbox interface {
	// Send enqueues a message
	// Returns ErrMailboxFull when the mailbox is at capacity (backpressure)
	// Returns ErrMailboxClosed when the mailbox is closed
	Send(msg interface{}) error

	// Receive dequeues a message, blocking until one is available or ctx is done
	// Returns ErrMailboxClosed when the mailbox is closed and drained
	Receive(ctx context.Context) (interface{}, error)

	// TryReceive dequeues without blocking
	// Returns (msg, true) when a message was available, (nil, false) when empty
	TryReceive() (interface{}, bool, error)

	// Close closes the mailbox. Messages already queued can still be received;
	// further Send calls return ErrMailboxClosed.
	Close()

	// Capacity returns the maximum number of queued messages
	Capacity() int

	// Size returns the current number of queued messages
	Size() int

	// IsClosed reports whether Close has been called
	IsClosed() bool
}
