package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
)

// boundedMailbox implements Mailbox using a buffered channel internally
// Hides chan type and select statements from callers
type boundedMailbox struct {
	ch       chan interface{}
	mu       sync.RWMutex // guards Send against a concurrent Close
	closed   int32        // atomic flag
	capacity int
}

// NewBoundedMailbox creates a mailbox holding at most capacity messages
func NewBoundedMailbox(capacity int) Mailbox {
	if capacity < 1 {
		capacity = 100
	}

	return &boundedMailbox{
		ch:       make(chan interface{}, capacity),
		capacity: capacity,
	}
}

// Send implements Mailbox
func (mb *boundedMailbox) Send(msg interface{}) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if atomic.LoadInt32(&mb.closed) == 1 {
		return ErrMailboxClosed
	}

	// Non-blocking send for backpressure
	select {
	case mb.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive implements Mailbox. Messages queued before Close are still
// delivered; ErrMailboxClosed is returned only once the queue is drained.
func (mb *boundedMailbox) Receive(ctx context.Context) (interface{}, error) {
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return nil, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive implements Mailbox
func (mb *boundedMailbox) TryReceive() (interface{}, bool, error) {
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return nil, false, ErrMailboxClosed
		}
		return msg, true, nil
	default:
		return nil, false, nil
	}
}

// Close implements Mailbox
func (mb *boundedMailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if atomic.CompareAndSwapInt32(&mb.closed, 0, 1) {
		close(mb.ch)
	}
}

// Capacity implements Mailbox
func (mb *boundedMailbox) Capacity() int {
	return mb.capacity
}

// Size implements Mailbox
func (mb *boundedMailbox) Size() int {
	return len(mb.ch)
}

// IsClosed implements Mailbox
func (mb *boundedMailbox) IsClosed() bool {
	return atomic.LoadInt32(&mb.closed) == 1
}

var _ Mailbox = (*boundedMailbox)(nil)
