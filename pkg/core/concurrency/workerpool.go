package concurrency

import (
	"context"
	"errors"
	"time"
)

// ErrPoolFull is returned by Submit when the task queue is at capacity
var ErrPoolFull = errors.New("worker pool queue is full")

// PoolStats provides statistics about worker pool throughput
type PoolStats struct {
	QueuedTasks      int64   // Current number of queued tasks
	Workers          int     // Number of worker goroutines
	CompletedTasks   int64   // Total completed tasks
	RejectedTasks    int64   // Total rejected tasks (backpressure)
	QueueCapacity    int     // Maximum queue size
	QueueUtilization float64 // Queue utilization percentage
}

// WorkerPool abstracts worker goroutine management
// Hides go func() calls and goroutine lifecycle from application code
type WorkerPool interface {
	// Start starts the worker goroutines
	Start() error

	// Stop gracefully stops the pool
	// Waits for in-flight tasks to complete (up to ctx timeout)
	Stop(ctx context.Context) error

	// Submit queues a task for execution
	// Returns ErrPoolFull if the queue is at capacity (backpressure)
	Submit(task Task) error

	// SubmitWithTimeout queues a task, waiting up to timeout for capacity
	SubmitWithTimeout(task Task, timeout time.Duration) error

	// Stats returns current pool statistics
	Stats() PoolStats

	// IsRunning reports whether the pool is accepting tasks
	IsRunning() bool
}
