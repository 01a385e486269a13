package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// defaultWorkerPool implements WorkerPool
// Hides goroutine creation and management from public API
type defaultWorkerPool struct {
	workers   int
	queueSize int
	taskChan  chan Task
	wg        sync.WaitGroup
	mu        sync.RWMutex // guards Submit against a concurrent Stop closing the queue
	running   int32        // atomic flag
	ctx       context.Context
	cancel    context.CancelFunc
	logger    simpleLogger

	// Metrics (atomic for thread-safety)
	queuedTasks    int64
	completedTasks int64
	rejectedTasks  int64
}

// WorkerPoolConfig configures a WorkerPool
type WorkerPoolConfig struct {
	Workers   int // Number of worker goroutines
	QueueSize int // Task queue size (bounded for backpressure)
}

// DefaultWorkerPoolConfig returns default worker pool configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:   10,
		QueueSize: 1000,
	}
}

// NewWorkerPool creates a new WorkerPool
// Hides goroutine and channel creation from callers
func NewWorkerPool(ctx context.Context, config WorkerPoolConfig) WorkerPool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 100
	}

	ctx, cancel := context.WithCancel(ctx)

	return &defaultWorkerPool{
		workers:   config.Workers,
		queueSize: config.QueueSize,
		taskChan:  make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    newDefaultSimpleLogger(),
	}
}

// Start implements WorkerPool
func (wp *defaultWorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if atomic.LoadInt32(&wp.running) == 1 {
		return fmt.Errorf("worker pool is already running")
	}

	atomic.StoreInt32(&wp.running, 1)
	wp.wg.Add(wp.workers)

	for i := 0; i < wp.workers; i++ {
		go wp.worker(i)
	}

	return nil
}

// worker drains the task queue until it closes or the pool context ends
func (wp *defaultWorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskChan:
			if !ok {
				return
			}
			atomic.AddInt64(&wp.queuedTasks, -1)
			wp.run(id, task)
			atomic.AddInt64(&wp.completedTasks, 1)

		case <-wp.ctx.Done():
			return
		}
	}
}

// run executes one task, recovering panics so a bad callback cannot kill a worker
func (wp *defaultWorkerPool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorf("worker %d: task %s panicked: %v", id, task.Name(), r)
		}
	}()

	if err := task.Execute(wp.ctx); err != nil {
		wp.logger.Errorf("worker %d: task %s failed: %v", id, task.Name(), err)
	}
}

// Stop implements WorkerPool
func (wp *defaultWorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if atomic.LoadInt32(&wp.running) == 0 {
		return nil
	}
	atomic.StoreInt32(&wp.running, 0)

	close(wp.taskChan)

	// Wait for workers to finish or timeout
	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		return nil
	case <-ctx.Done():
		wp.cancel()
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

// Submit implements WorkerPool
func (wp *defaultWorkerPool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if atomic.LoadInt32(&wp.running) == 0 {
		return fmt.Errorf("worker pool is not running")
	}

	// Non-blocking send for backpressure
	select {
	case wp.taskChan <- task:
		atomic.AddInt64(&wp.queuedTasks, 1)
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	default:
		atomic.AddInt64(&wp.rejectedTasks, 1)
		return ErrPoolFull
	}
}

// SubmitWithTimeout implements WorkerPool
func (wp *defaultWorkerPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if atomic.LoadInt32(&wp.running) == 0 {
		return fmt.Errorf("worker pool is not running")
	}

	select {
	case wp.taskChan <- task:
		atomic.AddInt64(&wp.queuedTasks, 1)
		return nil
	case <-time.After(timeout):
		atomic.AddInt64(&wp.rejectedTasks, 1)
		return fmt.Errorf("submit timeout after %v", timeout)
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	}
}

// Stats implements WorkerPool
func (wp *defaultWorkerPool) Stats() PoolStats {
	queued := atomic.LoadInt64(&wp.queuedTasks)
	utilization := float64(queued) / float64(wp.queueSize) * 100.0
	if utilization > 100.0 {
		utilization = 100.0
	}

	return PoolStats{
		QueuedTasks:      queued,
		Workers:          wp.workers,
		CompletedTasks:   atomic.LoadInt64(&wp.completedTasks),
		RejectedTasks:    atomic.LoadInt64(&wp.rejectedTasks),
		QueueCapacity:    wp.queueSize,
		QueueUtilization: utilization,
	}
}

// IsRunning implements WorkerPool
func (wp *defaultWorkerPool) IsRunning() bool {
	return atomic.LoadInt32(&wp.running) == 1
}

var _ WorkerPool = (*defaultWorkerPool)(nil)
