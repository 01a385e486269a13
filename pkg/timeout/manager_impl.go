package timeout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/core/concurrency"
)

// ManagerConfig configures the timeout manager.
type ManagerConfig struct {
	Workers   int // Worker goroutines executing timer callbacks
	QueueSize int // Callback queue size (bounded for backpressure)
}

// DefaultManagerConfig returns default manager configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Workers:   4,
		QueueSize: 256,
	}
}

// ManagerOption configures a manager.
type ManagerOption func(*defaultManager)

// WithClock overrides the manager's time source (for testing).
func WithClock(clock Clock) ManagerOption {
	return func(m *defaultManager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger core.Logger) ManagerOption {
	return func(m *defaultManager) {
		m.logger = logger
	}
}

type defaultManager struct {
	clock  Clock
	pool   concurrency.WorkerPool
	logger core.Logger

	mu     sync.Mutex
	timers map[string]*pendingTimer
	seq    uint64
	closed bool

	scheduled int64
	executed  int64
	cancelled int64
}

// pendingTimer pairs the platform timer with the sequence number that tells
// a live firing apart from one belonging to a replaced schedule
type pendingTimer struct {
	seq   uint64
	timer Timer
}

// NewManager creates and starts a timeout manager.
func NewManager(ctx context.Context, config ManagerConfig, opts ...ManagerOption) (Manager, error) {
	m := &defaultManager{
		clock:  SystemClock(),
		logger: core.NewDefaultLogger(),
		timers: make(map[string]*pendingTimer),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.pool = concurrency.NewWorkerPool(ctx, concurrency.WorkerPoolConfig{
		Workers:   config.Workers,
		QueueSize: config.QueueSize,
	})
	if err := m.pool.Start(); err != nil {
		return nil, core.WrapError(core.CodeConfig, "cannot start timeout worker pool", err)
	}
	return m, nil
}

// Schedule implements Manager
func (m *defaultManager) Schedule(machineID string, delay time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.logger.Warnf("Timeout manager: ignoring schedule for %s after shutdown", machineID)
		return noopHandle{}
	}

	if prev, ok := m.timers[machineID]; ok {
		prev.timer.Stop()
		delete(m.timers, machineID)
		m.cancelled++
	}

	m.seq++
	seq := m.seq
	p := &pendingTimer{seq: seq}
	p.timer = m.clock.AfterFunc(delay, func() {
		m.fire(machineID, seq, fn)
	})
	m.timers[machineID] = p
	m.scheduled++

	return &handle{manager: m, machineID: machineID, seq: seq}
}

// fire hands the callback to the worker pool unless the timer was cancelled
// or replaced while the firing was in flight
func (m *defaultManager) fire(machineID string, seq uint64, fn func()) {
	m.mu.Lock()
	cur, ok := m.timers[machineID]
	if !ok || cur.seq != seq {
		m.mu.Unlock()
		return
	}
	delete(m.timers, machineID)
	m.mu.Unlock()

	task := concurrency.NewNamedTask(fmt.Sprintf("timeout-%s", machineID), func(ctx context.Context) error {
		m.mu.Lock()
		m.executed++
		m.mu.Unlock()
		fn()
		return nil
	})
	if err := m.pool.Submit(task); err != nil {
		m.logger.Errorf("Timeout manager: dropping callback for %s: %v", machineID, err)
	}
}

// Cancel implements Manager
func (m *defaultManager) Cancel(machineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.timers[machineID]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(m.timers, machineID)
	m.cancelled++
	return true
}

// Stats implements Manager
func (m *defaultManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Scheduled: m.scheduled,
		Executed:  m.executed,
		Cancelled: m.cancelled,
		Active:    len(m.timers),
	}
}

// Shutdown implements Manager
func (m *defaultManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, p := range m.timers {
		p.timer.Stop()
		delete(m.timers, id)
		m.cancelled++
	}
	m.mu.Unlock()

	return m.pool.Stop(ctx)
}

// handle cancels one specific firing
type handle struct {
	manager   *defaultManager
	machineID string
	seq       uint64
}

func (h *handle) Cancel() bool {
	m := h.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.timers[h.machineID]
	if !ok || cur.seq != h.seq {
		return false
	}
	cur.timer.Stop()
	delete(m.timers, h.machineID)
	m.cancelled++
	return true
}

type noopHandle struct{}

func (noopHandle) Cancel() bool { return false }

var _ Manager = (*defaultManager)(nil)
