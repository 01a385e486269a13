package store

import (
	"context"
	"sync"
	"time"

	"github.com/statorio/stator/pkg/core"
)

// PrunerConfig configures the retention pruner
type PrunerConfig struct {
	// RetentionDays is how long dated tables and partitions are kept
	RetentionDays int

	// Interval is how often the pruner runs
	Interval time.Duration
}

// DefaultPrunerConfig returns defaults suitable for daily tables
func DefaultPrunerConfig() PrunerConfig {
	return PrunerConfig{
		RetentionDays: 30,
		Interval:      12 * time.Hour,
	}
}

// Pruner periodically rotates an adapter's dated tables: new partitions are
// created ahead of time and tables older than the retention window are
// dropped. One run executes at Start, then one per interval.
type Pruner struct {
	target   Adapter
	config   PrunerConfig
	settings settings

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewPruner creates a pruner for the adapter.
// Fail-fast: validates configuration before returning.
func NewPruner(target Adapter, config PrunerConfig, opts ...Option) (*Pruner, error) {
	if target == nil {
		return nil, core.NewError(core.CodeConfig, "pruner target cannot be nil")
	}
	if config.RetentionDays <= 0 {
		return nil, core.NewError(core.CodeConfig, "RetentionDays must be positive")
	}
	if config.Interval <= 0 {
		return nil, core.NewError(core.CodeConfig, "Interval must be positive")
	}

	return &Pruner{
		target:   target,
		config:   config,
		settings: newSettings(opts...),
		stop:     make(chan struct{}),
	}, nil
}

// Start launches the pruning loop
func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return core.NewError(core.CodeInvalidState, "pruner already started")
	}
	p.started = true

	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop halts the loop and waits for an in-flight run to finish, up to the
// context deadline
func (p *Pruner) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return core.WrapError(core.CodeStopped, "pruner stop timed out", ctx.Err())
	}
}

// RunOnce executes a single rotation immediately
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	cutoff := p.settings.now().AddDate(0, 0, -p.config.RetentionDays)
	return p.target.Prune(ctx, cutoff)
}

func (p *Pruner) loop() {
	defer p.wg.Done()

	p.run()
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.run()
		}
	}
}

func (p *Pruner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dropped, err := p.RunOnce(ctx)
	if err != nil {
		p.settings.logger.Errorf("retention run failed: %v", err)
		return
	}
	if dropped > 0 {
		p.settings.logger.Infof("retention dropped %d dated tables", dropped)
	}
}
