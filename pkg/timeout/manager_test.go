package timeout

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/statorio/stator/pkg/core"
)

func newTestManager(t *testing.T, clock Clock) Manager {
	t.Helper()
	mgr, err := NewManager(context.Background(), DefaultManagerConfig(),
		WithClock(clock),
		WithLogger(core.NewLoggerWithLevel(core.LevelError)),
	)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return mgr
}

func TestManager_ScheduleAndFire(t *testing.T) {
	mgr := newTestManager(t, SystemClock())

	fired := make(chan struct{})
	mgr.Schedule("m1", 10*time.Millisecond, func() {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for callback")
	}

	stats := mgr.Stats()
	if stats.Scheduled != 1 || stats.Executed != 1 || stats.Active != 0 {
		t.Errorf("Stats = %+v, want scheduled=1 executed=1 active=0", stats)
	}
}

func TestManager_CancelPreventsExecution(t *testing.T) {
	clock := NewFakeClock(time.Now())
	mgr := newTestManager(t, clock)

	var fired int32
	mgr.Schedule("m1", time.Second, func() {
		atomic.AddInt32(&fired, 1)
	})

	if !mgr.Cancel("m1") {
		t.Fatal("Expected Cancel to report a pending timer")
	}

	clock.Advance(2 * time.Second)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("Expected cancelled timer not to fire")
	}

	stats := mgr.Stats()
	if stats.Cancelled != 1 || stats.Executed != 0 || stats.Active != 0 {
		t.Errorf("Stats = %+v, want cancelled=1 executed=0 active=0", stats)
	}
}

func TestManager_CancelIdempotent(t *testing.T) {
	clock := NewFakeClock(time.Now())
	mgr := newTestManager(t, clock)

	mgr.Schedule("m1", time.Second, func() {})
	if !mgr.Cancel("m1") {
		t.Error("Expected first Cancel to return true")
	}
	if mgr.Cancel("m1") {
		t.Error("Expected second Cancel to return false")
	}
	if mgr.Cancel("unknown") {
		t.Error("Expected Cancel of unknown id to return false")
	}
}

func TestManager_ScheduleReplacesPending(t *testing.T) {
	clock := NewFakeClock(time.Now())
	mgr := newTestManager(t, clock)

	var firstFired int32
	secondFired := make(chan struct{})

	mgr.Schedule("m1", 10*time.Second, func() {
		atomic.AddInt32(&firstFired, 1)
	})
	mgr.Schedule("m1", 5*time.Second, func() {
		close(secondFired)
	})

	stats := mgr.Stats()
	if stats.Active != 1 {
		t.Errorf("Expected one active timer after replacement, got %d", stats.Active)
	}

	clock.Advance(10 * time.Second)

	select {
	case <-secondFired:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for replacement timer")
	}

	if atomic.LoadInt32(&firstFired) != 0 {
		t.Error("Expected replaced timer not to fire")
	}

	stats = mgr.Stats()
	if stats.Scheduled != 2 || stats.Cancelled != 1 || stats.Executed != 1 {
		t.Errorf("Stats = %+v, want scheduled=2 cancelled=1 executed=1", stats)
	}
}

func TestManager_HandleCancel(t *testing.T) {
	clock := NewFakeClock(time.Now())
	mgr := newTestManager(t, clock)

	h := mgr.Schedule("m1", time.Second, func() {})
	if !h.Cancel() {
		t.Error("Expected handle cancel to succeed")
	}
	if h.Cancel() {
		t.Error("Expected repeated handle cancel to return false")
	}
	if mgr.Cancel("m1") {
		t.Error("Expected no pending timer after handle cancel")
	}
}

func TestManager_StaleHandleCancel(t *testing.T) {
	clock := NewFakeClock(time.Now())
	mgr := newTestManager(t, clock)

	stale := mgr.Schedule("m1", time.Second, func() {})
	mgr.Schedule("m1", time.Minute, func() {})

	if stale.Cancel() {
		t.Error("Expected stale handle not to cancel the replacement timer")
	}
	if mgr.Stats().Active != 1 {
		t.Error("Expected replacement timer to stay armed")
	}
}

func TestManager_IndependentMachines(t *testing.T) {
	clock := NewFakeClock(time.Now())
	mgr := newTestManager(t, clock)

	firedA := make(chan struct{})
	firedB := make(chan struct{})
	mgr.Schedule("a", time.Second, func() { close(firedA) })
	mgr.Schedule("b", 2*time.Second, func() { close(firedB) })

	if mgr.Stats().Active != 2 {
		t.Errorf("Expected 2 active timers, got %d", mgr.Stats().Active)
	}

	clock.Advance(3 * time.Second)

	for name, ch := range map[string]chan struct{}{"a": firedA, "b": firedB} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for timer %s", name)
		}
	}
}

func TestManager_CallbackRunsOffScheduler(t *testing.T) {
	clock := NewFakeClock(time.Now())
	mgr := newTestManager(t, clock)

	release := make(chan struct{})
	started := make(chan struct{})
	mgr.Schedule("m1", time.Second, func() {
		close(started)
		<-release
	})

	// Advance returns while the callback still blocks on the pool
	clock.Advance(time.Second)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for callback to start")
	}
	close(release)
}

func TestManager_ShutdownCancelsPending(t *testing.T) {
	clock := NewFakeClock(time.Now())
	mgr, err := NewManager(context.Background(), DefaultManagerConfig(),
		WithClock(clock),
		WithLogger(core.NewLoggerWithLevel(core.LevelError)),
	)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	var fired int32
	mgr.Schedule("m1", time.Second, func() {
		atomic.AddInt32(&fired, 1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Failed to shut down: %v", err)
	}

	clock.Advance(2 * time.Second)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("Expected no firing after shutdown")
	}

	// Scheduling after shutdown is a no-op
	h := mgr.Schedule("m2", time.Second, func() {})
	if h.Cancel() {
		t.Error("Expected handle from post-shutdown schedule to be inert")
	}
	if mgr.Stats().Active != 0 {
		t.Errorf("Expected no active timers, got %d", mgr.Stats().Active)
	}

	// Second shutdown is idempotent
	if err := mgr.Shutdown(ctx); err != nil {
		t.Errorf("Expected idempotent shutdown, got %v", err)
	}
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))

	order := make([]string, 0)
	clock.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	clock.AfterFunc(time.Second, func() { order = append(order, "first") })

	if clock.Pending() != 2 {
		t.Errorf("Expected 2 pending timers, got %d", clock.Pending())
	}

	clock.Advance(5 * time.Second)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected deadline order [first second], got %v", order)
	}
	if clock.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", clock.Pending())
	}
	if !clock.Now().Equal(time.Unix(1005, 0)) {
		t.Errorf("Expected clock at 1005s, got %v", clock.Now())
	}
}

func TestFakeClock_StopPending(t *testing.T) {
	clock := NewFakeClock(time.Now())

	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Expected Stop on pending timer to return true")
	}
	if timer.Stop() {
		t.Error("Expected repeated Stop to return false")
	}

	clock.Advance(2 * time.Second)
	if fired {
		t.Error("Expected stopped timer not to fire")
	}
}
