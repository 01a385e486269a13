package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statorio/stator/pkg/core"
)

// enqueueArchive hands a completed machine to the archive worker. A full
// queue is logged and dropped: the row stays in the active store marked
// complete, and the next startup scan picks it up.
func (r *defaultRegistry) enqueueArchive(job archiveJob) {
	select {
	case r.archive <- job:
	default:
		atomic.AddInt64(&r.statArchiveFailures, 1)
		r.logger.Errorf("Archive queue full, machine %s deferred to next startup scan", job.machineID)
	}
}

// archiveLoop is the single archive worker. Jobs are retried with doubling
// backoff; a job that exhausts its attempts is a critical failure.
func (r *defaultRegistry) archiveLoop() {
	defer r.archiveWg.Done()
	for job := range r.archive {
		r.runArchive(job)
	}
}

func (r *defaultRegistry) runArchive(job archiveJob) {
	s, err := r.adapter.For(job.machineType)
	if err != nil {
		r.critical(err)
		return
	}

	backoff := r.config.ArchiveBackoff
	var lastErr error
	for attempt := 1; attempt <= r.config.ArchiveMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.DrainTimeout)
		sctx, span := r.tracer.Start(ctx, "machine.archive", trace.WithAttributes(
			attribute.String("machine.id", job.machineID),
			attribute.Int("archive.attempt", attempt)))
		lastErr = s.Archive(sctx, job.machineID)
		if lastErr != nil {
			span.RecordError(lastErr)
		}
		span.End()
		cancel()

		if lastErr == nil {
			atomic.AddInt64(&r.statArchived, 1)
			if r.metrics != nil {
				r.metrics.RecordArchival("ok")
			}
			r.logger.Infof("Machine %s archived", job.machineID)
			r.dropArchived(job.machineID)
			return
		}

		atomic.AddInt64(&r.statArchiveFailures, 1)
		if r.metrics != nil {
			r.metrics.RecordArchival("error")
		}
		r.logger.Warnf("Archival of %s failed (attempt %d/%d): %v",
			job.machineID, attempt, r.config.ArchiveMaxAttempts, lastErr)

		if attempt < r.config.ArchiveMaxAttempts {
			select {
			case <-time.After(backoff):
			case <-r.stopCh:
				// Abandoned mid-retry; the next startup scan finishes the job
				return
			}
			backoff *= 2
			if backoff > r.config.ArchiveMaxBackoff {
				backoff = r.config.ArchiveMaxBackoff
			}
		}
	}

	r.critical(core.WrapError(core.CodePersistence,
		fmt.Sprintf("archival of machine %s failed after %d attempts",
			job.machineID, r.config.ArchiveMaxAttempts), lastErr))
}

// dropArchived removes the in-memory instance of a machine whose row has
// moved to the archive. Queued events drain first and bounce off the final
// state.
func (r *defaultRegistry) dropArchived(machineID string) {
	r.mu.RLock()
	lm := r.live[machineID]
	r.mu.RUnlock()
	if lm == nil {
		return
	}

	if atomic.CompareAndSwapInt32(&lm.closing, 0, 1) {
		if err := lm.mailbox.Send(evictMsg{}); err != nil {
			lm.mailbox.Close()
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.config.DrainTimeout)
	defer cancel()
	if err := r.awaitDone(ctx, lm); err != nil {
		r.logger.Warnf("Machine %s: archived instance teardown: %v", machineID, err)
	}
}

// critical marks the registry failed: it stops accepting new work and fires
// the operator callback exactly once.
func (r *defaultRegistry) critical(err error) {
	r.criticalOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		r.logger.Errorf("Registry entering failed state: %v", err)
		if r.criticalFailure != nil {
			r.criticalFailure(err)
		}
	})
}
