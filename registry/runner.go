package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/quantops"
	"github.com/xraph/quantops/engine"
	"github.com/xraph/quantops/id"
	"github.com/xraph/quantops/job"
)

// run drives one job from submission to a terminal state. It is the only
// goroutine polling this job, so the engine never sees two concurrent
// status queries for the same operation. ctx carries the job's absolute
// deadline.
func (r *Registry) run(ctx context.Context, jobID id.JobID, req *job.Request) {
	defer r.wg.Done()

	handle, err := r.engine.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			r.handleDeadlineOrCancel(ctx, jobID, "")
			return
		}
		r.finalize(jobID, job.StateFailed, func(j *job.Job) {
			j.LastError = err.Error()
		})
		return
	}

	// Engine acknowledged: Pending → Running. A cancellation that raced
	// the submission wins; the engine-side work is reaped best-effort.
	acknowledged := false
	r.withJob(jobID, func(j *job.Job) {
		if j.CancelRequested {
			return
		}
		now := time.Now().UTC()
		j.State = job.StateRunning
		j.StartedAt = &now
		j.RemoteHandle = string(handle)
		acknowledged = true
	})
	if !acknowledged {
		r.bestEffortCancel(handle)
		return
	}

	j, getErr := r.store.GetJob(ctx, jobID)
	if getErr == nil {
		r.hooks.EmitJobStarted(ctx, j)
		if j.IsSession() {
			limits := j.Risk
			r.gov.Watch(jobID, limits, func(fctx context.Context) (engine.Metrics, error) {
				return r.engine.SessionMetrics(fctx, handle)
			})
		}
	}

	pollErr := r.poller.Run(ctx, func(pctx context.Context) (bool, error) {
		st, statusErr := r.engine.Status(pctx, handle)
		if statusErr != nil {
			r.withJob(jobID, func(j *job.Job) {
				j.Attempts++
				j.LastError = statusErr.Error()
			})
			return false, statusErr
		}

		r.withJob(jobID, func(j *job.Job) { j.Attempts++ })

		switch st.Phase {
		case engine.PhaseAccepted, engine.PhaseRunning:
			return false, nil
		case engine.PhaseSucceeded:
			r.finalize(jobID, job.StateCompleted, func(j *job.Job) {
				j.Result = st.Result
				j.LastError = ""
			})
			return true, nil
		case engine.PhaseFailed:
			r.finalize(jobID, job.StateFailed, func(j *job.Job) {
				j.LastError = st.Reason
			})
			return true, nil
		}
		return false, fmt.Errorf("quantops: unknown engine phase %q", st.Phase)
	})

	if pollErr == nil {
		return
	}

	switch {
	case errors.Is(pollErr, context.DeadlineExceeded), errors.Is(pollErr, context.Canceled):
		r.handleDeadlineOrCancel(ctx, jobID, handle)
	default:
		// Fatal engine error or exhausted transient budget.
		r.finalize(jobID, job.StateFailed, func(j *job.Job) {
			j.LastError = pollErr.Error()
		})
	}
}

// handleDeadlineOrCancel resolves a poll loop that ended on its context.
// A deadline expiry is a timeout failure and reaps the orphaned engine
// work. An explicit cancellation leaves the terminal transition to the
// cancel path; on shutdown the job simply stays non-terminal.
func (r *Registry) handleDeadlineOrCancel(ctx context.Context, jobID id.JobID, handle engine.Handle) {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return
	}

	// Orphaned work must not run unbounded after the deadline.
	r.bestEffortCancel(handle)
	r.finalize(jobID, job.StateFailed, func(j *job.Job) {
		j.LastError = quantops.ErrTimeout.Error()
	})
}

// bestEffortCancel asks the engine to abandon work, bounded by the
// cancel grace period. Errors are logged, never propagated.
func (r *Registry) bestEffortCancel(handle engine.Handle) {
	if handle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CancelGracePeriod)
	defer cancel()

	if err := r.engine.Cancel(ctx, handle); err != nil {
		r.logger.Warn("best-effort engine cancellation failed",
			slog.String("handle", string(handle)),
			slog.String("error", err.Error()),
		)
	}
}

// governorStop is the governor.StopFunc: request engine cancellation,
// mark the stop reason, and transition the session to stopped.
func (r *Registry) governorStop(ctx context.Context, sessionID id.SessionID, reason job.StopReason) {
	if j, err := r.store.GetJob(ctx, sessionID); err == nil && j.RemoteHandle != "" {
		r.bestEffortCancel(engine.Handle(j.RemoteHandle))
	}

	r.finalize(sessionID, job.StateStopped, func(j *job.Job) {
		j.StopReason = reason
	})
}

// recordMetrics is the governor.RecordFunc: the governor is the only
// writer of session metrics.
func (r *Registry) recordMetrics(sessionID id.SessionID, m job.LiveMetrics) {
	r.withJob(sessionID, func(j *job.Job) {
		snapshot := m
		j.Metrics = &snapshot
	})
}

// finalize performs the single terminal transition for a job: it updates
// the record, releases the rate-limit slot exactly once, resolves the
// cache entry, stops supervision, and emits the matching lifecycle hook.
// Every exit path funnels through here, so none of that bookkeeping can
// leak or double-fire.
func (r *Registry) finalize(jobID id.JobID, to job.State, mutate func(*job.Job)) bool {
	t := r.tracked(jobID)
	if t == nil {
		return false
	}

	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return false
	}

	ctx := context.Background()
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		t.mu.Unlock()
		return false
	}

	// Local cancellation wins over a late success or failure observed
	// from the engine; the unrequested result is discarded.
	target := to
	if j.CancelRequested && (to == job.StateCompleted || to == job.StateFailed) {
		target = job.StateCancelled
	}
	if !j.State.CanTransition(target) {
		t.mu.Unlock()
		return false
	}

	now := time.Now().UTC()
	j.State = target
	j.FinishedAt = &now
	if target == to && mutate != nil {
		mutate(j)
	}
	if target != to {
		j.Result = nil
		if j.IsSession() && j.StopReason == "" {
			j.StopReason = job.StopUserRequested
		}
	}

	if updateErr := r.store.UpdateJob(ctx, j); updateErr != nil {
		r.logger.Error("terminal transition write failed",
			slog.String("job_id", jobID.String()),
			slog.String("state", string(target)),
			slog.String("error", updateErr.Error()),
		)
	}
	t.finalized = true
	t.mu.Unlock()

	// Post-transition bookkeeping, outside the per-job lock.
	r.limiter.Release(t.kind)

	if target == job.StateCompleted {
		if cacheErr := r.cache.Complete(ctx, t.fingerprint, j.Result, r.cfg.ResultTTL); cacheErr != nil {
			r.logger.Warn("result cache store failed",
				slog.String("fingerprint", t.fingerprint),
				slog.String("error", cacheErr.Error()),
			)
		}
	} else {
		// Failures are not memoized; a retry with the same fingerprint
		// must not be silently blocked.
		if invErr := r.cache.Invalidate(ctx, t.fingerprint); invErr != nil {
			r.logger.Warn("cache invalidation failed",
				slog.String("fingerprint", t.fingerprint),
				slog.String("error", invErr.Error()),
			)
		}
	}

	if j.IsSession() {
		r.gov.Unwatch(jobID)
	}
	r.untrack(jobID)
	t.cancelRun()

	elapsed := now.Sub(j.SubmittedAt)
	switch target {
	case job.StateCompleted:
		r.hooks.EmitJobCompleted(ctx, j, elapsed)
	case job.StateFailed:
		r.hooks.EmitJobFailed(ctx, j, errors.New(j.LastError))
	case job.StateCancelled:
		r.hooks.EmitJobCancelled(ctx, j)
	case job.StateStopped:
		r.hooks.EmitSessionStopped(ctx, j, j.StopReason)
	}

	r.logger.Info("job finished",
		slog.String("job_id", jobID.String()),
		slog.String("kind", string(j.Kind)),
		slog.String("state", string(target)),
		slog.Duration("elapsed", elapsed),
	)
	return true
}
