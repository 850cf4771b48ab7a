// Package hook defines the lifecycle hook system for the orchestrator.
// Extensions are notified of lifecycle events (job submitted, completed,
// session stopped, etc.) and can react to them with logging, metrics,
// or alerting.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/xraph/quantops/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobSubmitted is called after a job is admitted and created.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobDeduplicated is called when a submission is answered by an existing
// in-flight or cached job with the same fingerprint.
type JobDeduplicated interface {
	OnJobDeduplicated(ctx context.Context, fingerprint string, j *job.Job) error
}

// JobThrottled is called when admission is refused by the rate limiter.
// No job exists at that point, so only the kind is reported.
type JobThrottled interface {
	OnJobThrottled(ctx context.Context, kind job.Kind) error
}

// JobStarted is called when the engine acknowledges a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called when a job reaches the cancelled state.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// SessionStopped is called when the safety governor stops a session.
type SessionStopped interface {
	OnSessionStopped(ctx context.Context, j *job.Job, reason job.StopReason) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
