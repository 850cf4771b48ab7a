package hook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/quantops/job"
)

// Registry holds registered extensions and fans lifecycle events out to
// them. Hook errors are logged, never propagated: an extension must not
// be able to break the orchestrator.
type Registry struct {
	mu     sync.RWMutex
	exts   []Extension
	logger *slog.Logger
}

// NewRegistry creates an empty extension registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension to the registry.
func (r *Registry) Register(e Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exts = append(r.exts, e)
}

func (r *Registry) extensions() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Extension(nil), r.exts...)
}

func (r *Registry) logHookError(ext Extension, hook string, err error) {
	r.logger.Warn("extension hook failed",
		slog.String("extension", ext.Name()),
		slog.String("hook", hook),
		slog.String("error", err.Error()),
	)
}

// EmitJobSubmitted notifies JobSubmitted extensions.
func (r *Registry) EmitJobSubmitted(ctx context.Context, j *job.Job) {
	for _, e := range r.extensions() {
		if h, ok := e.(JobSubmitted); ok {
			if err := h.OnJobSubmitted(ctx, j); err != nil {
				r.logHookError(e, "job_submitted", err)
			}
		}
	}
}

// EmitJobDeduplicated notifies JobDeduplicated extensions.
func (r *Registry) EmitJobDeduplicated(ctx context.Context, fingerprint string, j *job.Job) {
	for _, e := range r.extensions() {
		if h, ok := e.(JobDeduplicated); ok {
			if err := h.OnJobDeduplicated(ctx, fingerprint, j); err != nil {
				r.logHookError(e, "job_deduplicated", err)
			}
		}
	}
}

// EmitJobThrottled notifies JobThrottled extensions.
func (r *Registry) EmitJobThrottled(ctx context.Context, kind job.Kind) {
	for _, e := range r.extensions() {
		if h, ok := e.(JobThrottled); ok {
			if err := h.OnJobThrottled(ctx, kind); err != nil {
				r.logHookError(e, "job_throttled", err)
			}
		}
	}
}

// EmitJobStarted notifies JobStarted extensions.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.extensions() {
		if h, ok := e.(JobStarted); ok {
			if err := h.OnJobStarted(ctx, j); err != nil {
				r.logHookError(e, "job_started", err)
			}
		}
	}
}

// EmitJobCompleted notifies JobCompleted extensions.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.extensions() {
		if h, ok := e.(JobCompleted); ok {
			if err := h.OnJobCompleted(ctx, j, elapsed); err != nil {
				r.logHookError(e, "job_completed", err)
			}
		}
	}
}

// EmitJobFailed notifies JobFailed extensions.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.extensions() {
		if h, ok := e.(JobFailed); ok {
			if err := h.OnJobFailed(ctx, j, jobErr); err != nil {
				r.logHookError(e, "job_failed", err)
			}
		}
	}
}

// EmitJobCancelled notifies JobCancelled extensions.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.extensions() {
		if h, ok := e.(JobCancelled); ok {
			if err := h.OnJobCancelled(ctx, j); err != nil {
				r.logHookError(e, "job_cancelled", err)
			}
		}
	}
}

// EmitSessionStopped notifies SessionStopped extensions.
func (r *Registry) EmitSessionStopped(ctx context.Context, j *job.Job, reason job.StopReason) {
	for _, e := range r.extensions() {
		if h, ok := e.(SessionStopped); ok {
			if err := h.OnSessionStopped(ctx, j, reason); err != nil {
				r.logHookError(e, "session_stopped", err)
			}
		}
	}
}

// EmitShutdown notifies Shutdown extensions.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.extensions() {
		if h, ok := e.(Shutdown); ok {
			if err := h.OnShutdown(ctx); err != nil {
				r.logHookError(e, "shutdown", err)
			}
		}
	}
}
