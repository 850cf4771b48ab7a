// Package registry implements the job registry: the single entry point
// for submitting, polling, awaiting, and cancelling operations. It owns
// the job state machine and composes the rate limiter, result cache,
// backoff poller, and safety governor around the external engine client.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/quantops"
	"github.com/xraph/quantops/backoff"
	"github.com/xraph/quantops/cache"
	"github.com/xraph/quantops/engine"
	"github.com/xraph/quantops/governor"
	"github.com/xraph/quantops/hook"
	"github.com/xraph/quantops/id"
	"github.com/xraph/quantops/job"
	"github.com/xraph/quantops/ratelimit"
)

// track is the registry's handle on one active job. Its mutex serializes
// all mutation of that job's record, so state transitions for a single
// job are totally ordered without a global lock across unrelated jobs.
type track struct {
	mu          sync.Mutex
	cancelRun   context.CancelFunc
	fingerprint string
	kind        job.Kind

	// finalized flips exactly once, on the terminal transition. It
	// guards the single rate-limiter release and cache resolution.
	finalized bool
}

// Registry is the orchestrator's client-facing component.
type Registry struct {
	cfg    quantops.Config
	engine engine.Client
	store  job.Store
	cache  cache.Store

	limiter *ratelimit.Limiter
	gov     *governor.Governor
	hooks   *hook.Registry
	poller  *backoff.Poller
	logger  *slog.Logger

	defaultPermission job.PermissionLevel
	defaultRisk       job.RiskLimits

	// govOpts collects governor options until New wires the governor.
	govOpts []governor.Option

	mu     sync.Mutex
	active map[string]*track
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore sets the job persistence backend. Required unless the cache
// store also implements job.Store.
func WithStore(s job.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithCacheStore sets the result cache backend. When unset and the job
// store also implements cache.Store (the memory backend does), that
// store is used.
func WithCacheStore(s cache.Store) Option {
	return func(r *Registry) { r.cache = s }
}

// WithLimiter replaces the rate limiter built from Config.Rates.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(r *Registry) { r.limiter = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithExtension registers a lifecycle hook extension.
func WithExtension(e hook.Extension) Option {
	return func(r *Registry) { r.hooks.Register(e) }
}

// WithGovernorOptions forwards options to the safety governor, e.g.
// governor.WithConfirmationPhrase.
func WithGovernorOptions(opts ...governor.Option) Option {
	return func(r *Registry) { r.govOpts = append(r.govOpts, opts...) }
}

// New creates a Registry around an engine client. The configuration is
// immutable for the registry's lifetime.
func New(cfg quantops.Config, engineClient engine.Client, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engineClient == nil {
		return nil, fmt.Errorf("quantops: no engine client configured")
	}

	r := &Registry{
		cfg:    cfg,
		engine: engineClient,
		logger: slog.Default(),
		active: make(map[string]*track),
	}
	r.hooks = hook.NewRegistry(r.logger)

	for _, opt := range opts {
		opt(r)
	}

	if r.store == nil {
		return nil, quantops.ErrNoStore
	}
	if r.cache == nil {
		cs, ok := r.store.(cache.Store)
		if !ok {
			return nil, fmt.Errorf("quantops: job store does not implement cache.Store; use WithCacheStore")
		}
		r.cache = cs
	}

	level, err := job.ParsePermissionLevel(cfg.PermissionLevel)
	if err != nil {
		return nil, fmt.Errorf("quantops: permission level %q: %w", cfg.PermissionLevel, err)
	}
	r.defaultPermission = level
	r.defaultRisk = job.RiskLimits{
		MaxPositionSizePct: cfg.RiskLimits.MaxPositionSizePct,
		MaxDailyLossPct:    cfg.RiskLimits.MaxDailyLossPct,
		MaxDrawdownPct:     cfg.RiskLimits.MaxDrawdownPct,
	}

	if r.limiter == nil {
		configs := make([]ratelimit.Config, 0, len(cfg.Rates))
		for kind, rc := range cfg.Rates {
			configs = append(configs, ratelimit.Config{
				Kind:          job.Kind(kind),
				MaxConcurrent: rc.MaxConcurrent,
				MaxPerWindow:  rc.MaxPerWindow,
				Window:        rc.Window,
				RateLimit:     rc.RateLimit,
				RateBurst:     rc.RateBurst,
			})
		}
		r.limiter = ratelimit.NewLimiter(configs...)
	}

	r.poller = backoff.NewPoller(
		backoff.WithStrategy(&backoff.Exponential{
			Initial: cfg.PollInitialInterval,
			Max:     cfg.PollMaxInterval,
			Factor:  2,
		}),
		backoff.WithMaxTransientRetries(cfg.MaxTransientRetries),
		backoff.WithRetryable(engine.IsTransient),
	)

	govOpts := append([]governor.Option{
		governor.WithInterval(cfg.SuperviseInterval),
		governor.WithGraceIntervals(cfg.MetricsGraceIntervals),
		governor.WithLogger(r.logger),
	}, r.govOpts...)
	r.gov = governor.New(r.governorStop, r.recordMetrics, govOpts...)

	return r, nil
}

// Submit validates, gates, deduplicates, and admits a request, then
// creates a pending job and hands it to the poll loop asynchronously.
// Policy and validation failures surface before any job is created or
// rate slot consumed, so a rejected request leaves no trace behind.
// A deduplicated submission only returns an ID once the job record
// behind the reservation exists, so every returned ID is pollable.
func (r *Registry) Submit(ctx context.Context, req *job.Request) (id.JobID, error) {
	if err := req.Validate(); err != nil {
		return id.Nil, err
	}

	level := req.Permission
	if level == "" {
		level = r.defaultPermission
	} else if _, err := job.ParsePermissionLevel(string(level)); err != nil {
		return id.Nil, fmt.Errorf("%w: unknown permission level %q", quantops.ErrValidation, level)
	}
	if err := r.gov.Gate(req, level); err != nil {
		return id.Nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return id.Nil, quantops.ErrStoreClosed
	}
	r.mu.Unlock()

	fingerprint := req.Fingerprint()
	newID := newIDForKind(req.Kind)

	for {
		ownerID, isNew, err := r.cache.GetOrCreate(ctx, fingerprint, newID)
		if err != nil {
			return id.Nil, fmt.Errorf("quantops: reserve fingerprint: %w", err)
		}
		if isNew {
			break
		}

		ownerID, existing, confirmed, err := r.confirmOwner(ctx, fingerprint, ownerID)
		if err != nil {
			return id.Nil, err
		}
		if !confirmed {
			// The owner rolled its reservation back before a job record
			// existed (throttled, or job creation failed). Contend for
			// the fingerprint again.
			continue
		}
		if existing != nil {
			r.hooks.EmitJobDeduplicated(ctx, fingerprint, existing)
		}
		r.logger.Debug("request deduplicated",
			slog.String("fingerprint", fingerprint),
			slog.String("job_id", ownerID.String()),
		)
		return ownerID, nil
	}

	if !r.limiter.TryAcquire(req.Kind) {
		// Release the reservation so a later submission is not blocked
		// by a job that was never created.
		if invErr := r.cache.Invalidate(ctx, fingerprint); invErr != nil {
			r.logger.Warn("failed to release fingerprint after throttle",
				slog.String("fingerprint", fingerprint),
				slog.String("error", invErr.Error()),
			)
		}
		r.hooks.EmitJobThrottled(ctx, req.Kind)
		return id.Nil, quantops.ErrThrottled
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:      quantops.NewEntity(),
		ID:          newID,
		Kind:        req.Kind,
		Fingerprint: fingerprint,
		State:       job.StatePending,
		SubmittedAt: now,
		Deadline:    now.Add(r.cfg.RequestTimeout),
	}
	if j.IsSession() {
		j.Permission = level
		if req.Risk != nil {
			j.Risk = *req.Risk
		} else {
			j.Risk = r.defaultRisk
		}
	}

	runCtx, cancelRun := context.WithDeadline(context.Background(), j.Deadline)
	t := &track{
		cancelRun:   cancelRun,
		fingerprint: fingerprint,
		kind:        j.Kind,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancelRun()
		r.limiter.Release(req.Kind)
		_ = r.cache.Invalidate(ctx, fingerprint)
		return id.Nil, quantops.ErrStoreClosed
	}
	r.active[j.ID.String()] = t
	r.mu.Unlock()

	// The job record is written only after the last rollback point. Once
	// it exists it is never deleted, so any ID a caller holds stays
	// pollable for the registry's lifetime.
	if err := r.store.CreateJob(ctx, j); err != nil {
		r.untrack(j.ID)
		cancelRun()
		r.limiter.Release(req.Kind)
		_ = r.cache.Invalidate(ctx, fingerprint)
		return id.Nil, fmt.Errorf("quantops: create job: %w", err)
	}

	r.wg.Add(1)
	go r.run(runCtx, j.ID, req)

	r.hooks.EmitJobSubmitted(ctx, j)
	r.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", string(j.Kind)),
		slog.String("fingerprint", fingerprint),
	)
	return j.ID, nil
}

// confirmOwner resolves a foreign fingerprint reservation to a job the
// caller can poll. The reservation owner writes its job record right
// after reserving, so this normally succeeds on the first store read.
// When the owner instead rolls the reservation back (throttled, or job
// creation failed), the entry vanishes and confirmed=false tells Submit
// to contend for the fingerprint again. A deduplicated caller is
// therefore never handed an ID that no job record will ever carry.
func (r *Registry) confirmOwner(ctx context.Context, fingerprint string, ownerID id.JobID) (id.JobID, *job.Job, bool, error) {
	for {
		j, err := r.store.GetJob(ctx, ownerID)
		if err == nil {
			return ownerID, j, true, nil
		}
		if !errors.Is(err, quantops.ErrOperationNotFound) {
			return id.Nil, nil, false, err
		}

		entry, err := r.cache.Get(ctx, fingerprint)
		switch {
		case errors.Is(err, quantops.ErrEntryNotFound):
			return id.Nil, nil, false, nil
		case err != nil:
			return id.Nil, nil, false, err
		case entry.Completed:
			// A completed result stays served even when the job record
			// lives in another process.
			return entry.JobID, nil, true, nil
		case entry.JobID.String() != ownerID.String():
			// The reservation changed hands; confirm the new owner.
			ownerID = entry.JobID
			continue
		}

		select {
		case <-ctx.Done():
			return id.Nil, nil, false, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Poll returns a non-blocking snapshot of the job's current state,
// result, and error. Unknown IDs fail with ErrOperationNotFound.
func (r *Registry) Poll(ctx context.Context, jobID id.JobID) (job.Snapshot, error) {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Snapshot{}, err
	}
	return j.Snapshot(), nil
}

// Await blocks until the job reaches a terminal state or the timeout
// elapses, re-checking on a fixed interval. It is the only registry call
// that may block its caller.
func (r *Registry) Await(ctx context.Context, jobID id.JobID, timeout time.Duration) (job.Snapshot, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.cfg.AwaitPollInterval)
	defer ticker.Stop()

	for {
		snap, err := r.Poll(ctx, jobID)
		if err != nil {
			return job.Snapshot{}, err
		}
		if snap.State.Terminal() {
			return snap, nil
		}
		if time.Now().After(deadline) {
			return snap, quantops.ErrAwaitTimeout
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation of a job. The first call sets the
// cancel-requested flag and issues a best-effort cancellation to the
// engine; the job transitions to cancelled once the engine acknowledges
// or after the grace period, whichever comes first. Duplicate calls and
// calls on terminal jobs are idempotent no-ops.
func (r *Registry) Cancel(ctx context.Context, jobID id.JobID) error {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}

	var handle engine.Handle
	first := false
	r.withJob(jobID, func(j *job.Job) {
		if j.CancelRequested {
			return
		}
		j.CancelRequested = true
		handle = engine.Handle(j.RemoteHandle)
		first = true
	})
	if !first {
		return nil
	}

	r.logger.Info("cancellation requested", slog.String("job_id", jobID.String()))

	// The acknowledgement wait must not block the caller.
	go r.cancelRemote(jobID, handle)
	return nil
}

// cancelRemote issues the best-effort engine cancellation, bounded by the
// grace period, then forces the local terminal transition. Local
// cancellation wins over any late success from the engine.
func (r *Registry) cancelRemote(jobID id.JobID, handle engine.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CancelGracePeriod)
	defer cancel()

	if handle != "" {
		if err := r.engine.Cancel(ctx, handle); err != nil {
			r.logger.Warn("engine cancellation failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	r.finalize(jobID, job.StateCancelled, func(j *job.Job) {
		if j.IsSession() {
			j.StopReason = job.StopUserRequested
		}
	})
}

// Close stops accepting submissions, shuts down the governor, cancels
// all active poll loops, and waits for them to finish or for ctx to
// expire. In-flight jobs are treated as lost; they are not resumed on
// restart.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	tracks := make([]*track, 0, len(r.active))
	for _, t := range r.active {
		tracks = append(tracks, t)
	}
	r.mu.Unlock()

	r.gov.Close()
	for _, t := range tracks {
		t.cancelRun()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("registry stopped gracefully")
	case <-ctx.Done():
		r.logger.Warn("registry shutdown timed out")
	}

	r.hooks.EmitShutdown(ctx)
	return nil
}

// Hooks returns the extension registry.
func (r *Registry) Hooks() *hook.Registry { return r.hooks }

// Limiter returns the rate limiter.
func (r *Registry) Limiter() *ratelimit.Limiter { return r.limiter }

func newIDForKind(kind job.Kind) id.JobID {
	if kind.IsSession() {
		return id.NewSessionID()
	}
	return id.NewJobID()
}

// tracked returns the track for an active (non-finalized) job, or nil.
func (r *Registry) tracked(jobID id.JobID) *track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[jobID.String()]
}

func (r *Registry) untrack(jobID id.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, jobID.String())
}

// withJob applies a mutation to a job under its per-job lock, skipping
// the write when the job is already terminal.
func (r *Registry) withJob(jobID id.JobID, fn func(j *job.Job)) {
	t := r.tracked(jobID)
	if t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
	}

	ctx := context.Background()
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if j.State.Terminal() {
		return
	}
	fn(j)
	if err := r.store.UpdateJob(ctx, j); err != nil && !errors.Is(err, quantops.ErrOperationNotFound) {
		r.logger.Error("job update failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}
