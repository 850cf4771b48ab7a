// Package governor enforces trading-session safety policy: permission
// gating before a session starts, and continuous risk-limit supervision
// with auto-stop while it runs.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/quantops"
	"github.com/xraph/quantops/engine"
	"github.com/xraph/quantops/id"
	"github.com/xraph/quantops/job"
)

// DefaultConfirmationPhrase is the phrase a confirm-required live-session
// request must carry verbatim.
const DefaultConfirmationPhrase = "I understand the risks of live trading"

// StopFunc is the callback the governor uses to stop a session. The
// registry provides the implementation: request engine cancellation, mark
// the stop reason, and transition the session to stopped.
type StopFunc func(ctx context.Context, sessionID id.SessionID, reason job.StopReason)

// RecordFunc publishes a fresh metrics snapshot for a session. The
// governor is the only writer of session metrics.
type RecordFunc func(sessionID id.SessionID, m job.LiveMetrics)

// FetchFunc samples live metrics for one session from the engine.
type FetchFunc func(ctx context.Context) (engine.Metrics, error)

// Option configures a Governor.
type Option func(*Governor)

// WithInterval sets how often running sessions are sampled.
func WithInterval(d time.Duration) Option {
	return func(g *Governor) { g.interval = d }
}

// WithGraceIntervals sets how many consecutive failed metrics fetches are
// tolerated before a session is stopped defensively.
func WithGraceIntervals(n int) Option {
	return func(g *Governor) { g.graceIntervals = n }
}

// WithConfirmationPhrase overrides the required confirmation phrase.
func WithConfirmationPhrase(phrase string) Option {
	return func(g *Governor) { g.phrase = phrase }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// Governor gates session starts and supervises running sessions. One
// supervision goroutine runs per watched session; all stop when the
// session reaches a terminal state, is unwatched, or the governor closes.
type Governor struct {
	stop   StopFunc
	record RecordFunc
	logger *slog.Logger

	interval       time.Duration
	graceIntervals int
	phrase         string

	mu       sync.Mutex
	watched  map[string]chan struct{}
	closedCh chan struct{}
	wg       sync.WaitGroup
}

// New creates a Governor. stop and record are provided by the registry.
func New(stop StopFunc, record RecordFunc, opts ...Option) *Governor {
	g := &Governor{
		stop:           stop,
		record:         record,
		logger:         slog.Default(),
		interval:       30 * time.Second,
		graceIntervals: 3,
		phrase:         DefaultConfirmationPhrase,
		watched:        make(map[string]chan struct{}),
		closedCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Gate decides whether a session request may start under the given
// permission level. Non-live kinds always pass. The confirmation phrase
// comparison is exact string equality: case- and whitespace-sensitive,
// no fuzzy matching.
func (g *Governor) Gate(req *job.Request, level job.PermissionLevel) error {
	if req.Kind != job.KindLiveSession {
		return nil
	}

	switch level {
	case job.PermissionPaperOnly:
		return quantops.ErrForbidden
	case job.PermissionConfirmRequired:
		if req.Confirmation != g.phrase {
			return quantops.ErrConfirmationRequired
		}
		return nil
	case job.PermissionFullAutonomous:
		return nil
	}
	return quantops.ErrForbidden
}

// Watch begins supervising a session. fetch samples its metrics; limits
// are evaluated on every sample. Watching an already-watched session is a
// no-op.
func (g *Governor) Watch(sessionID id.SessionID, limits job.RiskLimits, fetch FetchFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := sessionID.String()
	if _, ok := g.watched[key]; ok {
		return
	}
	done := make(chan struct{})
	g.watched[key] = done

	g.wg.Add(1)
	go g.supervise(sessionID, limits, fetch, done)

	g.logger.Debug("session supervision started",
		slog.String("session_id", key),
		slog.Duration("interval", g.interval),
	)
}

// Unwatch stops supervising a session. Idempotent.
func (g *Governor) Unwatch(sessionID id.SessionID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := sessionID.String()
	if done, ok := g.watched[key]; ok {
		close(done)
		delete(g.watched, key)
	}
}

// Close stops all supervision goroutines and waits for them to finish.
func (g *Governor) Close() {
	g.mu.Lock()
	select {
	case <-g.closedCh:
	default:
		close(g.closedCh)
	}
	for key, done := range g.watched {
		close(done)
		delete(g.watched, key)
	}
	g.mu.Unlock()

	g.wg.Wait()
}

// supervise is the per-session loop: sample metrics on a fixed interval,
// evaluate risk limits, and stop the session on the first breach.
func (g *Governor) supervise(sessionID id.SessionID, limits job.RiskLimits, fetch FetchFunc, done chan struct{}) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	consecutiveFailures := 0

	for {
		select {
		case <-done:
			return
		case <-g.closedCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.interval)
		m, err := fetch(ctx)
		cancel()

		if err != nil {
			consecutiveFailures++
			g.logger.Warn("session metrics fetch failed",
				slog.String("session_id", sessionID.String()),
				slog.Int("consecutive", consecutiveFailures),
				slog.String("error", err.Error()),
			)
			// A metrics outage is not itself a risk breach, but flying
			// blind past the grace budget is.
			if consecutiveFailures >= g.graceIntervals {
				g.stopSession(sessionID, job.StopError)
				return
			}
			continue
		}
		consecutiveFailures = 0

		snapshot := job.LiveMetrics{
			Equity:          m.Equity,
			Drawdown:        m.Drawdown,
			DailyPnlPct:     m.DailyPnlPct,
			PositionSizePct: m.PositionSizePct,
			FetchedAt:       time.Now().UTC(),
		}
		if g.record != nil {
			g.record(sessionID, snapshot)
		}

		if reason, breached := Evaluate(m, limits); breached {
			g.logger.Warn("risk limit breached",
				slog.String("session_id", sessionID.String()),
				slog.String("stop_reason", string(reason)),
				slog.Float64("drawdown", m.Drawdown),
				slog.Float64("daily_pnl_pct", m.DailyPnlPct),
				slog.Float64("position_size_pct", m.PositionSizePct),
			)
			g.stopSession(sessionID, reason)
			return
		}
	}
}

func (g *Governor) stopSession(sessionID id.SessionID, reason job.StopReason) {
	// Deregister before calling back so Unwatch from the registry's stop
	// path cannot deadlock or double-close.
	g.mu.Lock()
	delete(g.watched, sessionID.String())
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g.stop(ctx, sessionID, reason)
}

// Evaluate checks limits against a metrics sample in fixed priority
// order: drawdown, then daily loss, then position size. The first match
// wins, so the stop reason for a given metrics vector is deterministic.
// Zero-valued limits are treated as unset and skipped.
func Evaluate(m engine.Metrics, limits job.RiskLimits) (job.StopReason, bool) {
	if limits.MaxDrawdownPct > 0 && m.Drawdown >= limits.MaxDrawdownPct {
		return job.StopAutoDrawdown, true
	}

	dailyLossPct := -m.DailyPnlPct
	if limits.MaxDailyLossPct > 0 && dailyLossPct >= limits.MaxDailyLossPct {
		return job.StopAutoLoss, true
	}

	// An oversized position is a limit breach, not merely a warning.
	if limits.MaxPositionSizePct > 0 && m.PositionSizePct > limits.MaxPositionSizePct {
		return job.StopAutoLoss, true
	}

	return "", false
}
