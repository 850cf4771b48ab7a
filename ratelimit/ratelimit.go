// Package ratelimit bounds operation admission per kind: a concurrency
// ceiling, a lazily pruned sliding-window ceiling, and an optional
// sustained token-bucket rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/quantops/job"
)

// Config defines the admission ceilings for a single operation kind.
type Config struct {
	// Kind is the operation kind these ceilings apply to.
	Kind job.Kind

	// MaxConcurrent limits how many operations of this kind may be in
	// flight simultaneously. Zero means no concurrency limit.
	MaxConcurrent int

	// MaxPerWindow limits admissions within Window. Zero disables it.
	MaxPerWindow int

	// Window is the sliding-window length for MaxPerWindow.
	Window time.Duration

	// RateLimit is the maximum sustained admissions per second that may
	// pass the token bucket. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 if
	// RateLimit is set but RateBurst is zero.
	RateBurst int
}

// kindState tracks runtime accounting for a single kind.
type kindState struct {
	config   Config
	limiter  *rate.Limiter
	inFlight int
	window   []time.Time
}

func newKindState(cfg Config) *kindState {
	ks := &kindState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ks.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ks
}

// Limiter is the admission arbiter. Accounting is linearizable across all
// kinds: one shared mutex, per-kind counters. Kinds without a Config have
// no limits. Safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	kinds map[job.Kind]*kindState
}

// NewLimiter creates a Limiter with the given per-kind configurations.
func NewLimiter(configs ...Config) *Limiter {
	l := &Limiter{kinds: make(map[job.Kind]*kindState, len(configs))}
	for _, cfg := range configs {
		l.kinds[cfg.Kind] = newKindState(cfg)
	}
	return l
}

// TryAcquire atomically checks all ceilings for the kind. On success it
// increments the in-flight count, records a window timestamp, and returns
// true. On refusal it returns false without side effects: expired window
// entries are pruned, but no counter moves and no token is consumed
// unless every other check already passed.
func (l *Limiter) TryAcquire(kind job.Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ks := l.kinds[kind]
	if ks == nil {
		return true
	}

	now := time.Now()
	ks.prune(now)

	if ks.config.MaxConcurrent > 0 && ks.inFlight >= ks.config.MaxConcurrent {
		return false
	}
	if ks.config.MaxPerWindow > 0 && len(ks.window) >= ks.config.MaxPerWindow {
		return false
	}
	// The token bucket is consulted last so a refusal elsewhere never
	// consumes a token.
	if ks.limiter != nil && !ks.limiter.Allow() {
		return false
	}

	ks.inFlight++
	if ks.config.MaxPerWindow > 0 {
		ks.window = append(ks.window, now)
	}
	return true
}

// Release decrements the in-flight count for the kind. The registry calls
// it exactly once per admitted job, on reaching any terminal state.
func (l *Limiter) Release(kind job.Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ks := l.kinds[kind]; ks != nil && ks.inFlight > 0 {
		ks.inFlight--
	}
}

// InFlight returns the current in-flight count for a kind.
func (l *Limiter) InFlight(kind job.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ks := l.kinds[kind]; ks != nil {
		return ks.inFlight
	}
	return 0
}

// SetConfig dynamically updates (or creates) a kind configuration,
// preserving the current in-flight count.
func (l *Limiter) SetConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ks := newKindState(cfg)
	if existing := l.kinds[cfg.Kind]; existing != nil {
		ks.inFlight = existing.inFlight
		ks.window = existing.window
	}
	l.kinds[cfg.Kind] = ks
}

// prune drops window entries older than the configured window. Called
// lazily on each TryAcquire rather than by a background timer, so an
// idle limiter causes no wake-ups.
func (ks *kindState) prune(now time.Time) {
	if ks.config.Window <= 0 || len(ks.window) == 0 {
		return
	}
	cutoff := now.Add(-ks.config.Window)
	i := 0
	for i < len(ks.window) && !ks.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ks.window = append(ks.window[:0], ks.window[i:]...)
	}
}
