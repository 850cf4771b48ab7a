package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/quantops"
)

// PollFunc performs one side-effect-free status query against the remote
// side. Returning done=true ends the poll loop successfully. A returned
// error is either retried (when the poller's retryable predicate accepts
// it) or aborts the loop immediately.
type PollFunc func(ctx context.Context) (done bool, err error)

// Poller repeatedly invokes a PollFunc with backoff until it reports done,
// a non-retryable error occurs, the transient retry budget is exhausted,
// or the context is cancelled. A Poller is stateless and safe for
// concurrent use; each Run call tracks its own attempt state, so a single
// Run never issues two queries concurrently.
type Poller struct {
	strategy            Strategy
	maxTransientRetries int
	retryable           func(error) bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithStrategy sets the delay strategy. Defaults to DefaultPollStrategy.
func WithStrategy(s Strategy) PollerOption {
	return func(p *Poller) { p.strategy = s }
}

// WithMaxTransientRetries bounds how many consecutive retryable errors a
// single Run absorbs before giving up.
func WithMaxTransientRetries(n int) PollerOption {
	return func(p *Poller) { p.maxTransientRetries = n }
}

// WithRetryable sets the predicate that classifies an error as transient.
// Errors rejected by the predicate abort the poll loop immediately.
// When unset, no error is retried.
func WithRetryable(fn func(error) bool) PollerOption {
	return func(p *Poller) { p.retryable = fn }
}

// NewPoller creates a Poller.
func NewPoller(opts ...PollerOption) *Poller {
	p := &Poller{
		strategy:            DefaultPollStrategy(),
		maxTransientRetries: 5,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run drives fn to completion. The first query happens after the
// strategy's attempt-1 delay; each subsequent query waits the next delay.
// Deadlines are the caller's concern: set one on ctx to bound the loop.
//
// Run returns nil when fn reports done, the context error on
// cancellation or deadline, the fn error when it is not retryable, and
// an error wrapping quantops.ErrRetryBudgetExhausted when too many
// consecutive transient failures occur.
func (p *Poller) Run(ctx context.Context, fn PollFunc) error {
	transient := 0

	for attempt := 1; ; attempt++ {
		if err := p.wait(ctx, p.strategy.Delay(attempt)); err != nil {
			return err
		}

		done, err := fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.retryable == nil || !p.retryable(err) {
				return err
			}
			transient++
			if transient > p.maxTransientRetries {
				return fmt.Errorf("%w after %d attempts: %w",
					quantops.ErrRetryBudgetExhausted, transient, err)
			}
			continue
		}

		// A successful query resets the consecutive-failure budget.
		transient = 0
		if done {
			return nil
		}
	}
}

func (p *Poller) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
