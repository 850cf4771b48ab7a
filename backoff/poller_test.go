package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/quantops"
	"github.com/xraph/quantops/backoff"
)

var errTransient = errors.New("connection reset")

func fastPoller(opts ...backoff.PollerOption) *backoff.Poller {
	base := []backoff.PollerOption{
		backoff.WithStrategy(backoff.NewConstant(time.Millisecond)),
	}
	return backoff.NewPoller(append(base, opts...)...)
}

func TestPoller_DoneEndsLoop(t *testing.T) {
	calls := 0
	p := fastPoller()

	err := p.Run(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("poll calls = %d, want 3", calls)
	}
}

func TestPoller_FatalErrorAbortsImmediately(t *testing.T) {
	fatal := errors.New("no such strategy")
	calls := 0
	p := fastPoller(backoff.WithRetryable(func(err error) bool {
		return errors.Is(err, errTransient)
	}))

	err := p.Run(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("Run() = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("poll calls = %d, want 1 (no retry of fatal errors)", calls)
	}
}

func TestPoller_NoRetryablePredicateMeansNoRetries(t *testing.T) {
	calls := 0
	p := fastPoller()

	err := p.Run(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("Run() = %v, want %v", err, errTransient)
	}
	if calls != 1 {
		t.Errorf("poll calls = %d, want 1", calls)
	}
}

func TestPoller_TransientBudgetExhausted(t *testing.T) {
	calls := 0
	p := fastPoller(
		backoff.WithMaxTransientRetries(3),
		backoff.WithRetryable(func(err error) bool { return errors.Is(err, errTransient) }),
	)

	err := p.Run(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, errTransient
	})
	if !errors.Is(err, quantops.ErrRetryBudgetExhausted) {
		t.Fatalf("Run() = %v, want ErrRetryBudgetExhausted", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("Run() error does not wrap the underlying cause: %v", err)
	}
	// The budget allows 3 retries, so the 4th consecutive failure aborts.
	if calls != 4 {
		t.Errorf("poll calls = %d, want 4", calls)
	}
}

func TestPoller_SuccessResetsTransientBudget(t *testing.T) {
	calls := 0
	p := fastPoller(
		backoff.WithMaxTransientRetries(2),
		backoff.WithRetryable(func(err error) bool { return errors.Is(err, errTransient) }),
	)

	// Two failures, a success, two more failures, then done. The success in
	// the middle must reset the consecutive-failure count, so the budget of
	// 2 is never exceeded.
	script := []struct {
		done bool
		err  error
	}{
		{false, errTransient},
		{false, errTransient},
		{false, nil},
		{false, errTransient},
		{false, errTransient},
		{true, nil},
	}
	err := p.Run(context.Background(), func(context.Context) (bool, error) {
		step := script[calls]
		calls++
		return step.done, step.err
	})
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if calls != len(script) {
		t.Errorf("poll calls = %d, want %d", calls, len(script))
	}
}

func TestPoller_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPoller()

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Run(ctx, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}

func TestPoller_ContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p := fastPoller()

	err := p.Run(ctx, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v, want context.DeadlineExceeded", err)
	}
}
