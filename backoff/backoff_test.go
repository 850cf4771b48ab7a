package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/quantops/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestLinear_GrowsLinearlyAndCaps(t *testing.T) {
	l := backoff.NewLinear(time.Second, 5*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{5, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(100*time.Millisecond, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1600 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(100*time.Millisecond, 5*time.Second)

	// 100ms * 2^6 = 6.4s > 5s cap.
	if got := e.Delay(7); got != 5*time.Second {
		t.Errorf("Delay(7) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
	if got := e.Delay(50); got != 5*time.Second {
		t.Errorf("Delay(50) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
}

func TestExponential_ZeroFactorDefaultsToDoubling(t *testing.T) {
	e := &backoff.Exponential{Initial: time.Second, Max: time.Hour}

	if got := e.Delay(3); got != 4*time.Second {
		t.Errorf("Delay(3) = %v, want %v", got, 4*time.Second)
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 10*time.Second)

	for attempt := 1; attempt <= 6; attempt++ {
		for range 100 {
			got := e.Delay(attempt)
			if got < 0 {
				t.Errorf("Delay(%d) = %v, should be >= 0", attempt, got)
			}
			if got > 10*time.Second {
				t.Errorf("Delay(%d) = %v, should be <= %v", attempt, got, 10*time.Second)
			}
		}
	}
}

func TestExponentialWithJitter_ProducesVariance(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, time.Minute)

	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[e.Delay(3)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected variance in jitter, got only %d distinct values", len(seen))
	}
}

func TestDefaultPollStrategy_RampsFrom100msTo5s(t *testing.T) {
	s := backoff.DefaultPollStrategy()
	if s == nil {
		t.Fatal("DefaultPollStrategy() returned nil")
	}

	if got := s.Delay(1); got != 100*time.Millisecond {
		t.Errorf("Delay(1) = %v, want %v", got, 100*time.Millisecond)
	}
	if got := s.Delay(100); got != 5*time.Second {
		t.Errorf("Delay(100) = %v, want %v", got, 5*time.Second)
	}
}
