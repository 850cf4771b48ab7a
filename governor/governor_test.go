package governor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/quantops"
	"github.com/xraph/quantops/engine"
	"github.com/xraph/quantops/governor"
	"github.com/xraph/quantops/id"
	"github.com/xraph/quantops/job"
)

// stopRecorder captures governor stop callbacks.
type stopRecorder struct {
	mu      sync.Mutex
	stopped bool
	session id.SessionID
	reason  job.StopReason
	ch      chan struct{}
}

func newStopRecorder() *stopRecorder {
	return &stopRecorder{ch: make(chan struct{})}
}

func (s *stopRecorder) stop(_ context.Context, sessionID id.SessionID, reason job.StopReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.session = sessionID
	s.reason = reason
	close(s.ch)
}

func (s *stopRecorder) wait(t *testing.T, d time.Duration) (id.SessionID, job.StopReason) {
	t.Helper()
	select {
	case <-s.ch:
	case <-time.After(d):
		t.Fatal("governor never stopped the session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.reason
}

func liveRequest(confirmation string) *job.Request {
	return &job.Request{
		Kind:         job.KindLiveSession,
		Strategy:     "trend-follower",
		Symbols:      []string{"BTC-USDT"},
		Confirmation: confirmation,
	}
}

func TestGate(t *testing.T) {
	rec := newStopRecorder()
	g := governor.New(rec.stop, nil)
	defer g.Close()

	tests := []struct {
		name    string
		req     *job.Request
		level   job.PermissionLevel
		wantErr error
	}{
		{"backtest always passes", &job.Request{Kind: job.KindBacktest}, job.PermissionPaperOnly, nil},
		{"paper session always passes", &job.Request{Kind: job.KindPaperSession}, job.PermissionPaperOnly, nil},
		{"live under paper-only", liveRequest(""), job.PermissionPaperOnly, quantops.ErrForbidden},
		{"live without confirmation", liveRequest(""), job.PermissionConfirmRequired, quantops.ErrConfirmationRequired},
		{"live with wrong phrase", liveRequest("yes please"), job.PermissionConfirmRequired, quantops.ErrConfirmationRequired},
		{"live with lowercased phrase", liveRequest("i understand the risks of live trading"), job.PermissionConfirmRequired, quantops.ErrConfirmationRequired},
		{"live with padded phrase", liveRequest(" " + governor.DefaultConfirmationPhrase), job.PermissionConfirmRequired, quantops.ErrConfirmationRequired},
		{"live with exact phrase", liveRequest(governor.DefaultConfirmationPhrase), job.PermissionConfirmRequired, nil},
		{"live under full-autonomous", liveRequest(""), job.PermissionFullAutonomous, nil},
		{"live under unknown level", liveRequest(""), job.PermissionLevel("root"), quantops.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Gate(tt.req, tt.level)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Gate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGate_CustomPhrase(t *testing.T) {
	rec := newStopRecorder()
	g := governor.New(rec.stop, nil, governor.WithConfirmationPhrase("engage"))
	defer g.Close()

	if err := g.Gate(liveRequest("engage"), job.PermissionConfirmRequired); err != nil {
		t.Errorf("Gate(custom phrase) = %v, want nil", err)
	}
	if err := g.Gate(liveRequest(governor.DefaultConfirmationPhrase), job.PermissionConfirmRequired); !errors.Is(err, quantops.ErrConfirmationRequired) {
		t.Errorf("Gate(default phrase) = %v, want ErrConfirmationRequired", err)
	}
}

func TestEvaluate(t *testing.T) {
	limits := job.RiskLimits{
		MaxPositionSizePct: 25,
		MaxDailyLossPct:    5,
		MaxDrawdownPct:     15,
	}

	tests := []struct {
		name     string
		metrics  engine.Metrics
		want     job.StopReason
		breached bool
	}{
		{"all healthy", engine.Metrics{Drawdown: 3, DailyPnlPct: 1, PositionSizePct: 10}, "", false},
		{"drawdown at limit", engine.Metrics{Drawdown: 15}, job.StopAutoDrawdown, true},
		{"drawdown above limit", engine.Metrics{Drawdown: 20}, job.StopAutoDrawdown, true},
		{"daily loss at limit", engine.Metrics{DailyPnlPct: -5}, job.StopAutoLoss, true},
		{"daily profit never trips", engine.Metrics{DailyPnlPct: 8}, "", false},
		{"position size above limit", engine.Metrics{PositionSizePct: 26}, job.StopAutoLoss, true},
		{"position size at limit", engine.Metrics{PositionSizePct: 25}, "", false},
		// Drawdown is evaluated first, so a combined breach reports it.
		{"drawdown beats daily loss", engine.Metrics{Drawdown: 20, DailyPnlPct: -7}, job.StopAutoDrawdown, true},
		{"drawdown beats position size", engine.Metrics{Drawdown: 16, PositionSizePct: 40}, job.StopAutoDrawdown, true},
		{"daily loss beats position size", engine.Metrics{DailyPnlPct: -6, PositionSizePct: 40}, job.StopAutoLoss, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, breached := governor.Evaluate(tt.metrics, limits)
			if breached != tt.breached || reason != tt.want {
				t.Errorf("Evaluate() = (%q, %v), want (%q, %v)", reason, breached, tt.want, tt.breached)
			}
		})
	}
}

func TestEvaluate_ZeroLimitsAreUnset(t *testing.T) {
	metrics := engine.Metrics{Drawdown: 99, DailyPnlPct: -99, PositionSizePct: 99}

	if reason, breached := governor.Evaluate(metrics, job.RiskLimits{}); breached {
		t.Errorf("Evaluate(no limits) = (%q, true), want no breach", reason)
	}
}

func TestWatch_StopsOnBreach(t *testing.T) {
	rec := newStopRecorder()
	var recorded sync.Map
	record := func(sessionID id.SessionID, m job.LiveMetrics) {
		recorded.Store(sessionID.String(), m)
	}

	g := governor.New(rec.stop, record, governor.WithInterval(5*time.Millisecond))
	defer g.Close()

	sessionID := id.NewSessionID()
	g.Watch(sessionID, job.RiskLimits{MaxDrawdownPct: 15}, func(context.Context) (engine.Metrics, error) {
		return engine.Metrics{Equity: 9000, Drawdown: 18}, nil
	})

	gotID, reason := rec.wait(t, time.Second)
	if gotID != sessionID {
		t.Errorf("stopped session = %v, want %v", gotID, sessionID)
	}
	if reason != job.StopAutoDrawdown {
		t.Errorf("stop reason = %q, want %q", reason, job.StopAutoDrawdown)
	}

	// The breaching sample was still recorded before the stop.
	if _, ok := recorded.Load(sessionID.String()); !ok {
		t.Error("breaching metrics sample was not recorded")
	}
}

func TestWatch_HealthySessionKeepsRunning(t *testing.T) {
	rec := newStopRecorder()
	g := governor.New(rec.stop, nil, governor.WithInterval(5*time.Millisecond))
	defer g.Close()

	sessionID := id.NewSessionID()
	g.Watch(sessionID, job.RiskLimits{MaxDrawdownPct: 15}, func(context.Context) (engine.Metrics, error) {
		return engine.Metrics{Drawdown: 2}, nil
	})

	select {
	case <-rec.ch:
		t.Fatal("healthy session was stopped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatch_MetricsOutageGrace(t *testing.T) {
	rec := newStopRecorder()
	g := governor.New(rec.stop, nil,
		governor.WithInterval(5*time.Millisecond),
		governor.WithGraceIntervals(3),
	)
	defer g.Close()

	var mu sync.Mutex
	fetches := 0
	sessionID := id.NewSessionID()
	g.Watch(sessionID, job.RiskLimits{MaxDrawdownPct: 15}, func(context.Context) (engine.Metrics, error) {
		mu.Lock()
		fetches++
		mu.Unlock()
		return engine.Metrics{}, errors.New("engine unreachable")
	})

	_, reason := rec.wait(t, time.Second)
	if reason != job.StopError {
		t.Errorf("stop reason = %q, want %q", reason, job.StopError)
	}

	mu.Lock()
	defer mu.Unlock()
	if fetches < 3 {
		t.Errorf("fetches before stop = %d, want at least the grace budget of 3", fetches)
	}
}

func TestWatch_OutageRecoveryResetsGrace(t *testing.T) {
	rec := newStopRecorder()
	g := governor.New(rec.stop, nil,
		governor.WithInterval(5*time.Millisecond),
		governor.WithGraceIntervals(3),
	)
	defer g.Close()

	// Fail twice, recover, fail twice, recover: never three in a row.
	var mu sync.Mutex
	calls := 0
	g.Watch(id.NewSessionID(), job.RiskLimits{MaxDrawdownPct: 15}, func(context.Context) (engine.Metrics, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n%3 == 0 {
			return engine.Metrics{Drawdown: 1}, nil
		}
		return engine.Metrics{}, errors.New("engine unreachable")
	})

	select {
	case <-rec.ch:
		t.Fatal("session stopped despite recovering within the grace budget")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnwatch_StopsSupervision(t *testing.T) {
	rec := newStopRecorder()
	g := governor.New(rec.stop, nil, governor.WithInterval(5*time.Millisecond))
	defer g.Close()

	sessionID := id.NewSessionID()
	g.Watch(sessionID, job.RiskLimits{MaxDrawdownPct: 15}, func(context.Context) (engine.Metrics, error) {
		return engine.Metrics{Drawdown: 99}, nil
	})
	g.Unwatch(sessionID)
	g.Unwatch(sessionID) // idempotent

	select {
	case <-rec.ch:
		t.Fatal("unwatched session was stopped")
	case <-time.After(50 * time.Millisecond):
	}
}
