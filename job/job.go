package job

import (
	"encoding/json"
	"time"

	"github.com/xraph/quantops"
	"github.com/xraph/quantops/id"
)

// Kind identifies the type of operation a job represents.
type Kind string

const (
	// KindBacktest runs a strategy against historical data.
	KindBacktest Kind = "backtest"
	// KindOptimization searches strategy hyperparameters.
	KindOptimization Kind = "optimization"
	// KindDataImport imports historical candles from an exchange.
	KindDataImport Kind = "data-import"
	// KindPaperSession is a simulated trading session on live data.
	KindPaperSession Kind = "paper-session"
	// KindLiveSession is a real-money trading session.
	KindLiveSession Kind = "live-session"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBacktest, KindOptimization, KindDataImport, KindPaperSession, KindLiveSession:
		return true
	}
	return false
}

// IsSession reports whether jobs of this kind are open-ended trading
// sessions subject to safety supervision.
func (k Kind) IsSession() bool {
	return k == KindPaperSession || k == KindLiveSession
}

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job was admitted but the engine has not yet
	// acknowledged it.
	StatePending State = "pending"
	// StateRunning means the engine acknowledged the job and it is being
	// polled to completion.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully and carries a result.
	StateCompleted State = "completed"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
	// StateStopped means the safety governor terminated a session.
	// Equivalent to cancelled for bookkeeping, but carries a StopReason.
	StateStopped State = "stopped"
)

// Terminal reports whether s is a terminal state. Terminal states are
// never followed by a further transition.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateStopped:
		return true
	}
	return false
}

// CanTransition reports whether the state graph permits moving from s to
// next. Transitions are monotonic: pending → running → terminal, with
// pending also allowed to fail, cancel, or time out directly.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatePending:
		return next == StateRunning || next == StateFailed || next == StateCancelled
	case StateRunning:
		return next.Terminal()
	}
	return false
}

// StopReason records why the safety governor stopped a session.
type StopReason string

const (
	// StopUserRequested means the caller cancelled the session.
	StopUserRequested StopReason = "user-requested"
	// StopAutoLoss means the daily loss or position size limit was breached.
	StopAutoLoss StopReason = "auto-stop-loss"
	// StopAutoDrawdown means the drawdown limit was breached.
	StopAutoDrawdown StopReason = "auto-stop-drawdown"
	// StopError means supervision itself failed for too long and the
	// session was stopped defensively.
	StopError StopReason = "error"
)

// PermissionLevel gates what session kinds a request may start.
type PermissionLevel string

const (
	// PermissionPaperOnly rejects any live-session request.
	PermissionPaperOnly PermissionLevel = "paper-only"
	// PermissionConfirmRequired requires an exact confirmation phrase for
	// live sessions.
	PermissionConfirmRequired PermissionLevel = "confirm-required"
	// PermissionFullAutonomous allows live sessions without confirmation.
	PermissionFullAutonomous PermissionLevel = "full-autonomous"
)

// ParsePermissionLevel converts a configuration string into a
// PermissionLevel. Unknown values are a startup-time error, not a silent
// pass-through.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch PermissionLevel(s) {
	case PermissionPaperOnly, PermissionConfirmRequired, PermissionFullAutonomous:
		return PermissionLevel(s), nil
	}
	return "", quantops.ErrValidation
}

// RiskLimits bounds a trading session. Percentages are of account equity.
type RiskLimits struct {
	MaxPositionSizePct float64 `json:"max_position_size_pct"`
	MaxDailyLossPct    float64 `json:"max_daily_loss_pct"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
}

// LiveMetrics is a snapshot of a running session's account state, owned
// by the safety governor and read-only to everyone else.
type LiveMetrics struct {
	Equity          float64   `json:"equity"`
	Drawdown        float64   `json:"drawdown"`
	DailyPnlPct     float64   `json:"daily_pnl_pct"`
	PositionSizePct float64   `json:"position_size_pct"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Job is the unit of orchestrated work submitted to the external trading
// engine. Session kinds additionally carry permission, risk limit, and
// live metric fields.
//
// The registry is the only writer of State; the safety governor is the
// only writer of Metrics and StopReason. All mutation goes through the
// registry's per-job serialization.
type Job struct {
	quantops.Entity

	ID           id.JobID        `json:"id"`
	Kind         Kind            `json:"kind"`
	Fingerprint  string          `json:"fingerprint"`
	State        State           `json:"state"`
	RemoteHandle string          `json:"remote_handle,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Deadline     time.Time       `json:"deadline"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`

	// CancelRequested is set exactly once; local cancellation wins over a
	// late success reported by the engine.
	CancelRequested bool `json:"cancel_requested"`

	// Session fields. Zero-valued for non-session kinds.
	Permission PermissionLevel `json:"permission,omitempty"`
	Risk       RiskLimits      `json:"risk,omitempty"`
	Metrics    *LiveMetrics    `json:"metrics,omitempty"`
	StopReason StopReason      `json:"stop_reason,omitempty"`
}

// IsSession reports whether this job is a supervised trading session.
func (j *Job) IsSession() bool { return j.Kind.IsSession() }

// Snapshot is a point-in-time, caller-safe copy of a job's observable
// fields, as returned by Poll and Await.
type Snapshot struct {
	ID          id.JobID        `json:"id"`
	Kind        Kind            `json:"kind"`
	Fingerprint string          `json:"fingerprint"`
	State       State           `json:"state"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	StopReason  StopReason      `json:"stop_reason,omitempty"`
	Metrics     *LiveMetrics    `json:"metrics,omitempty"`
}

// Snapshot copies the job's observable fields. Pointer fields are
// deep-copied so callers can hold the snapshot without racing the
// orchestrator.
func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		ID:          j.ID,
		Kind:        j.Kind,
		Fingerprint: j.Fingerprint,
		State:       j.State,
		SubmittedAt: j.SubmittedAt,
		Attempts:    j.Attempts,
		LastError:   j.LastError,
		StopReason:  j.StopReason,
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		s.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		s.FinishedAt = &t
	}
	if len(j.Result) > 0 {
		s.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Metrics != nil {
		m := *j.Metrics
		s.Metrics = &m
	}
	return s
}
