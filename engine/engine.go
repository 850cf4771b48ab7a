// Package engine defines the contract of the external trading engine: the
// out-of-process system that actually executes backtests, optimizations,
// data imports, and trading sessions. The orchestrator only submits work,
// polls status, requests cancellation, and samples session metrics.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xraph/quantops/job"
)

// Handle is the opaque identifier the engine assigns to accepted work.
type Handle string

// Phase is the engine-side lifecycle phase of an operation.
type Phase string

const (
	// PhaseAccepted means the engine queued the operation.
	PhaseAccepted Phase = "accepted"
	// PhaseRunning means the operation is executing.
	PhaseRunning Phase = "running"
	// PhaseSucceeded means the operation finished and carries a payload.
	PhaseSucceeded Phase = "succeeded"
	// PhaseFailed means the operation failed with a reason.
	PhaseFailed Phase = "failed"
)

// Terminal reports whether p is an engine-side terminal phase.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Status is the engine's answer to a status query. Result is populated
// only for PhaseSucceeded, Reason only for PhaseFailed.
type Status struct {
	Phase  Phase           `json:"phase"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Metrics is the engine's live account snapshot for a running session.
type Metrics struct {
	Equity          float64 `json:"equity"`
	Drawdown        float64 `json:"drawdown"`
	DailyPnlPct     float64 `json:"daily_pnl_pct"`
	PositionSizePct float64 `json:"position_size_pct"`
}

// Client is the orchestrator's view of the external trading engine. The
// connection is a stateless, concurrently-safe resource; the rate limiter
// is the sole arbiter of how much load the orchestrator places on it.
type Client interface {
	// Submit hands an operation to the engine and returns its handle.
	Submit(ctx context.Context, req *job.Request) (Handle, error)

	// Status performs one side-effect-free status query.
	Status(ctx context.Context, h Handle) (Status, error)

	// Cancel requests best-effort cancellation of an operation.
	Cancel(ctx context.Context, h Handle) error

	// SessionMetrics samples the live metrics of a running session.
	SessionMetrics(ctx context.Context, h Handle) (Metrics, error)
}

// ErrUnauthorized is returned for authentication failures. Never retried.
var ErrUnauthorized = errors.New("engine: unauthorized")

// TransportError marks a transient failure (connection error, 5xx) that
// the poll loop may retry. Anything not wrapped in a TransportError is
// treated as fatal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
