// Package cache defines the fingerprint-keyed result cache contract with
// single-flight semantics: at most one in-flight execution per
// fingerprint, and completed results served to later callers until they
// expire or are invalidated.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xraph/quantops/id"
)

// Entry associates a fingerprint with the job executing (or having
// executed) it.
type Entry struct {
	Fingerprint string          `json:"fingerprint"`
	JobID       id.JobID        `json:"job_id"`
	Result      json.RawMessage `json:"result,omitempty"`

	// Completed is false while the owning job is still in flight.
	Completed bool `json:"completed"`

	// ExpiresAt bounds how long a completed result is served. Zero for
	// in-flight reservations, which live until completed or invalidated.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether a completed entry's TTL has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	return e.Completed && !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store defines the cache persistence contract. Implementations must make
// GetOrCreate atomic: concurrent callers with the same fingerprint must
// observe exactly one reservation.
type Store interface {
	// GetOrCreate returns the job ID of a live or cached entry for the
	// fingerprint with isNew=false, or atomically reserves the
	// fingerprint for jobID and returns isNew=true, making the caller
	// responsible for creating the job. Expired entries are evicted on
	// the way in.
	GetOrCreate(ctx context.Context, fingerprint string, jobID id.JobID) (existing id.JobID, isNew bool, err error)

	// Complete stores the result for a reserved fingerprint and starts
	// its TTL. Called once when the owning job completes.
	Complete(ctx context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) error

	// Invalidate removes the entry for a fingerprint. Used for failed or
	// cancelled jobs (failures are not memoized) and when underlying
	// data changes.
	Invalidate(ctx context.Context, fingerprint string) error

	// Get returns the entry for a fingerprint, or
	// quantops.ErrEntryNotFound when absent or expired.
	Get(ctx context.Context, fingerprint string) (*Entry, error)
}
