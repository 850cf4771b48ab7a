// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. It is the default backend: in-flight work does not
// survive a process restart.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/xraph/quantops"
	"github.com/xraph/quantops/cache"
	"github.com/xraph/quantops/id"
	"github.com/xraph/quantops/job"
)

// Compile-time interface checks.
var (
	_ job.Store   = (*Store)(nil)
	_ cache.Store = (*Store)(nil)
)

// Store is an in-memory implementation of job.Store and cache.Store.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*job.Job
	entries map[string]*cache.Entry
	closed  bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		entries: make(map[string]*cache.Entry),
	}
}

// Close marks the store closed. Subsequent calls fail with
// quantops.ErrStoreClosed.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return quantops.ErrStoreClosed
	}
	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return quantops.ErrAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, quantops.ErrStoreClosed
	}
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, quantops.ErrOperationNotFound
	}
	// Return a copy so callers can mutate without racing with the store.
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return quantops.ErrStoreClosed
	}
	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return quantops.ErrOperationNotFound
	}
	cp := *j
	cp.Touch()
	m.jobs[key] = &cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return quantops.ErrStoreClosed
	}
	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return quantops.ErrOperationNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ListJobsByState returns jobs matching the given state, ordered by
// submission time ascending.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, quantops.ErrStoreClosed
	}

	matched := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if state != "" && j.State != state {
			continue
		}
		if opts.Kind != "" && j.Kind != opts.Kind {
			continue
		}
		matched = append(matched, j)
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].SubmittedAt.Before(matched[k].SubmittedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*job.Job{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	result := make([]*job.Job, len(matched))
	for i, j := range matched {
		cp := *j
		result[i] = &cp
	}
	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, quantops.ErrStoreClosed
	}

	var n int64
	for _, j := range m.jobs {
		if opts.Kind != "" && j.Kind != opts.Kind {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		n++
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Cache store
// ──────────────────────────────────────────────────

// GetOrCreate returns the job ID owning the fingerprint, or atomically
// reserves it for jobID.
func (m *Store) GetOrCreate(_ context.Context, fingerprint string, jobID id.JobID) (id.JobID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return id.Nil, false, quantops.ErrStoreClosed
	}

	now := time.Now().UTC()
	if e, ok := m.entries[fingerprint]; ok {
		if !e.Expired(now) {
			return e.JobID, false, nil
		}
		delete(m.entries, fingerprint)
	}

	m.entries[fingerprint] = &cache.Entry{
		Fingerprint: fingerprint,
		JobID:       jobID,
	}
	return jobID, true, nil
}

// Complete stores the result for a reserved fingerprint and starts its TTL.
func (m *Store) Complete(_ context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return quantops.ErrStoreClosed
	}
	e, ok := m.entries[fingerprint]
	if !ok {
		return quantops.ErrEntryNotFound
	}
	e.Result = append(json.RawMessage(nil), result...)
	e.Completed = true
	if ttl > 0 {
		e.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	return nil
}

// Invalidate removes the entry for a fingerprint. Idempotent.
func (m *Store) Invalidate(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return quantops.ErrStoreClosed
	}
	delete(m.entries, fingerprint)
	return nil
}

// Get returns the entry for a fingerprint, evicting it when expired.
func (m *Store) Get(_ context.Context, fingerprint string) (*cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, quantops.ErrStoreClosed
	}
	e, ok := m.entries[fingerprint]
	if !ok {
		return nil, quantops.ErrEntryNotFound
	}
	if e.Expired(time.Now().UTC()) {
		delete(m.entries, fingerprint)
		return nil, quantops.ErrEntryNotFound
	}
	cp := *e
	cp.Result = append(json.RawMessage(nil), e.Result...)
	return &cp, nil
}
