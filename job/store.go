package job

import (
	"context"

	"github.com/xraph/quantops/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Kind filters by operation kind. Empty means all kinds.
	Kind Kind
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Kind filters by operation kind. Empty means all kinds.
	Kind Kind
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for jobs. Implementations must
// be safe for concurrent use and must copy records across the boundary so
// callers never mutate stored state directly.
type Store interface {
	// CreateJob persists a new job. Fails with quantops.ErrAlreadyExists
	// if the ID is taken.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID. Fails with
	// quantops.ErrOperationNotFound for unknown IDs.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByState returns jobs matching the given state, ordered by
	// submission time ascending.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
