package quantops

import "errors"

var (
	// Admission errors.
	ErrThrottled = errors.New("quantops: operation throttled")

	// Policy errors.
	ErrForbidden            = errors.New("quantops: operation forbidden by permission level")
	ErrConfirmationRequired = errors.New("quantops: confirmation phrase required")

	// Validation errors.
	ErrValidation = errors.New("quantops: invalid request")

	// Not found errors.
	ErrOperationNotFound = errors.New("quantops: operation not found")
	ErrEntryNotFound     = errors.New("quantops: cache entry not found")

	// Deadline errors.
	ErrTimeout      = errors.New("quantops: operation deadline exceeded")
	ErrAwaitTimeout = errors.New("quantops: await timed out before terminal state")

	// State errors.
	ErrInvalidTransition = errors.New("quantops: invalid state transition")
	ErrAlreadyExists     = errors.New("quantops: operation already exists")

	// Retry errors.
	ErrRetryBudgetExhausted = errors.New("quantops: transient retry budget exhausted")

	// Store errors.
	ErrNoStore     = errors.New("quantops: no store configured")
	ErrStoreClosed = errors.New("quantops: store closed")
)
