package jobs

import "errors"

// Sentinel errors returned by the scheduler. Handlers map these onto HTTP
// status codes; everything else surfaces as an internal error.
var (
	// ErrInvalidRequest means the export type, format, or filter payload
	// was rejected at submission.
	ErrInvalidRequest = errors.New("invalid export request")

	// ErrNotFound means no job exists with the given ID.
	ErrNotFound = errors.New("export job not found")

	// ErrForbidden means the job belongs to another principal.
	ErrForbidden = errors.New("export job belongs to another principal")

	// ErrInvalidState means the requested transition is not allowed from
	// the job's current state.
	ErrInvalidState = errors.New("export job is in a terminal state")

	// ErrNotReady means the job has not completed, so there is nothing to
	// download yet.
	ErrNotReady = errors.New("export job has not completed")

	// ErrGone means the job completed but its artifact has been reclaimed
	// or lost.
	ErrGone = errors.New("export artifact is no longer available")

	// ErrCancelled is the cancellation cause delivered to a running job's
	// context, letting workers tell a user cancel from a deadline.
	ErrCancelled = errors.New("export job cancelled")
)
