package domain

import "errors"

// Domain errors shared by the orchestrator, the claim store, and robot agents.

var (
	// ErrJobNotFound indicates the referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrRobotNotFound indicates the referenced robot is not registered.
	ErrRobotNotFound = errors.New("robot not found")

	// ErrScheduleNotFound indicates the referenced schedule does not exist.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrPoolNotFound indicates the referenced robot pool is not configured.
	ErrPoolNotFound = errors.New("robot pool not found")

	// ErrInvalidTransition indicates a status change the job state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrDuplicateJob indicates a submission whose fingerprint matches a
	// recent non-failed job inside the dedup window.
	ErrDuplicateJob = errors.New("duplicate job submission")

	// ErrDuplicateRobot indicates a robot name that is already registered
	// to a different robot id.
	ErrDuplicateRobot = errors.New("robot name already registered")

	// ErrCapacityExceeded indicates the queue or a pool refused more work.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrLeaseLost indicates the caller no longer holds the claim on a job.
	// Robots receiving this must abandon the job without settling it.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrInvalidJob indicates a job that fails submission validation.
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvalidStatus indicates an unknown job status value.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidPriority indicates an unknown job priority value.
	ErrInvalidPriority = errors.New("invalid job priority")

	// ErrInvalidRobotStatus indicates an unknown robot status value.
	ErrInvalidRobotStatus = errors.New("invalid robot status")

	// ErrInvalidFrequency indicates an unknown schedule frequency value.
	ErrInvalidFrequency = errors.New("invalid schedule frequency")

	// ErrInvalidSchedule indicates a schedule that fails validation.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// RetryableError wraps transient errors that callers may retry.
// Only errors wrapped with Transient() are retried; everything else is
// treated as permanent.
//
// Use for: connection loss, lock timeouts, notify channel hiccups.
// Don't use for: validation errors, not found errors, lease loss.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps an error to signal it should be retried.
func Transient(err error) error {
	return RetryableError{Err: err}
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}
