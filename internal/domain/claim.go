package domain

import "time"

// ClaimedJob pairs a job with the lease the claiming robot holds on it.
//
// LeaseGeneration increments every time the job is claimed. A robot that
// lost its lease keeps a stale generation, so the store can reject its
// settle and heartbeat attempts even after the job was reclaimed.
type ClaimedJob struct {
	Job *Job

	RobotID         string
	ClaimedAt       time.Time
	LeaseExpiresAt  time.Time
	LeaseGeneration int64
}

// Lease is the live view of a claim returned by lease extension. Cancel
// flags piggyback on the heartbeat response so poll-only robots still
// learn about cooperative cancellation.
type Lease struct {
	JobID           string
	RobotID         string
	LeaseGeneration int64
	ExpiresAt       time.Time

	CancelRequested bool
	CancelReason    string
}

// JobOutcome is the settle verdict a robot reports for a finished job.
// Value object - immutable string enum.
type JobOutcome string

const (
	OutcomeCompleted JobOutcome = "completed"
	OutcomeFailed    JobOutcome = "failed"
	OutcomeCancelled JobOutcome = "cancelled"
	OutcomeTimeout   JobOutcome = "timeout"
)

// Status maps the outcome to the terminal job status it produces.
func (o JobOutcome) Status() JobStatus {
	switch o {
	case OutcomeCompleted:
		return JobStatusCompleted
	case OutcomeFailed:
		return JobStatusFailed
	case OutcomeCancelled:
		return JobStatusCancelled
	case OutcomeTimeout:
		return JobStatusTimeout
	default:
		return JobStatusFailed
	}
}

// SettleResult carries what a robot reports when settling a claimed job.
type SettleResult struct {
	Outcome      JobOutcome
	Result       []byte
	ErrorMessage string
	Progress     int
	CurrentNode  string
}
