package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job.
// Value object - immutable string enum.
type JobStatus string

const (
	// JobStatusPending is the state of a job accepted but not yet enqueued.
	JobStatusPending JobStatus = "pending"

	// JobStatusQueued means the job is waiting for an eligible robot.
	JobStatusQueued JobStatus = "queued"

	// JobStatusRunning means a robot holds a claim and is executing the job.
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleted is a terminal success state.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed is a terminal failure state.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled is a terminal state for operator-cancelled jobs.
	JobStatusCancelled JobStatus = "cancelled"

	// JobStatusTimeout is a terminal state for jobs that exceeded their
	// execution timeout.
	JobStatusTimeout JobStatus = "timeout"
)

// jobTransitions is the complete edge set of the job state machine.
// Terminal states have no outgoing edges: retrying a finished job creates a
// brand-new job instead of resurrecting the old row.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout, JobStatusQueued},
}

// NewJobStatus validates and creates a JobStatus.
func NewJobStatus(s string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(s))

	switch status {
	case JobStatusPending, JobStatusQueued, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidStatus, s)
	}
}

// Terminal reports whether the status is final. Terminal jobs never change
// state again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobPriority represents the scheduling weight of a job.
// Value object - immutable string enum.
type JobPriority string

const (
	JobPriorityLow      JobPriority = "LOW"
	JobPriorityNormal   JobPriority = "NORMAL"
	JobPriorityHigh     JobPriority = "HIGH"
	JobPriorityCritical JobPriority = "CRITICAL"
)

// NewJobPriority validates and creates a JobPriority.
// An empty string defaults to NORMAL.
func NewJobPriority(s string) (JobPriority, error) {
	if s == "" {
		return JobPriorityNormal, nil
	}

	priority := JobPriority(strings.ToUpper(s))

	switch priority {
	case JobPriorityLow, JobPriorityNormal, JobPriorityHigh, JobPriorityCritical:
		return priority, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidPriority, s)
	}
}

// Weight returns the numeric ordering weight of the priority.
// Higher weights dispatch first.
func (p JobPriority) Weight() int {
	switch p {
	case JobPriorityCritical:
		return 4
	case JobPriorityHigh:
		return 3
	case JobPriorityNormal:
		return 2
	case JobPriorityLow:
		return 1
	default:
		return 0
	}
}

// PriorityFromWeight maps a stored numeric weight back to its JobPriority.
// Unknown weights map to NORMAL.
func PriorityFromWeight(w int) JobPriority {
	switch w {
	case 4:
		return JobPriorityCritical
	case 3:
		return JobPriorityHigh
	case 1:
		return JobPriorityLow
	default:
		return JobPriorityNormal
	}
}

// Defaults applied at submission when the caller leaves the fields unset.
const (
	// DefaultVisibilityTimeout is the claim lease length between heartbeats.
	DefaultVisibilityTimeout = 30 * time.Second

	// DefaultExecutionTimeout is the total wall-clock budget for one run.
	DefaultExecutionTimeout = time.Hour

	// DedupWindow is how long a fingerprint blocks duplicate submissions.
	DedupWindow = 5 * time.Minute

	// MaxProgress is the upper bound of the progress percentage.
	MaxProgress = 100
)

// Job is an aggregate root representing a single workflow execution request.
//
// A job flows through the state machine exactly once. Operators retry a
// failed job by submitting a new one that records its ancestry in
// RetryOfJobID; the original row stays terminal.
type Job struct {
	ID           string
	WorkflowID   string
	WorkflowName string

	// Params is the opaque workflow input, stored and forwarded verbatim.
	Params []byte

	Priority JobPriority
	Status   JobStatus

	// RobotID pins the job to one robot. Empty means any eligible robot.
	RobotID     string
	Environment string

	// ClaimedBy is the robot currently (or last) executing the job. Unlike
	// RobotID it is assignment state, not a routing constraint, and clears
	// when the job is released back to the queue.
	ClaimedBy string

	// ScheduledTime defers dispatch until the given instant.
	// The zero value means the job is dispatchable immediately.
	ScheduledTime time.Time

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMS  int64

	// Execution progress reported by the robot (0-100 plus current node).
	Progress    int
	CurrentNode string

	Result       []byte
	ErrorMessage string

	// RetryOfJobID links a retry back to the job it replaces.
	RetryOfJobID string
	RetryCount   int

	// VisibilityTimeout bounds how long a claim lease survives without a
	// heartbeat before the job becomes claimable again.
	VisibilityTimeout time.Duration

	// ExecutionTimeout bounds total wall-clock execution time. Jobs running
	// longer are force-finished as TIMEOUT.
	ExecutionTimeout time.Duration

	// Fingerprint identifies duplicate submissions of the same work.
	Fingerprint string

	CancelRequested bool
	CancelReason    string
}

// Validate checks the invariants a job must satisfy before entering the queue.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidJob)
	}
	if j.WorkflowID == "" {
		return fmt.Errorf("%w: missing workflow id", ErrInvalidJob)
	}
	if _, err := NewJobPriority(string(j.Priority)); err != nil {
		return err
	}
	if j.Progress < 0 || j.Progress > MaxProgress {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidJob, j.Progress)
	}
	if j.VisibilityTimeout <= 0 {
		return fmt.Errorf("%w: visibility timeout must be positive", ErrInvalidJob)
	}
	if j.ExecutionTimeout <= 0 {
		return fmt.Errorf("%w: execution timeout must be positive", ErrInvalidJob)
	}
	return nil
}

// Transition moves the job to the next status, enforcing the state machine.
func (j *Job) Transition(next JobStatus) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	return nil
}

// Dispatchable reports whether the job may be handed to a robot at now.
// Scheduled jobs stay parked until their scheduled time arrives.
func (j *Job) Dispatchable(now time.Time) bool {
	if j.Status != JobStatusQueued {
		return false
	}
	return j.ScheduledTime.IsZero() || !j.ScheduledTime.After(now)
}

// Clone returns a deep copy safe to hand across goroutines.
func (j *Job) Clone() *Job {
	out := *j
	if j.Params != nil {
		out.Params = make([]byte, len(j.Params))
		copy(out.Params, j.Params)
	}
	if j.Result != nil {
		out.Result = make([]byte, len(j.Result))
		copy(out.Result, j.Result)
	}
	return &out
}
