// Package claim defines the durable claim protocol shared by the
// orchestrator engine and robot agents. The store behind the Coordinator
// interface is the single source of truth for job assignment: whoever holds
// the current lease generation on a claim row owns the job, everyone else
// gets domain.ErrLeaseLost.
package claim

import (
	"context"
	"time"

	"github.com/cloudrpa/fleet/internal/domain"
)

// Coordinator manages durable job rows and the claim protocol on top of
// them. All methods are safe for concurrent use by multiple robots and
// orchestrators. Claim operations are atomic so two callers can never own
// the same job at once.
type Coordinator interface {
	// === Job Rows ===

	// InsertJob persists a freshly submitted job.
	InsertJob(ctx context.Context, job *domain.Job) error

	// GetJob loads one job by id.
	// Returns domain.ErrJobNotFound when no row exists.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// ListJobs returns jobs filtered by status, newest first.
	// An empty status list returns every job. Limit 0 means no limit.
	ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.Job, error)

	// ListOpenJobs returns every non-terminal job. The orchestrator calls
	// it once at startup to rebuild its in-memory queue.
	ListOpenJobs(ctx context.Context) ([]*domain.Job, error)

	// UpdateJobProgress applies a progress report. Last writer wins;
	// terminal rows ignore late reports.
	UpdateJobProgress(ctx context.Context, jobID string, progress int, currentNode string) error

	// === Claim Protocol ===

	// ClaimJobs atomically claims up to params.Batch eligible jobs for
	// params.RobotID. Eligible means QUEUED with no live lease, or RUNNING
	// with an expired one, matching the robot's environment and targeting.
	// Every claim bumps the row's lease generation, which fences out any
	// previous holder. Returns an empty slice when nothing is claimable.
	ClaimJobs(ctx context.Context, params ClaimParams) ([]*domain.ClaimedJob, error)

	// ClaimJobByID claims one specific job on behalf of params.RobotID.
	// The orchestrator uses it for push dispatch after strategy selection.
	// Returns nil when the job is not claimable (already owned, wrong
	// state, or not yet due).
	ClaimJobByID(ctx context.Context, jobID string, params ClaimParams) (*domain.ClaimedJob, error)

	// ExtendLease pushes the lease expiry forward without changing the
	// generation. Returns domain.ErrLeaseLost if the claim row is gone or
	// held under a different robot or generation. The returned lease
	// carries the job's cancel-requested flag so heartbeats double as the
	// cancellation signal for poll-only robots.
	ExtendLease(ctx context.Context, jobID, robotID string, generation int64, extension time.Duration) (*domain.Lease, error)

	// Settle finalizes a claimed job: the claim row is deleted and the job
	// row becomes terminal with the reported outcome, all in one
	// transaction. Returns domain.ErrLeaseLost if the caller's generation
	// is stale, leaving the row untouched.
	Settle(ctx context.Context, jobID, robotID string, generation int64, result domain.SettleResult) error

	// ForceSettle finalizes a job regardless of who holds its claim. The
	// orchestrator uses it for execution timeouts, for outcomes reported
	// over HTTP by robots that never held a lease, and for cancelled jobs
	// whose robot is gone. Returns domain.ErrInvalidTransition when the
	// job is already terminal.
	ForceSettle(ctx context.Context, jobID string, result domain.SettleResult) error

	// Release voluntarily gives a RUNNING job back: the claim row is
	// deleted and the job returns to QUEUED with its original creation
	// time, keeping its place in priority order.
	Release(ctx context.Context, jobID string) error

	// ReclaimExpired flips RUNNING jobs whose lease expired back to QUEUED
	// and deletes their claim rows. Returns the reclaimed job ids so the
	// in-memory queue can mirror the release.
	ReclaimExpired(ctx context.Context, now time.Time) ([]string, error)

	// === Cancellation ===

	// RequestCancel cancels PENDING and QUEUED jobs immediately and flags
	// RUNNING jobs for cooperative cancellation. The flag reaches the
	// executing robot on its next heartbeat. Returns
	// domain.ErrInvalidTransition for terminal jobs.
	RequestCancel(ctx context.Context, jobID, reason string) error

	// === Exclusive Execution ===

	// TryAcquireExclusiveRun attempts to take the singleton lease for a
	// run type, e.g. the dispatch loop. Returns (release, true, nil) on
	// success; re-acquiring under the same holderID extends the lease.
	// The lease expires after leaseDuration so a crashed holder frees it.
	TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (release func(), acquired bool, err error)
}

// Registry persists robot and schedule state alongside the job rows. The
// engine replays both at startup; agents upsert their own presence.
type Registry interface {
	// === Robots ===

	// UpsertRobot registers a robot or refreshes its registration.
	UpsertRobot(ctx context.Context, robot *domain.Robot) error

	// UpdateRobotPresence records a presence report: status, load and
	// last-seen timestamp. Metrics ride along as opaque JSON.
	UpdateRobotPresence(ctx context.Context, update RobotPresence) error

	// GetRobots returns every registered robot.
	GetRobots(ctx context.Context) ([]*domain.Robot, error)

	// === Schedules ===

	// SaveSchedule inserts or replaces a schedule row.
	SaveSchedule(ctx context.Context, schedule *domain.Schedule) error

	// DeleteSchedule removes a schedule row.
	// Returns domain.ErrScheduleNotFound when no row exists.
	DeleteSchedule(ctx context.Context, scheduleID string) error

	// GetSchedules returns schedules, optionally only enabled ones.
	GetSchedules(ctx context.Context, enabledOnly bool) ([]*domain.Schedule, error)
}

// Store is the full persistence surface the orchestrator wires up.
type Store interface {
	Coordinator
	Registry
}

// ClaimParams scopes a claim attempt to one robot.
type ClaimParams struct {
	// RobotID becomes the lease holder of every claimed job.
	RobotID string

	// Environment filters jobs to those targeting this environment or
	// none. Empty matches only untargeted jobs.
	Environment string

	// Batch caps how many jobs one call may claim. Values below 1 claim
	// a single job.
	Batch int

	// VisibilityTimeout is the lease length granted to each claim. Zero
	// falls back to the job's own visibility timeout.
	VisibilityTimeout time.Duration

	// Now is the claim instant, injectable for tests. Zero means the
	// store's clock.
	Now time.Time
}

// RobotPresence is one presence report from a robot agent.
type RobotPresence struct {
	RobotID     string
	Status      domain.RobotStatus
	CurrentJobs int
	CPUPercent  float64
	MemPercent  float64
	SeenAt      time.Time
}
