// Package queue implements the in-memory job queue and state machine of the
// orchestrator. It is a fast mirror of the durable store: dispatch decisions
// read it, while the claim store stays the source of truth across restarts.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/cloudrpa/fleet/internal/domain"
)

// StateChangeFunc is invoked synchronously under the queue lock whenever a
// job changes status. Implementations must be fast and must not call back
// into the queue; panics are recovered and logged.
type StateChangeFunc func(job *domain.Job, from, to domain.JobStatus)

// Option configures a Queue.
type Option func(*Queue)

// WithMaxSize caps how many jobs may wait in the queue at once.
// Zero means unbounded.
func WithMaxSize(n int) Option {
	return func(q *Queue) { q.maxSize = n }
}

// WithDedupWindow overrides how long a fingerprint blocks duplicates.
func WithDedupWindow(d time.Duration) Option {
	return func(q *Queue) { q.dedupWindow = d }
}

// WithStateChangeCallback registers the state-change hook.
func WithStateChangeCallback(fn StateChangeFunc) Option {
	return func(q *Queue) { q.onStateChange = fn }
}

// WithClock overrides the queue's clock. Tests use this to control time.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue holds every non-archived job and its ready ordering. A single
// coarse mutex guards all state; operations never do I/O under it.
type Queue struct {
	mu sync.Mutex

	// jobs indexes every known job by id, whatever its status.
	jobs map[string]*domain.Job

	// ready holds QUEUED jobs ordered by (priority desc, created_at asc).
	ready []*domain.Job

	// fingerprints maps the dedup fingerprint of each non-terminal job
	// to its job id.
	fingerprints map[string]string

	maxSize       int
	dedupWindow   time.Duration
	onStateChange StateChangeFunc
	now           func() time.Time
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		jobs:         make(map[string]*domain.Job),
		fingerprints: make(map[string]string),
		dedupWindow:  domain.DedupWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates the job and inserts it in priority order.
// With checkDuplicate set, a submission whose fingerprint matches a
// non-terminal job created inside the dedup window is rejected.
func (q *Queue) Enqueue(job *domain.Job, checkDuplicate bool) error {
	if err := job.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already enqueued", domain.ErrDuplicateJob, job.ID)
	}

	if q.maxSize > 0 && len(q.ready) >= q.maxSize {
		return fmt.Errorf("%w: queue is full (%d jobs)", domain.ErrCapacityExceeded, q.maxSize)
	}

	if checkDuplicate && job.Fingerprint != "" {
		if dupID, ok := q.duplicateOf(job.Fingerprint); ok {
			return fmt.Errorf("%w: matches job %s", domain.ErrDuplicateJob, dupID)
		}
	}

	from := job.Status
	if err := job.Transition(domain.JobStatusQueued); err != nil {
		return err
	}

	stored := job.Clone()
	q.jobs[stored.ID] = stored
	q.insertReady(stored)
	if stored.Fingerprint != "" {
		q.fingerprints[stored.Fingerprint] = stored.ID
	}

	q.fireStateChange(stored, from, domain.JobStatusQueued)
	return nil
}

// duplicateOf reports the blocking job id for a fingerprint, if any.
// Caller holds the lock.
func (q *Queue) duplicateOf(fingerprint string) (string, bool) {
	id, ok := q.fingerprints[fingerprint]
	if !ok {
		return "", false
	}
	existing, ok := q.jobs[id]
	if !ok || existing.Status.Terminal() {
		delete(q.fingerprints, fingerprint)
		return "", false
	}
	if q.now().Sub(existing.CreatedAt) > q.dedupWindow {
		return "", false
	}
	return id, true
}

// insertReady places the job into the ready slice keeping the
// (priority desc, created_at asc) invariant. Caller holds the lock.
func (q *Queue) insertReady(job *domain.Job) {
	at, _ := slices.BinarySearchFunc(q.ready, job, compareReady)
	q.ready = slices.Insert(q.ready, at, job)
}

func compareReady(a, b *domain.Job) int {
	if d := b.Priority.Weight() - a.Priority.Weight(); d != 0 {
		return d
	}
	if d := a.CreatedAt.Compare(b.CreatedAt); d != 0 {
		return d
	}
	return comparePlain(a.ID, b.ID)
}

func comparePlain(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Dequeue pops the highest-priority dispatchable job the robot may run:
// the job is untargeted or targeted at this robot, and its scheduled time
// has arrived. The job stays QUEUED until MarkRunning confirms the claim;
// Release puts it back on conflict.
func (q *Queue) Dequeue(robot *domain.Robot) *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i, job := range q.ready {
		if !job.Dispatchable(now) {
			continue
		}
		if job.RobotID != "" && job.RobotID != robot.ID {
			continue
		}
		q.ready = slices.Delete(q.ready, i, i+1)
		return job.Clone()
	}
	return nil
}

// ReadySnapshot returns clones of every dispatchable QUEUED job in ready
// order. The engine walks this list job-major, matching each job against the
// robot registry before attempting the durable claim.
func (q *Queue) ReadySnapshot() []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	out := make([]*domain.Job, 0, len(q.ready))
	for _, job := range q.ready {
		if !job.Dispatchable(now) {
			continue
		}
		out = append(out, job.Clone())
	}
	return out
}

// Evict removes a job from the queue entirely. It exists for submit
// rollback: when the durable insert fails right after Enqueue, the entry is
// withdrawn so memory and store never disagree about a job's existence.
func (q *Queue) Evict(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return
	}
	q.removeReady(jobID)
	if job.Fingerprint != "" && q.fingerprints[job.Fingerprint] == job.ID {
		delete(q.fingerprints, job.Fingerprint)
	}
	delete(q.jobs, jobID)
}

// MarkRunning transitions a dequeued (or externally claimed) job to RUNNING
// under the given robot. Jobs still in the ready list are removed first, so
// self-claimed jobs reconcile cleanly.
func (q *Queue) MarkRunning(jobID, robotID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if job.Status == domain.JobStatusRunning {
		job.ClaimedBy = robotID
		return nil
	}

	from := job.Status
	if err := job.Transition(domain.JobStatusRunning); err != nil {
		return err
	}

	q.removeReady(jobID)
	job.ClaimedBy = robotID
	job.StartedAt = q.now()
	job.Progress = 0

	q.fireStateChange(job, from, domain.JobStatusRunning)
	return nil
}

// Release returns a job to the waiting pool: a dequeue rollback when the
// claim conflicted, or a RUNNING job whose lease was lost or voluntarily
// given up. Ordering is preserved because created_at never changes.
func (q *Queue) Release(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}

	switch job.Status {
	case domain.JobStatusQueued:
		if !q.inReady(jobID) {
			q.insertReady(job)
		}
		return nil
	case domain.JobStatusRunning:
		from := job.Status
		if err := job.Transition(domain.JobStatusQueued); err != nil {
			return err
		}
		job.ClaimedBy = ""
		job.StartedAt = time.Time{}
		job.Progress = 0
		job.CurrentNode = ""
		q.insertReady(job)
		q.fireStateChange(job, from, domain.JobStatusQueued)
		return nil
	default:
		return fmt.Errorf("%w: cannot release %s job %s", domain.ErrInvalidTransition, job.Status, jobID)
	}
}

// Cancel requests cancellation. QUEUED and PENDING jobs cancel immediately;
// RUNNING jobs only get the cancel-requested flag and finish via
// FinalizeCancel once the executor acknowledges. The returned snapshot
// tells the caller which of the two happened.
func (q *Queue) Cancel(jobID, reason string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidTransition, jobID, job.Status)
	}

	job.CancelRequested = true
	job.CancelReason = reason

	if job.Status == domain.JobStatusRunning {
		return job.Clone(), nil
	}

	from := job.Status
	if err := job.Transition(domain.JobStatusCancelled); err != nil {
		return nil, err
	}
	q.finalize(job)
	q.fireStateChange(job, from, domain.JobStatusCancelled)
	return job.Clone(), nil
}

// FinalizeCancel completes cooperative cancellation of a RUNNING job after
// the executor acknowledged the cancel request.
func (q *Queue) FinalizeCancel(jobID string) error {
	return q.settle(jobID, domain.JobStatusCancelled, nil, "")
}

// Complete finalizes a RUNNING job as COMPLETED with its opaque result.
func (q *Queue) Complete(jobID string, result []byte) error {
	return q.settle(jobID, domain.JobStatusCompleted, result, "")
}

// Fail finalizes a RUNNING job as FAILED.
func (q *Queue) Fail(jobID, errorMessage string) error {
	return q.settle(jobID, domain.JobStatusFailed, nil, errorMessage)
}

func (q *Queue) settle(jobID string, terminal domain.JobStatus, result []byte, errorMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}

	from := job.Status
	if err := job.Transition(terminal); err != nil {
		return err
	}

	job.CompletedAt = q.now()
	if !job.StartedAt.IsZero() {
		job.DurationMS = job.CompletedAt.Sub(job.StartedAt).Milliseconds()
	}
	if result != nil {
		job.Result = result
	}
	if errorMessage != "" {
		job.ErrorMessage = errorMessage
	}
	if terminal == domain.JobStatusCompleted {
		job.Progress = domain.MaxProgress
	}

	q.finalize(job)
	q.fireStateChange(job, from, terminal)
	return nil
}

// finalize clears bookkeeping shared by every terminal transition.
// Caller holds the lock.
func (q *Queue) finalize(job *domain.Job) {
	q.removeReady(job.ID)
	if job.Fingerprint != "" && q.fingerprints[job.Fingerprint] == job.ID {
		delete(q.fingerprints, job.Fingerprint)
	}
}

// UpdateProgress applies a progress report. Last writer wins; terminal jobs
// ignore late reports so a finished status is never disturbed.
func (q *Queue) UpdateProgress(jobID string, progress int, currentNode string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if job.Status.Terminal() {
		return nil
	}

	job.Progress = min(max(progress, 0), domain.MaxProgress)
	if currentNode != "" {
		job.CurrentNode = currentNode
	}
	return nil
}

// CheckTimeouts force-finishes RUNNING jobs whose execution budget expired
// and returns their ids so the engine can release robot capacity.
func (q *Queue) CheckTimeouts() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var expired []string
	for _, job := range q.jobs {
		if job.Status != domain.JobStatusRunning || job.StartedAt.IsZero() {
			continue
		}
		if now.Sub(job.StartedAt) <= job.ExecutionTimeout {
			continue
		}

		from := job.Status
		if err := job.Transition(domain.JobStatusTimeout); err != nil {
			continue
		}
		job.CompletedAt = now
		job.DurationMS = now.Sub(job.StartedAt).Milliseconds()
		job.ErrorMessage = fmt.Sprintf("execution exceeded %s", job.ExecutionTimeout)
		q.finalize(job)
		q.fireStateChange(job, from, domain.JobStatusTimeout)
		expired = append(expired, job.ID)
	}
	return expired
}

// Get returns a snapshot of the job.
func (q *Queue) Get(jobID string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return job.Clone(), nil
}

// List returns snapshots of jobs with the given status, newest first.
// An empty status returns every job. Limit 0 means no limit.
func (q *Queue) List(status domain.JobStatus, limit int) []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats summarizes queue contents.
type Stats struct {
	ByStatus        map[domain.JobStatus]int   `json:"by_status"`
	DepthByPriority map[domain.JobPriority]int `json:"depth_by_priority"`
	Ready           int                        `json:"ready"`
	Total           int                        `json:"total"`
}

// Stats returns counts by status and the ready depth per priority.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		ByStatus:        make(map[domain.JobStatus]int),
		DepthByPriority: make(map[domain.JobPriority]int),
		Ready:           len(q.ready),
		Total:           len(q.jobs),
	}
	for _, job := range q.jobs {
		s.ByStatus[job.Status]++
	}
	for _, job := range q.ready {
		s.DepthByPriority[job.Priority]++
	}
	return s
}

// Restore rebuilds in-memory state from store rows at startup. QUEUED jobs
// rejoin the ready list; RUNNING jobs wait for heartbeats or the reaper;
// non-terminal fingerprints re-arm dedup.
func (q *Queue) Restore(jobs []*domain.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range jobs {
		stored := job.Clone()
		q.jobs[stored.ID] = stored
		if stored.Status == domain.JobStatusQueued {
			q.insertReady(stored)
		}
		if !stored.Status.Terminal() && stored.Fingerprint != "" {
			q.fingerprints[stored.Fingerprint] = stored.ID
		}
	}
}

func (q *Queue) removeReady(jobID string) {
	for i, job := range q.ready {
		if job.ID == jobID {
			q.ready = slices.Delete(q.ready, i, i+1)
			return
		}
	}
}

func (q *Queue) inReady(jobID string) bool {
	for _, job := range q.ready {
		if job.ID == jobID {
			return true
		}
	}
	return false
}

// fireStateChange invokes the callback under the lock, recovering panics so
// a misbehaving hook cannot corrupt queue state. Caller holds the lock.
func (q *Queue) fireStateChange(job *domain.Job, from, to domain.JobStatus) {
	if q.onStateChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(context.Background(), "state change callback panicked",
				"job_id", job.ID,
				"from", from,
				"to", to,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	q.onStateChange(job.Clone(), from, to)
}
