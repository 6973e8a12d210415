package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudrpa/fleet/internal/domain"
)

func testJob(id string, priority domain.JobPriority, createdAt time.Time) *domain.Job {
	return &domain.Job{
		ID:                id,
		WorkflowID:        "wf-1",
		WorkflowName:      "invoice-sync",
		Params:            []byte(`{"account":"acme"}`),
		Priority:          priority,
		Status:            domain.JobStatusPending,
		CreatedAt:         createdAt,
		VisibilityTimeout: domain.DefaultVisibilityTimeout,
		ExecutionTimeout:  domain.DefaultExecutionTimeout,
	}
}

func testRobot(id string) *domain.Robot {
	return &domain.Robot{
		ID:                id,
		Name:              id,
		Status:            domain.RobotStatusOnline,
		MaxConcurrentJobs: 1,
	}
}

// fixedClock returns a controllable clock. Mutate the pointee to move time.
func fixedClock(at time.Time) (*time.Time, func() time.Time) {
	now := at
	return &now, func() time.Time { return now }
}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q := New()

	require.NoError(t, q.Enqueue(testJob("low", domain.JobPriorityLow, base), false))
	require.NoError(t, q.Enqueue(testJob("critical", domain.JobPriorityCritical, base.Add(time.Second)), false))
	require.NoError(t, q.Enqueue(testJob("normal-old", domain.JobPriorityNormal, base), false))
	require.NoError(t, q.Enqueue(testJob("normal-new", domain.JobPriorityNormal, base.Add(time.Minute)), false))

	robot := testRobot("r1")
	var order []string
	for job := q.Dequeue(robot); job != nil; job = q.Dequeue(robot) {
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"critical", "normal-old", "normal-new", "low"}, order)
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	q := New()
	job := testJob("job-1", domain.JobPriorityNormal, time.Now().UTC())
	job.WorkflowID = ""

	err := q.Enqueue(job, false)
	assert.ErrorIs(t, err, domain.ErrInvalidJob)
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	q := New()
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, now), false))
	err := q.Enqueue(testJob("job-1", domain.JobPriorityNormal, now), false)
	assert.ErrorIs(t, err, domain.ErrDuplicateJob)
}

func TestEnqueueEnforcesMaxSize(t *testing.T) {
	q := New(WithMaxSize(1))
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, now), false))
	err := q.Enqueue(testJob("job-2", domain.JobPriorityNormal, now), false)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestFingerprintDedupWithinWindow(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, clock := fixedClock(base)
	q := New(WithClock(clock), WithDedupWindow(5*time.Minute))

	first := testJob("job-1", domain.JobPriorityNormal, base)
	first.Fingerprint = "fp-invoice-acme"
	require.NoError(t, q.Enqueue(first, true))

	dup := testJob("job-2", domain.JobPriorityNormal, base.Add(time.Second))
	dup.Fingerprint = "fp-invoice-acme"
	err := q.Enqueue(dup, true)
	require.ErrorIs(t, err, domain.ErrDuplicateJob)
	assert.Contains(t, err.Error(), "job-1")

	// Unchecked submissions bypass dedup entirely.
	bypass := testJob("job-3", domain.JobPriorityNormal, base.Add(time.Second))
	bypass.Fingerprint = "fp-invoice-acme"
	require.NoError(t, q.Enqueue(bypass, false))

	// Outside the window the fingerprint no longer blocks.
	*now = base.Add(6 * time.Minute)
	late := testJob("job-4", domain.JobPriorityNormal, *now)
	late.Fingerprint = "fp-invoice-acme"
	assert.NoError(t, q.Enqueue(late, true))
}

func TestFingerprintFreedByTerminalJob(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, clock := fixedClock(base)
	q := New(WithClock(clock))

	first := testJob("job-1", domain.JobPriorityNormal, base)
	first.Fingerprint = "fp-1"
	require.NoError(t, q.Enqueue(first, true))

	require.NoError(t, q.MarkRunning("job-1", "r1"))
	require.NoError(t, q.Complete("job-1", []byte(`{}`)))

	second := testJob("job-2", domain.JobPriorityNormal, base.Add(time.Second))
	second.Fingerprint = "fp-1"
	assert.NoError(t, q.Enqueue(second, true))
}

func TestDequeueHonorsTargeting(t *testing.T) {
	q := New()
	now := time.Now().UTC()

	pinned := testJob("pinned", domain.JobPriorityHigh, now)
	pinned.RobotID = "r2"
	require.NoError(t, q.Enqueue(pinned, false))

	assert.Nil(t, q.Dequeue(testRobot("r1")), "job pinned to r2 must not reach r1")

	got := q.Dequeue(testRobot("r2"))
	require.NotNil(t, got)
	assert.Equal(t, "pinned", got.ID)
}

func TestDequeueHoldsScheduledJobs(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, clock := fixedClock(base)
	q := New(WithClock(clock))

	job := testJob("deferred", domain.JobPriorityNormal, base)
	job.ScheduledTime = base.Add(time.Hour)
	require.NoError(t, q.Enqueue(job, false))

	assert.Nil(t, q.Dequeue(testRobot("r1")))

	*now = base.Add(time.Hour)
	got := q.Dequeue(testRobot("r1"))
	require.NotNil(t, got)
	assert.Equal(t, "deferred", got.ID)
}

func TestMarkRunningThenComplete(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, clock := fixedClock(base)
	q := New(WithClock(clock))

	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, base), false))
	require.NotNil(t, q.Dequeue(testRobot("r1")))
	require.NoError(t, q.MarkRunning("job-1", "r1"))

	running, err := q.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, running.Status)
	assert.Equal(t, "r1", running.ClaimedBy)
	assert.Equal(t, base, running.StartedAt)

	*now = base.Add(90 * time.Second)
	require.NoError(t, q.UpdateProgress("job-1", 60, "upload"))
	require.NoError(t, q.Complete("job-1", []byte(`{"rows":42}`)))

	done, err := q.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, domain.MaxProgress, done.Progress)
	assert.JSONEq(t, `{"rows":42}`, string(done.Result))
	assert.Equal(t, int64(90_000), done.DurationMS)
}

func TestMarkRunningIdempotentForSameClaim(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, time.Now().UTC()), false))

	require.NoError(t, q.MarkRunning("job-1", "r1"))
	require.NoError(t, q.MarkRunning("job-1", "r2"))

	job, err := q.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, "r2", job.ClaimedBy, "latest claim owns the mirror")
}

func TestReleaseRequeuesWithOriginalOrder(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q := New()

	require.NoError(t, q.Enqueue(testJob("older", domain.JobPriorityNormal, base), false))
	require.NoError(t, q.Enqueue(testJob("newer", domain.JobPriorityNormal, base.Add(time.Second)), false))

	require.NoError(t, q.MarkRunning("older", "r1"))
	require.NoError(t, q.Release("older"))

	released, err := q.Get("older")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, released.Status)
	assert.Empty(t, released.ClaimedBy)
	assert.True(t, released.StartedAt.IsZero())

	// created_at never changed, so the released job keeps its place.
	got := q.Dequeue(testRobot("r1"))
	require.NotNil(t, got)
	assert.Equal(t, "older", got.ID)
}

func TestReleaseTerminalJobRejected(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, time.Now().UTC()), false))
	require.NoError(t, q.MarkRunning("job-1", "r1"))
	require.NoError(t, q.Complete("job-1", nil))

	assert.ErrorIs(t, q.Release("job-1"), domain.ErrInvalidTransition)
}

func TestCancelQueuedJobImmediately(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, time.Now().UTC()), false))

	snap, err := q.Cancel("job-1", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, snap.Status)
	assert.True(t, snap.CancelRequested)
	assert.Equal(t, "no longer needed", snap.CancelReason)

	assert.Nil(t, q.Dequeue(testRobot("r1")), "cancelled job must leave the ready list")
}

func TestCancelRunningJobIsCooperative(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, time.Now().UTC()), false))
	require.NoError(t, q.MarkRunning("job-1", "r1"))

	snap, err := q.Cancel("job-1", "operator stop")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, snap.Status, "running jobs only get flagged")
	assert.True(t, snap.CancelRequested)

	require.NoError(t, q.FinalizeCancel("job-1"))
	done, err := q.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, done.Status)
}

func TestCancelTerminalJobRejected(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, time.Now().UTC()), false))
	require.NoError(t, q.MarkRunning("job-1", "r1"))
	require.NoError(t, q.Fail("job-1", "boom"))

	_, err := q.Cancel("job-1", "too late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = q.Cancel("missing", "")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCheckTimeoutsExpiresOverdueJobs(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, clock := fixedClock(base)
	q := New(WithClock(clock))

	quick := testJob("quick", domain.JobPriorityNormal, base)
	quick.ExecutionTimeout = time.Minute
	slow := testJob("roomy", domain.JobPriorityNormal, base)
	slow.ExecutionTimeout = time.Hour
	require.NoError(t, q.Enqueue(quick, false))
	require.NoError(t, q.Enqueue(slow, false))
	require.NoError(t, q.MarkRunning("quick", "r1"))
	require.NoError(t, q.MarkRunning("roomy", "r1"))

	*now = base.Add(2 * time.Minute)
	expired := q.CheckTimeouts()
	assert.Equal(t, []string{"quick"}, expired)

	job, err := q.Get("quick")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusTimeout, job.Status)
	assert.Contains(t, job.ErrorMessage, "exceeded")

	job, err = q.Get("roomy")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
}

func TestUpdateProgressClampsAndIgnoresTerminal(t *testing.T) {
	q := New()
	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, time.Now().UTC()), false))
	require.NoError(t, q.MarkRunning("job-1", "r1"))

	require.NoError(t, q.UpdateProgress("job-1", -5, ""))
	job, _ := q.Get("job-1")
	assert.Equal(t, 0, job.Progress)

	require.NoError(t, q.UpdateProgress("job-1", 150, "final"))
	job, _ = q.Get("job-1")
	assert.Equal(t, domain.MaxProgress, job.Progress)
	assert.Equal(t, "final", job.CurrentNode)

	require.NoError(t, q.Complete("job-1", nil))
	require.NoError(t, q.UpdateProgress("job-1", 10, "late"))
	job, _ = q.Get("job-1")
	assert.Equal(t, domain.MaxProgress, job.Progress, "terminal jobs drop late reports")
}

func TestReadySnapshotReturnsIsolatedClones(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, clock := fixedClock(base)
	q := New(WithClock(clock))

	require.NoError(t, q.Enqueue(testJob("b", domain.JobPriorityNormal, base.Add(time.Second)), false))
	require.NoError(t, q.Enqueue(testJob("a", domain.JobPriorityCritical, base), false))
	deferred := testJob("later", domain.JobPriorityCritical, base)
	deferred.ScheduledTime = base.Add(time.Hour)
	require.NoError(t, q.Enqueue(deferred, false))

	snap := q.ReadySnapshot()
	require.Len(t, snap, 2, "scheduled job is not dispatchable yet")
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)

	snap[0].Status = domain.JobStatusFailed
	fresh, err := q.Get("a")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, fresh.Status, "snapshot mutation leaked into the queue")

	*now = base.Add(2 * time.Hour)
	assert.Len(t, q.ReadySnapshot(), 3)
}

func TestEvictWithdrawsJobAndFingerprint(t *testing.T) {
	q := New()
	now := time.Now().UTC()

	job := testJob("job-1", domain.JobPriorityNormal, now)
	job.Fingerprint = "fp-1"
	require.NoError(t, q.Enqueue(job, true))

	q.Evict("job-1")

	_, err := q.Get("job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.Nil(t, q.Dequeue(testRobot("r1")))

	again := testJob("job-2", domain.JobPriorityNormal, now)
	again.Fingerprint = "fp-1"
	assert.NoError(t, q.Enqueue(again, true), "evicted fingerprint must not block")

	q.Evict("unknown")
}

func TestStatsCountsByStatusAndPriority(t *testing.T) {
	q := New()
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(testJob("q1", domain.JobPriorityHigh, now), false))
	require.NoError(t, q.Enqueue(testJob("q2", domain.JobPriorityHigh, now), false))
	require.NoError(t, q.Enqueue(testJob("q3", domain.JobPriorityLow, now), false))
	require.NoError(t, q.Enqueue(testJob("r1", domain.JobPriorityNormal, now), false))
	require.NoError(t, q.MarkRunning("r1", "robot-1"))

	stats := q.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Ready)
	assert.Equal(t, 3, stats.ByStatus[domain.JobStatusQueued])
	assert.Equal(t, 1, stats.ByStatus[domain.JobStatusRunning])
	assert.Equal(t, 2, stats.DepthByPriority[domain.JobPriorityHigh])
	assert.Equal(t, 1, stats.DepthByPriority[domain.JobPriorityLow])
}

func TestListFiltersAndLimits(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q := New()

	for i, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, q.Enqueue(testJob(id, domain.JobPriorityNormal, base.Add(time.Duration(i)*time.Second)), false))
	}
	require.NoError(t, q.MarkRunning("j2", "r1"))

	queued := q.List(domain.JobStatusQueued, 0)
	require.Len(t, queued, 2)
	assert.Equal(t, "j3", queued[0].ID, "newest first")

	all := q.List("", 2)
	assert.Len(t, all, 2)
}

func TestRestoreRebuildsReadyAndDedup(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, clock := fixedClock(base)
	q := New(WithClock(clock))

	queued := testJob("queued-1", domain.JobPriorityNormal, base)
	queued.Status = domain.JobStatusQueued
	queued.Fingerprint = "fp-queued"

	running := testJob("running-1", domain.JobPriorityNormal, base)
	running.Status = domain.JobStatusRunning
	running.ClaimedBy = "r9"
	running.StartedAt = base

	finished := testJob("done-1", domain.JobPriorityNormal, base)
	finished.Status = domain.JobStatusCompleted

	q.Restore([]*domain.Job{queued, running, finished})

	stats := q.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Ready, "only the queued job rejoins the ready list")

	dup := testJob("dup", domain.JobPriorityNormal, base.Add(time.Second))
	dup.Fingerprint = "fp-queued"
	assert.ErrorIs(t, q.Enqueue(dup, true), domain.ErrDuplicateJob)

	got := q.Dequeue(testRobot("r1"))
	require.NotNil(t, got)
	assert.Equal(t, "queued-1", got.ID)
}

func TestStateChangeCallbackSequence(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	record := func(job *domain.Job, from, to domain.JobStatus) {
		mu.Lock()
		transitions = append(transitions, string(from)+">"+string(to))
		mu.Unlock()
	}

	q := New(WithStateChangeCallback(record))
	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, time.Now().UTC()), false))
	require.NoError(t, q.MarkRunning("job-1", "r1"))
	require.NoError(t, q.Complete("job-1", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pending>queued", "queued>running", "running>completed"}, transitions)
}

func TestStateChangeCallbackPanicIsContained(t *testing.T) {
	q := New(WithStateChangeCallback(func(*domain.Job, domain.JobStatus, domain.JobStatus) {
		panic("observer bug")
	}))

	require.NoError(t, q.Enqueue(testJob("job-1", domain.JobPriorityNormal, time.Now().UTC()), false))
	require.NoError(t, q.MarkRunning("job-1", "r1"))

	job, err := q.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status, "queue state survives a panicking callback")
}
