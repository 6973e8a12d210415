package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudrpa/fleet/internal/application/claim"
	"github.com/cloudrpa/fleet/internal/domain"
)

// TestRequestCancel_WaitingJobsFinishImmediately verifies that cancelling a
// job that no robot holds yet finalizes it on the spot and removes it from
// the claimable set.
func TestRequestCancel_WaitingJobsFinishImmediately(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()

	t.Run("queued", func(t *testing.T) {
		job := insertJob(t, store)

		require.NoError(t, store.RequestCancel(ctx, job.ID, "superseded by newer batch"))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, got.Status)
		assert.True(t, got.CancelRequested)
		assert.Equal(t, "superseded by newer batch", got.CancelReason)
		assert.False(t, got.CompletedAt.IsZero())

		claimed, err := store.ClaimJobByID(ctx, job.ID, claim.ClaimParams{RobotID: "robot-a"})
		require.NoError(t, err)
		assert.Nil(t, claimed, "cancelled jobs must not be claimable")
	})

	t.Run("pending", func(t *testing.T) {
		job := insertJob(t, store, func(j *domain.Job) {
			j.Status = domain.JobStatusPending
		})

		require.NoError(t, store.RequestCancel(ctx, job.ID, "operator abort"))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, got.Status)
	})
}

// TestRequestCancel_RunningJobsGetTheFlag verifies cooperative cancellation:
// a running job keeps running, the cancel flag rides back on the holder's
// next heartbeat, and the robot finishes the job by settling it cancelled.
func TestRequestCancel_RunningJobsGetTheFlag(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()

	job := insertJob(t, store)
	claimed, err := store.ClaimJobByID(ctx, job.ID, claim.ClaimParams{RobotID: "robot-a"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.RequestCancel(ctx, job.ID, "credentials rotated"))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, got.Status, "running jobs cancel cooperatively, not immediately")
	assert.True(t, got.CancelRequested)

	// The heartbeat carries the flag to the robot.
	lease, err := store.ExtendLease(ctx, job.ID, "robot-a", claimed.LeaseGeneration, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, lease.CancelRequested)
	assert.Equal(t, "credentials rotated", lease.CancelReason)

	// The robot acknowledges by settling the job as cancelled.
	err = store.Settle(ctx, job.ID, "robot-a", claimed.LeaseGeneration, domain.SettleResult{
		Outcome:      domain.OutcomeCancelled,
		ErrorMessage: "cancelled: credentials rotated",
		Progress:     60,
	})
	require.NoError(t, err)

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, final.Status)
	assert.Equal(t, 60, final.Progress)
}

// TestRequestCancel_Rejections verifies the sentinel errors for jobs that
// cannot be cancelled.
func TestRequestCancel_Rejections(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()

	t.Run("terminal_job", func(t *testing.T) {
		job := insertJob(t, store)
		require.NoError(t, store.ForceSettle(ctx, job.ID, domain.SettleResult{Outcome: domain.OutcomeCompleted}))

		err := store.RequestCancel(ctx, job.ID, "too late")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, got.Status)
		assert.False(t, got.CancelRequested)
	})

	t.Run("missing_job", func(t *testing.T) {
		err := store.RequestCancel(ctx, "no-such-job", "whatever")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}
