package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloudrpa/fleet/internal/application/claim"
	"github.com/cloudrpa/fleet/internal/domain"
)

// claimCandidates selects claimable jobs in dispatch order: QUEUED rows
// without a live lease, plus RUNNING rows whose lease expired. SKIP LOCKED
// keeps concurrent claimers from blocking on each other's candidates, which
// is what makes the claim race-free and fast at the same time.
const claimCandidates = `
	SELECT
		q.job_id, q.workflow_id, q.workflow_name, q.params, q.priority,
		q.status, q.robot_id, q.claimed_by, q.environment, q.scheduled_for,
		q.created_at, q.started_at, q.completed_at, q.duration_ms,
		q.progress, q.current_node, q.result, q.error_message,
		q.retry_of_job_id, q.retry_count, q.visibility_timeout_ms,
		q.execution_timeout_ms, q.fingerprint, q.cancel_requested,
		q.cancel_reason
	FROM job_queue q
	LEFT JOIN job_claims c ON c.job_id = q.job_id
	WHERE q.status IN ('queued', 'running')
	  AND (q.robot_id = '' OR q.robot_id = $1)
	  AND (q.environment = '' OR q.environment = $2)
	  AND (q.scheduled_for IS NULL OR q.scheduled_for <= $3)
	  AND (c.job_id IS NULL OR c.lease_expires_at < $3)`

func (s *Store) ClaimJobs(ctx context.Context, params claim.ClaimParams) ([]*domain.ClaimedJob, error) {
	batch := params.Batch
	if batch < 1 {
		batch = 1
	}
	now := claimNow(params)

	var claimed []*domain.ClaimedJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimCandidates+`
			ORDER BY q.priority DESC, q.created_at ASC
			LIMIT $4
			FOR UPDATE OF q SKIP LOCKED`,
			params.RobotID, params.Environment, now, batch)
		if err != nil {
			return fmt.Errorf("select claim candidates: %w", err)
		}
		jobs, err := scanJobs(rows)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			cj, err := claimRowTx(ctx, tx, job, params, now)
			if err != nil {
				return err
			}
			claimed = append(claimed, cj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) ClaimJobByID(ctx context.Context, jobID string, params claim.ClaimParams) (*domain.ClaimedJob, error) {
	now := claimNow(params)

	var claimed *domain.ClaimedJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, claimCandidates+`
			  AND q.job_id = $4
			FOR UPDATE OF q SKIP LOCKED`,
			params.RobotID, params.Environment, now, jobID)

		job, err := scanJob(row)
		if err != nil {
			// Not claimable right now: owned, terminal, missing or
			// locked by a concurrent claimer.
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select job %s for claim: %w", jobID, err)
		}

		claimed, err = claimRowTx(ctx, tx, job, params, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimRowTx takes the lease on one selected job: the claim row is
// upserted with a bumped generation and the job flips to RUNNING under the
// claiming robot.
func claimRowTx(ctx context.Context, tx pgx.Tx, job *domain.Job, params claim.ClaimParams, now time.Time) (*domain.ClaimedJob, error) {
	lease := params.VisibilityTimeout
	if lease <= 0 {
		lease = job.VisibilityTimeout
	}
	if lease <= 0 {
		lease = domain.DefaultVisibilityTimeout
	}
	expiresAt := now.Add(lease)

	var generation int64
	err := tx.QueryRow(ctx, `
		INSERT INTO job_claims (job_id, robot_id, claimed_at, lease_expires_at, lease_generation)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (job_id) DO UPDATE
		SET robot_id = EXCLUDED.robot_id,
		    claimed_at = EXCLUDED.claimed_at,
		    lease_expires_at = EXCLUDED.lease_expires_at,
		    lease_generation = job_claims.lease_generation + 1
		RETURNING lease_generation`,
		job.ID, params.RobotID, now, expiresAt).Scan(&generation)
	if err != nil {
		return nil, fmt.Errorf("write claim for job %s: %w", job.ID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE job_queue
		SET status = 'running',
		    claimed_by = $2,
		    started_at = $3,
		    progress = 0,
		    current_node = ''
		WHERE job_id = $1`,
		job.ID, params.RobotID, now)
	if err != nil {
		return nil, fmt.Errorf("mark job %s running: %w", job.ID, err)
	}

	job.Status = domain.JobStatusRunning
	job.ClaimedBy = params.RobotID
	job.StartedAt = now
	job.Progress = 0
	job.CurrentNode = ""

	return &domain.ClaimedJob{
		Job:             job,
		RobotID:         params.RobotID,
		ClaimedAt:       now,
		LeaseExpiresAt:  expiresAt,
		LeaseGeneration: generation,
	}, nil
}

func (s *Store) ExtendLease(ctx context.Context, jobID, robotID string, generation int64, extension time.Duration) (*domain.Lease, error) {
	if extension <= 0 {
		extension = domain.DefaultVisibilityTimeout
	}
	expiresAt := time.Now().UTC().Add(extension)

	var lease domain.Lease
	err := s.pool.QueryRow(ctx, `
		UPDATE job_claims c
		SET lease_expires_at = $4
		FROM job_queue q
		WHERE c.job_id = $1
		  AND c.robot_id = $2
		  AND c.lease_generation = $3
		  AND q.job_id = c.job_id
		RETURNING c.lease_expires_at, q.cancel_requested, q.cancel_reason`,
		jobID, robotID, generation, expiresAt,
	).Scan(&lease.ExpiresAt, &lease.CancelRequested, &lease.CancelReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s is no longer held by %s", domain.ErrLeaseLost, jobID, robotID)
		}
		return nil, fmt.Errorf("extend lease for job %s: %w", jobID, err)
	}

	lease.JobID = jobID
	lease.RobotID = robotID
	lease.LeaseGeneration = generation
	lease.ExpiresAt = lease.ExpiresAt.UTC()
	return &lease, nil
}

func (s *Store) Settle(ctx context.Context, jobID, robotID string, generation int64, result domain.SettleResult) error {
	now := time.Now().UTC()
	terminal := result.Outcome.Status()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM job_claims
			WHERE job_id = $1 AND robot_id = $2 AND lease_generation = $3`,
			jobID, robotID, generation)
		if err != nil {
			return fmt.Errorf("delete claim for job %s: %w", jobID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: settle of job %s by %s rejected", domain.ErrLeaseLost, jobID, robotID)
		}

		tag, err = tx.Exec(ctx, `
			UPDATE job_queue
			SET status = $2,
			    completed_at = $3,
			    duration_ms = COALESCE(GREATEST(0,
			        (EXTRACT(EPOCH FROM $3::timestamptz - started_at) * 1000))::BIGINT, 0),
			    result = COALESCE($4, result),
			    error_message = COALESCE(NULLIF($5, ''), error_message),
			    progress = CASE
			        WHEN $2 = 'completed' THEN 100
			        WHEN $6 > 0 THEN $6
			        ELSE progress
			    END,
			    current_node = COALESCE(NULLIF($7, ''), current_node)
			WHERE job_id = $1 AND status = 'running'`,
			jobID, string(terminal), now, result.Result, result.ErrorMessage,
			min(max(result.Progress, 0), domain.MaxProgress), result.CurrentNode)
		if err != nil {
			return fmt.Errorf("finalize job %s: %w", jobID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: job %s left running state during settle", domain.ErrLeaseLost, jobID)
		}
		return nil
	})
}

func (s *Store) ForceSettle(ctx context.Context, jobID string, result domain.SettleResult) error {
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM job_claims WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("delete claim for job %s: %w", jobID, err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE job_queue
			SET status = $2,
			    completed_at = $3,
			    duration_ms = COALESCE(GREATEST(0,
			        (EXTRACT(EPOCH FROM $3::timestamptz - started_at) * 1000))::BIGINT, 0),
			    result = COALESCE($4, result),
			    error_message = COALESCE(NULLIF($5, ''), error_message),
			    progress = CASE
			        WHEN $2 = 'completed' THEN 100
			        WHEN $6 > 0 THEN $6
			        ELSE progress
			    END
			WHERE job_id = $1
			  AND status IN ('pending', 'queued', 'running')`,
			jobID, string(result.Outcome.Status()), now, result.Result,
			result.ErrorMessage, min(max(result.Progress, 0), domain.MaxProgress))
		if err != nil {
			return fmt.Errorf("force settle job %s: %w", jobID, err)
		}
		if tag.RowsAffected() == 0 {
			return s.explainImmutable(ctx, jobID)
		}
		return nil
	})
}

func (s *Store) Release(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM job_claims WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("delete claim for job %s: %w", jobID, err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE job_queue
			SET status = 'queued',
			    claimed_by = '',
			    started_at = NULL,
			    progress = 0,
			    current_node = ''
			WHERE job_id = $1 AND status = 'running'`,
			jobID)
		if err != nil {
			return fmt.Errorf("release job %s: %w", jobID, err)
		}
		if tag.RowsAffected() == 0 {
			var status string
			err := tx.QueryRow(ctx,
				`SELECT status FROM job_queue WHERE job_id = $1`, jobID).Scan(&status)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
			}
			if err != nil {
				return fmt.Errorf("release job %s: %w", jobID, err)
			}
			// Already back in the queue: releasing twice is fine.
			if status == string(domain.JobStatusQueued) {
				return nil
			}
			return fmt.Errorf("%w: cannot release %s job %s",
				domain.ErrInvalidTransition, status, jobID)
		}
		return nil
	})
}

func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) ([]string, error) {
	var reclaimed []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT c.job_id
			FROM job_claims c
			JOIN job_queue q ON q.job_id = c.job_id
			WHERE c.lease_expires_at < $1 AND q.status = 'running'
			FOR UPDATE OF c, q SKIP LOCKED`,
			now)
		if err != nil {
			return fmt.Errorf("select expired claims: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired claim: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expired claims: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM job_claims WHERE job_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("delete expired claims: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE job_queue
			SET status = 'queued',
			    claimed_by = '',
			    started_at = NULL,
			    progress = 0,
			    current_node = ''
			WHERE job_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("requeue expired jobs: %w", err)
		}
		reclaimed = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func (s *Store) RequestCancel(ctx context.Context, jobID, reason string) error {
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Waiting jobs cancel immediately.
		tag, err := tx.Exec(ctx, `
			UPDATE job_queue
			SET status = 'cancelled',
			    cancel_requested = TRUE,
			    cancel_reason = $2,
			    completed_at = $3
			WHERE job_id = $1 AND status IN ('pending', 'queued')`,
			jobID, reason, now)
		if err != nil {
			return fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		if tag.RowsAffected() > 0 {
			_, err := tx.Exec(ctx, `DELETE FROM job_claims WHERE job_id = $1`, jobID)
			if err != nil {
				return fmt.Errorf("delete stale claim for job %s: %w", jobID, err)
			}
			return nil
		}

		// Running jobs get the cooperative flag; the robot finishes the
		// cancellation when it acknowledges.
		tag, err = tx.Exec(ctx, `
			UPDATE job_queue
			SET cancel_requested = TRUE, cancel_reason = $2
			WHERE job_id = $1 AND status = 'running'`,
			jobID, reason)
		if err != nil {
			return fmt.Errorf("flag job %s for cancellation: %w", jobID, err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		return s.explainImmutable(ctx, jobID)
	})
}

// explainImmutable distinguishes "no such job" from "job already terminal"
// after an update matched zero rows.
func (s *Store) explainImmutable(ctx context.Context, jobID string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM job_queue WHERE job_id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("look up job %s: %w", jobID, err)
	}
	return fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidTransition, jobID, status)
}

func claimNow(params claim.ClaimParams) time.Time {
	if params.Now.IsZero() {
		return time.Now().UTC()
	}
	return params.Now.UTC()
}
