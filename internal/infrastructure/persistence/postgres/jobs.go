package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloudrpa/fleet/internal/domain"
)

// jobColumns is the scan order shared by every job query.
const jobColumns = `
	job_id, workflow_id, workflow_name, params, priority, status,
	robot_id, claimed_by, environment, scheduled_for, created_at,
	started_at, completed_at, duration_ms, progress, current_node,
	result, error_message, retry_of_job_id, retry_count,
	visibility_timeout_ms, execution_timeout_ms, fingerprint,
	cancel_requested, cancel_reason`

func (s *Store) InsertJob(ctx context.Context, job *domain.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_queue (
			job_id, workflow_id, workflow_name, params, priority, status,
			robot_id, claimed_by, environment, scheduled_for, created_at,
			started_at, completed_at, duration_ms, progress, current_node,
			result, error_message, retry_of_job_id, retry_count,
			visibility_timeout_ms, execution_timeout_ms, fingerprint,
			cancel_requested, cancel_reason
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
		)`,
		job.ID,
		job.WorkflowID,
		job.WorkflowName,
		job.Params,
		job.Priority.Weight(),
		string(job.Status),
		job.RobotID,
		job.ClaimedBy,
		job.Environment,
		nullTime(job.ScheduledTime),
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.DurationMS,
		job.Progress,
		job.CurrentNode,
		job.Result,
		job.ErrorMessage,
		job.RetryOfJobID,
		job.RetryCount,
		job.VisibilityTimeout.Milliseconds(),
		job.ExecutionTimeout.Milliseconds(),
		job.Fingerprint,
		job.CancelRequested,
		job.CancelReason,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE job_id = $1`, jobID)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue`
	args := []any{}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, status := range statuses {
			names[i] = string(status)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (s *Store) ListOpenJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM job_queue
		WHERE status IN ('pending', 'queued', 'running')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress int, currentNode string) error {
	progress = min(max(progress, 0), domain.MaxProgress)

	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET progress = $2,
		    current_node = COALESCE(NULLIF($3, ''), current_node)
		WHERE job_id = $1
		  AND status IN ('pending', 'queued', 'running')`,
		jobID, progress, currentNode)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		// Late reports against terminal jobs are dropped silently; a
		// missing row is still an error.
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM job_queue WHERE job_id = $1)`, jobID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("update progress for job %s: %w", jobID, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
	}
	return nil
}

// scannable covers pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*domain.Job, error) {
	var (
		job                                  domain.Job
		priority                             int
		status                               string
		scheduledFor, startedAt, completedAt *time.Time
		visibilityMS, executionMS            int64
	)

	err := row.Scan(
		&job.ID,
		&job.WorkflowID,
		&job.WorkflowName,
		&job.Params,
		&priority,
		&status,
		&job.RobotID,
		&job.ClaimedBy,
		&job.Environment,
		&scheduledFor,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.DurationMS,
		&job.Progress,
		&job.CurrentNode,
		&job.Result,
		&job.ErrorMessage,
		&job.RetryOfJobID,
		&job.RetryCount,
		&visibilityMS,
		&executionMS,
		&job.Fingerprint,
		&job.CancelRequested,
		&job.CancelReason,
	)
	if err != nil {
		return nil, err
	}

	job.Priority = domain.PriorityFromWeight(priority)
	job.Status = domain.JobStatus(status)
	job.ScheduledTime = derefTime(scheduledFor)
	job.StartedAt = derefTime(startedAt)
	job.CompletedAt = derefTime(completedAt)
	job.VisibilityTimeout = time.Duration(visibilityMS) * time.Millisecond
	job.ExecutionTimeout = time.Duration(executionMS) * time.Millisecond
	return &job, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
