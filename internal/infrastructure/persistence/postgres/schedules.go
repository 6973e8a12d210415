package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloudrpa/fleet/internal/domain"
)

const scheduleColumns = `
	schedule_id, name, workflow_id, workflow_name, params, frequency,
	cron_expression, timezone, enabled, priority, next_run, last_run,
	run_count, success_count, created_at, updated_at`

func (s *Store) SaveSchedule(ctx context.Context, schedule *domain.Schedule) error {
	now := time.Now().UTC()
	createdAt := schedule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (
			schedule_id, name, workflow_id, workflow_name, params,
			frequency, cron_expression, timezone, enabled, priority,
			next_run, last_run, run_count, success_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (schedule_id) DO UPDATE
		SET name = EXCLUDED.name,
		    workflow_id = EXCLUDED.workflow_id,
		    workflow_name = EXCLUDED.workflow_name,
		    params = EXCLUDED.params,
		    frequency = EXCLUDED.frequency,
		    cron_expression = EXCLUDED.cron_expression,
		    timezone = EXCLUDED.timezone,
		    enabled = EXCLUDED.enabled,
		    priority = EXCLUDED.priority,
		    next_run = EXCLUDED.next_run,
		    last_run = EXCLUDED.last_run,
		    run_count = EXCLUDED.run_count,
		    success_count = EXCLUDED.success_count,
		    updated_at = EXCLUDED.updated_at`,
		schedule.ID,
		schedule.Name,
		schedule.WorkflowID,
		schedule.WorkflowName,
		schedule.Params,
		string(schedule.Frequency),
		schedule.CronExpression,
		schedule.Timezone,
		schedule.Enabled,
		schedule.Priority.Weight(),
		nullTime(schedule.NextRun),
		nullTime(schedule.LastRun),
		schedule.RunCount,
		schedule.SuccessCount,
		createdAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", schedule.ID, err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM schedules WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", scheduleID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, scheduleID)
	}
	return nil
}

func (s *Store) GetSchedules(ctx context.Context, enabledOnly bool) ([]*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedule rows: %w", err)
	}
	return schedules, nil
}

func scanSchedule(row pgx.Rows) (*domain.Schedule, error) {
	var (
		schedule         domain.Schedule
		frequency        string
		priority         int
		nextRun, lastRun *time.Time
	)

	err := row.Scan(
		&schedule.ID,
		&schedule.Name,
		&schedule.WorkflowID,
		&schedule.WorkflowName,
		&schedule.Params,
		&frequency,
		&schedule.CronExpression,
		&schedule.Timezone,
		&schedule.Enabled,
		&priority,
		&nextRun,
		&lastRun,
		&schedule.RunCount,
		&schedule.SuccessCount,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.Frequency = domain.ScheduleFrequency(frequency)
	schedule.Priority = domain.PriorityFromWeight(priority)
	schedule.NextRun = derefTime(nextRun)
	schedule.LastRun = derefTime(lastRun)
	return &schedule, nil
}
