package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudrpa/fleet/internal/application/claim"
	"github.com/cloudrpa/fleet/internal/domain"
)

func (s *Store) UpsertRobot(ctx context.Context, robot *domain.Robot) error {
	capabilities, err := json.Marshal(robot.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities for robot %s: %w", robot.ID, err)
	}

	now := time.Now().UTC()
	registeredAt := robot.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = now
	}
	lastSeen := robot.LastHeartbeat
	if lastSeen.IsZero() {
		lastSeen = now
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO robots (
			robot_id, name, hostname, environment, tags, capabilities,
			status, max_concurrent_jobs, current_jobs, registered_at, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (robot_id) DO UPDATE
		SET name = EXCLUDED.name,
		    hostname = EXCLUDED.hostname,
		    environment = EXCLUDED.environment,
		    tags = EXCLUDED.tags,
		    capabilities = EXCLUDED.capabilities,
		    status = EXCLUDED.status,
		    max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
		    current_jobs = EXCLUDED.current_jobs,
		    last_seen = EXCLUDED.last_seen`,
		robot.ID,
		robot.Name,
		robot.Hostname,
		robot.Environment,
		robot.Tags,
		capabilities,
		string(robot.Status),
		robot.MaxConcurrentJobs,
		robot.CurrentJobs,
		registeredAt,
		lastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert robot %s: %w", robot.ID, err)
	}
	return nil
}

func (s *Store) UpdateRobotPresence(ctx context.Context, update claim.RobotPresence) error {
	seenAt := update.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}

	metrics, err := json.Marshal(map[string]float64{
		"cpu_percent":    update.CPUPercent,
		"memory_percent": update.MemPercent,
	})
	if err != nil {
		return fmt.Errorf("marshal metrics for robot %s: %w", update.RobotID, err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE robots
		SET status = $2,
		    current_jobs = $3,
		    metrics = $4,
		    last_seen = $5
		WHERE robot_id = $1`,
		update.RobotID, string(update.Status), update.CurrentJobs, metrics, seenAt)
	if err != nil {
		return fmt.Errorf("update presence for robot %s: %w", update.RobotID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRobotNotFound, update.RobotID)
	}
	return nil
}

func (s *Store) GetRobots(ctx context.Context) ([]*domain.Robot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT robot_id, name, hostname, environment, tags, capabilities,
		       status, max_concurrent_jobs, current_jobs, registered_at, last_seen
		FROM robots
		ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	defer rows.Close()

	var robots []*domain.Robot
	for rows.Next() {
		var (
			robot        domain.Robot
			status       string
			capabilities []byte
		)
		err := rows.Scan(
			&robot.ID,
			&robot.Name,
			&robot.Hostname,
			&robot.Environment,
			&robot.Tags,
			&capabilities,
			&status,
			&robot.MaxConcurrentJobs,
			&robot.CurrentJobs,
			&robot.RegisteredAt,
			&robot.LastHeartbeat,
		)
		if err != nil {
			return nil, fmt.Errorf("scan robot row: %w", err)
		}
		robot.Status = domain.RobotStatus(status)
		if len(capabilities) > 0 {
			if err := json.Unmarshal(capabilities, &robot.Capabilities); err != nil {
				return nil, fmt.Errorf("unmarshal capabilities for robot %s: %w", robot.ID, err)
			}
		}
		robots = append(robots, &robot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate robot rows: %w", err)
	}
	return robots, nil
}
