package httpapi

import (
	"encoding/json"
	"time"

	"github.com/cloudrpa/fleet/internal/domain"
)

// JobDTO is the API representation of a job.
type JobDTO struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Priority     string          `json:"priority"`
	Status       string          `json:"status"`
	RobotID      string          `json:"robot_id,omitempty"`
	Environment  string          `json:"environment,omitempty"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`

	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMS    int64      `json:"duration_ms,omitempty"`

	Progress    int    `json:"progress"`
	CurrentNode string `json:"current_node,omitempty"`

	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	RetryOfJobID string `json:"retry_of_job_id,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty"`

	VisibilityTimeoutMS int64 `json:"visibility_timeout_ms"`
	ExecutionTimeoutMS  int64 `json:"execution_timeout_ms"`

	CancelRequested bool   `json:"cancel_requested,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`
}

// mapJob converts a domain job to its API representation.
func mapJob(job *domain.Job) JobDTO {
	dto := JobDTO{
		ID:                  job.ID,
		WorkflowID:          job.WorkflowID,
		WorkflowName:        job.WorkflowName,
		Params:              job.Params,
		Priority:            string(job.Priority),
		Status:              string(job.Status),
		RobotID:             job.RobotID,
		Environment:         job.Environment,
		ClaimedBy:           job.ClaimedBy,
		CreatedAt:           job.CreatedAt,
		DurationMS:          job.DurationMS,
		Progress:            job.Progress,
		CurrentNode:         job.CurrentNode,
		Result:              job.Result,
		ErrorMessage:        job.ErrorMessage,
		RetryOfJobID:        job.RetryOfJobID,
		RetryCount:          job.RetryCount,
		VisibilityTimeoutMS: job.VisibilityTimeout.Milliseconds(),
		ExecutionTimeoutMS:  job.ExecutionTimeout.Milliseconds(),
		CancelRequested:     job.CancelRequested,
		CancelReason:        job.CancelReason,
	}
	if !job.ScheduledTime.IsZero() {
		t := job.ScheduledTime
		dto.ScheduledTime = &t
	}
	if !job.StartedAt.IsZero() {
		t := job.StartedAt
		dto.StartedAt = &t
	}
	if !job.CompletedAt.IsZero() {
		t := job.CompletedAt
		dto.CompletedAt = &t
	}
	return dto
}

func mapJobs(jobs []*domain.Job) []JobDTO {
	out := make([]JobDTO, len(jobs))
	for i, job := range jobs {
		out[i] = mapJob(job)
	}
	return out
}

// RobotDTO is the API representation of a robot.
type RobotDTO struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	Hostname          string              `json:"hostname,omitempty"`
	Environment       string              `json:"environment,omitempty"`
	Tags              []string            `json:"tags,omitempty"`
	Capabilities      domain.Capabilities `json:"capabilities"`
	Status            string              `json:"status"`
	MaxConcurrentJobs int                 `json:"max_concurrent_jobs"`
	CurrentJobs       int                 `json:"current_jobs"`
	LastHeartbeat     time.Time           `json:"last_heartbeat"`
	RegisteredAt      time.Time           `json:"registered_at"`
}

// mapRobot converts a domain robot to its API representation.
func mapRobot(robot *domain.Robot) RobotDTO {
	return RobotDTO{
		ID:                robot.ID,
		Name:              robot.Name,
		Hostname:          robot.Hostname,
		Environment:       robot.Environment,
		Tags:              robot.Tags,
		Capabilities:      robot.Capabilities,
		Status:            string(robot.Status),
		MaxConcurrentJobs: robot.MaxConcurrentJobs,
		CurrentJobs:       robot.CurrentJobs,
		LastHeartbeat:     robot.LastHeartbeat,
		RegisteredAt:      robot.RegisteredAt,
	}
}

func mapRobots(robots []*domain.Robot) []RobotDTO {
	out := make([]RobotDTO, len(robots))
	for i, robot := range robots {
		out[i] = mapRobot(robot)
	}
	return out
}

// ScheduleDTO is the API representation of a schedule.
type ScheduleDTO struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	WorkflowID     string          `json:"workflow_id"`
	WorkflowName   string          `json:"workflow_name,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Frequency      string          `json:"frequency"`
	CronExpression string          `json:"cron_expression,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
	Enabled        bool            `json:"enabled"`
	Priority       string          `json:"priority,omitempty"`
	NextRun        *time.Time      `json:"next_run,omitempty"`
	LastRun        *time.Time      `json:"last_run,omitempty"`
	RunCount       int64           `json:"run_count"`
	SuccessCount   int64           `json:"success_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// mapSchedule converts a domain schedule to its API representation.
func mapSchedule(s *domain.Schedule) ScheduleDTO {
	dto := ScheduleDTO{
		ID:             s.ID,
		Name:           s.Name,
		WorkflowID:     s.WorkflowID,
		WorkflowName:   s.WorkflowName,
		Params:         s.Params,
		Frequency:      string(s.Frequency),
		CronExpression: s.CronExpression,
		Timezone:       s.Timezone,
		Enabled:        s.Enabled,
		Priority:       string(s.Priority),
		RunCount:       s.RunCount,
		SuccessCount:   s.SuccessCount,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if !s.NextRun.IsZero() {
		t := s.NextRun
		dto.NextRun = &t
	}
	if !s.LastRun.IsZero() {
		t := s.LastRun
		dto.LastRun = &t
	}
	return dto
}

func mapSchedules(schedules []*domain.Schedule) []ScheduleDTO {
	out := make([]ScheduleDTO, len(schedules))
	for i, s := range schedules {
		out[i] = mapSchedule(s)
	}
	return out
}
