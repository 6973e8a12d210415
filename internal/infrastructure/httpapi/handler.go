// Package httpapi exposes the orchestrator over a JSON control API.
// Operators submit and inspect jobs, register robots and manage schedules;
// robots themselves coordinate through the claim store and the realtime
// channel, not through this surface.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cloudrpa/fleet/internal/application/claim"
	"github.com/cloudrpa/fleet/internal/application/engine"
	"github.com/cloudrpa/fleet/internal/application/schedule"
	"github.com/cloudrpa/fleet/internal/domain"
)

// Orchestrator is the engine surface the control API calls into.
type Orchestrator interface {
	SubmitJob(ctx context.Context, req engine.SubmitRequest) (*domain.Job, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.Job, error)
	CancelJob(ctx context.Context, jobID, reason string) (*domain.Job, error)
	RetryJob(ctx context.Context, jobID string) (*domain.Job, error)
	Stats() engine.Stats

	RegisterRobot(ctx context.Context, robot *domain.Robot) (*domain.Robot, error)
	RobotHeartbeat(ctx context.Context, update claim.RobotPresence) error
	SetRobotStatus(ctx context.Context, robotID string, status domain.RobotStatus) (*domain.Robot, error)
	DeregisterRobot(ctx context.Context, robotID string) error
	GetRobot(robotID string) (*domain.Robot, error)
	ListRobots() []*domain.Robot

	CreateSchedule(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error)
	DeleteSchedule(ctx context.Context, scheduleID string) error
	SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) (*domain.Schedule, error)
	GetSchedule(scheduleID string) (*domain.Schedule, error)
	ListSchedules() []*domain.Schedule
	PreviewSchedules(limit int) []schedule.Preview
}

// Handler adapts HTTP requests to orchestrator calls.
type Handler struct {
	orch Orchestrator
}

// NewHandler creates a new control API handler.
func NewHandler(orch Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// Routes mounts all API routes on a fresh router. The caller wraps it with
// authentication and body limits.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.SubmitJob)
			r.Get("/", h.ListJobs)
			r.Get("/{jobID}", h.GetJob)
			r.Delete("/{jobID}", h.CancelJob)
			r.Post("/{jobID}/retry", h.RetryJob)
		})

		r.Route("/robots", func(r chi.Router) {
			r.Post("/", h.RegisterRobot)
			r.Get("/", h.ListRobots)
			r.Get("/{robotID}", h.GetRobot)
			r.Delete("/{robotID}", h.DeregisterRobot)
			r.Post("/{robotID}/heartbeat", h.RobotHeartbeat)
			r.Post("/{robotID}/status", h.SetRobotStatus)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", h.CreateSchedule)
			r.Get("/", h.ListSchedules)
			r.Get("/next-runs", h.NextRuns)
			r.Get("/{scheduleID}", h.GetSchedule)
			r.Patch("/{scheduleID}", h.PatchSchedule)
			r.Delete("/{scheduleID}", h.DeleteSchedule)
		})

		r.Get("/stats", h.Stats)
	})

	return r
}

// Ensure the engine satisfies the orchestrator surface at compile time.
var _ Orchestrator = (*engine.Engine)(nil)
