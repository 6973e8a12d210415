package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cloudrpa/fleet/internal/application/claim"
	"github.com/cloudrpa/fleet/internal/domain"
)

// RegisterRobotRequest is the body of POST /v1/robots.
type RegisterRobotRequest struct {
	ID                string              `json:"id,omitempty"`
	Name              string              `json:"name"`
	Hostname          string              `json:"hostname,omitempty"`
	Environment       string              `json:"environment,omitempty"`
	Tags              []string            `json:"tags,omitempty"`
	Capabilities      domain.Capabilities `json:"capabilities,omitempty"`
	MaxConcurrentJobs int                 `json:"max_concurrent_jobs,omitempty"`
}

// RegisterRobot handles POST /v1/robots. Registering an already known
// robot refreshes its registration in place.
func (h *Handler) RegisterRobot(w http.ResponseWriter, r *http.Request) {
	var req RegisterRobotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.Name == "" {
		validationError(w, "name", "required field missing")
		return
	}

	robotID := req.ID
	if robotID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			internalError(w, r, err)
			return
		}
		robotID = id.String()
	}

	robot := &domain.Robot{
		ID:                robotID,
		Name:              req.Name,
		Hostname:          req.Hostname,
		Environment:       req.Environment,
		Tags:              req.Tags,
		Capabilities:      req.Capabilities,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
	}

	stored, err := h.orch.RegisterRobot(r.Context(), robot)
	if err != nil {
		slog.ErrorContext(r.Context(), "robot registration failed via HTTP",
			"robot_name", req.Name,
			"error", err)
		fromDomainError(w, r, err)
		return
	}

	writeCreated(w, mapRobot(stored))
}

// ListRobots handles GET /v1/robots.
func (h *Handler) ListRobots(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"robots": mapRobots(h.orch.ListRobots())})
}

// GetRobot handles GET /v1/robots/{robotID}.
func (h *Handler) GetRobot(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robotID")

	robot, err := h.orch.GetRobot(robotID)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeOK(w, mapRobot(robot))
}

// DeregisterRobot handles DELETE /v1/robots/{robotID}.
func (h *Handler) DeregisterRobot(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robotID")

	if err := h.orch.DeregisterRobot(r.Context(), robotID); err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeNoContent(w)
}

// HeartbeatRequest is the body of POST /v1/robots/{robotID}/heartbeat.
type HeartbeatRequest struct {
	Status        string  `json:"status,omitempty"`
	CurrentJobs   int     `json:"current_jobs,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
}

// RobotHeartbeat handles POST /v1/robots/{robotID}/heartbeat.
func (h *Handler) RobotHeartbeat(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robotID")

	// An empty body is a bare liveness ping.
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid JSON")
		return
	}

	update := claim.RobotPresence{
		RobotID:     robotID,
		CurrentJobs: req.CurrentJobs,
		CPUPercent:  req.CPUPercent,
		MemPercent:  req.MemoryPercent,
	}
	if req.Status != "" {
		status, err := domain.NewRobotStatus(req.Status)
		if err != nil {
			fromDomainError(w, r, err)
			return
		}
		update.Status = status
	}

	if err := h.orch.RobotHeartbeat(r.Context(), update); err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeNoContent(w)
}

// SetStatusRequest is the body of POST /v1/robots/{robotID}/status.
type SetStatusRequest struct {
	Status string `json:"status"`
}

// SetRobotStatus handles POST /v1/robots/{robotID}/status. Operators use
// it to pause (busy) or drain (offline) a robot without touching the agent.
func (h *Handler) SetRobotStatus(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robotID")

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	status, err := domain.NewRobotStatus(req.Status)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}

	robot, err := h.orch.SetRobotStatus(r.Context(), robotID, status)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeOK(w, mapRobot(robot))
}
