package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloudrpa/fleet/internal/application/engine"
	"github.com/cloudrpa/fleet/internal/domain"
)

// defaultListLimit bounds list endpoints when the caller does not ask for a
// specific page size.
const defaultListLimit = 100

// SubmitJobRequest is the body of POST /v1/jobs.
type SubmitJobRequest struct {
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	RobotID      string          `json:"robot_id,omitempty"`
	Environment  string          `json:"environment,omitempty"`

	// ScheduledTime defers dispatch until the given RFC 3339 instant.
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`

	VisibilityTimeoutMS int64 `json:"visibility_timeout_ms,omitempty"`
	ExecutionTimeoutMS  int64 `json:"execution_timeout_ms,omitempty"`

	CheckDuplicate bool `json:"check_duplicate,omitempty"`
}

// SubmitJob handles POST /v1/jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.WorkflowID == "" {
		validationError(w, "workflow_id", "required field missing")
		return
	}

	submit := engine.SubmitRequest{
		WorkflowID:        req.WorkflowID,
		WorkflowName:      req.WorkflowName,
		Params:            req.Params,
		RobotID:           req.RobotID,
		Environment:       req.Environment,
		VisibilityTimeout: time.Duration(req.VisibilityTimeoutMS) * time.Millisecond,
		ExecutionTimeout:  time.Duration(req.ExecutionTimeoutMS) * time.Millisecond,
		CheckDuplicate:    req.CheckDuplicate,
	}
	if req.Priority != "" {
		priority, err := domain.NewJobPriority(req.Priority)
		if err != nil {
			fromDomainError(w, r, err)
			return
		}
		submit.Priority = priority
	}
	if req.ScheduledTime != nil {
		submit.ScheduledTime = req.ScheduledTime.UTC()
	}

	job, err := h.orch.SubmitJob(r.Context(), submit)
	if err != nil {
		slog.ErrorContext(r.Context(), "job submission failed via HTTP",
			"workflow_id", req.WorkflowID,
			"error", err)
		fromDomainError(w, r, err)
		return
	}

	writeCreated(w, mapJob(job))
}

// GetJob handles GET /v1/jobs/{jobID}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.orch.GetJob(r.Context(), jobID)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeOK(w, mapJob(job))
}

// ListJobs handles GET /v1/jobs. Supports ?status=RUNNING,PENDING and
// ?limit=N filters.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := domain.NewJobStatus(strings.TrimSpace(part))
			if err != nil {
				fromDomainError(w, r, err)
				return
			}
			statuses = append(statuses, status)
		}
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			validationError(w, "limit", "must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := h.orch.ListJobs(r.Context(), statuses, limit)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeOK(w, map[string]any{"jobs": mapJobs(jobs)})
}

// CancelJob handles DELETE /v1/jobs/{jobID}. Waiting jobs finish
// immediately; running jobs are flagged and the executing robot signalled.
// The optional ?reason= query parameter is recorded with the cancellation.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via api"
	}

	job, err := h.orch.CancelJob(r.Context(), jobID, reason)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeOK(w, mapJob(job))
}

// RetryJob handles POST /v1/jobs/{jobID}/retry.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.orch.RetryJob(r.Context(), jobID)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeCreated(w, mapJob(job))
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.orch.Stats())
}
