package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloudrpa/fleet/internal/domain"
)

// CreateScheduleRequest is the body of POST /v1/schedules.
type CreateScheduleRequest struct {
	Name           string          `json:"name"`
	WorkflowID     string          `json:"workflow_id"`
	WorkflowName   string          `json:"workflow_name,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Frequency      string          `json:"frequency"`
	CronExpression string          `json:"cron_expression,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
	Priority       string          `json:"priority,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

// CreateSchedule handles POST /v1/schedules.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}

	s := &domain.Schedule{
		Name:           req.Name,
		WorkflowID:     req.WorkflowID,
		WorkflowName:   req.WorkflowName,
		Params:         req.Params,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Enabled:        true,
	}
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	if req.Frequency != "" {
		frequency, err := domain.NewScheduleFrequency(req.Frequency)
		if err != nil {
			fromDomainError(w, r, err)
			return
		}
		s.Frequency = frequency
	}
	if req.Priority != "" {
		priority, err := domain.NewJobPriority(req.Priority)
		if err != nil {
			fromDomainError(w, r, err)
			return
		}
		s.Priority = priority
	}

	stored, err := h.orch.CreateSchedule(r.Context(), s)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeCreated(w, mapSchedule(stored))
}

// ListSchedules handles GET /v1/schedules.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"schedules": mapSchedules(h.orch.ListSchedules())})
}

// GetSchedule handles GET /v1/schedules/{scheduleID}.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")

	s, err := h.orch.GetSchedule(scheduleID)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeOK(w, mapSchedule(s))
}

// PatchScheduleRequest is the body of PATCH /v1/schedules/{scheduleID}.
// Only the provided fields change; a body of {"enabled": false} pauses the
// schedule without touching its definition.
type PatchScheduleRequest struct {
	Enabled        *bool            `json:"enabled,omitempty"`
	Name           *string          `json:"name,omitempty"`
	WorkflowID     *string          `json:"workflow_id,omitempty"`
	WorkflowName   *string          `json:"workflow_name,omitempty"`
	Params         *json.RawMessage `json:"params,omitempty"`
	Frequency      *string          `json:"frequency,omitempty"`
	CronExpression *string          `json:"cron_expression,omitempty"`
	Timezone       *string          `json:"timezone,omitempty"`
	Priority       *string          `json:"priority,omitempty"`
}

// definitionChanged reports whether any field beyond the enabled flag is
// present.
func (req *PatchScheduleRequest) definitionChanged() bool {
	return req.Name != nil || req.WorkflowID != nil || req.WorkflowName != nil ||
		req.Params != nil || req.Frequency != nil || req.CronExpression != nil ||
		req.Timezone != nil || req.Priority != nil
}

// PatchSchedule handles PATCH /v1/schedules/{scheduleID}.
func (h *Handler) PatchSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")

	var req PatchScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}

	// A pure enable/disable toggle keeps the schedule's cursor; anything
	// else rebuilds the definition and recomputes the next run.
	if !req.definitionChanged() {
		if req.Enabled == nil {
			badRequest(w, "empty patch")
			return
		}
		s, err := h.orch.SetScheduleEnabled(r.Context(), scheduleID, *req.Enabled)
		if err != nil {
			fromDomainError(w, r, err)
			return
		}
		writeOK(w, mapSchedule(s))
		return
	}

	current, err := h.orch.GetSchedule(scheduleID)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}

	updated := current.Clone()
	if req.Enabled != nil {
		updated.Enabled = *req.Enabled
	}
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if req.WorkflowID != nil {
		updated.WorkflowID = *req.WorkflowID
	}
	if req.WorkflowName != nil {
		updated.WorkflowName = *req.WorkflowName
	}
	if req.Params != nil {
		updated.Params = *req.Params
	}
	if req.Frequency != nil {
		frequency, err := domain.NewScheduleFrequency(*req.Frequency)
		if err != nil {
			fromDomainError(w, r, err)
			return
		}
		updated.Frequency = frequency
	}
	if req.CronExpression != nil {
		updated.CronExpression = *req.CronExpression
	}
	if req.Timezone != nil {
		updated.Timezone = *req.Timezone
	}
	if req.Priority != nil {
		priority, err := domain.NewJobPriority(*req.Priority)
		if err != nil {
			fromDomainError(w, r, err)
			return
		}
		updated.Priority = priority
	}
	// The definition changed, so the firing cursor is stale.
	updated.NextRun = time.Time{}

	stored, err := h.orch.UpdateSchedule(r.Context(), updated)
	if err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeOK(w, mapSchedule(stored))
}

// DeleteSchedule handles DELETE /v1/schedules/{scheduleID}.
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")

	if err := h.orch.DeleteSchedule(r.Context(), scheduleID); err != nil {
		fromDomainError(w, r, err)
		return
	}
	writeNoContent(w)
}

// NextRuns handles GET /v1/schedules/next-runs. Returns the next ?limit=N
// occurrences across all enabled schedules in firing order.
func (h *Handler) NextRuns(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			validationError(w, "limit", "must be a positive integer")
			return
		}
		limit = n
	}
	writeOK(w, map[string]any{"next_runs": h.orch.PreviewSchedules(limit)})
}
