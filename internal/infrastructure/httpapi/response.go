package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cloudrpa/fleet/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []ErrorField `json:"details,omitempty"`
}

// ErrorField describes a field-specific error.
type ErrorField struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writeOK sends a 200 OK response with JSON data.
func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

// writeCreated sends a 201 Created response with JSON data.
func writeCreated(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, data)
}

// writeNoContent sends a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError sends a generic error response.
func writeError(w http.ResponseWriter, code, message string, statusCode int) {
	writeJSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// badRequest sends a 400 Bad Request error.
func badRequest(w http.ResponseWriter, message string) {
	writeError(w, "INVALID_REQUEST", message, http.StatusBadRequest)
}

// validationError sends a 400 validation error with field details.
func validationError(w http.ResponseWriter, field, issue string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "VALIDATION_ERROR",
			Message: "validation failed",
			Details: []ErrorField{
				{Field: field, Issue: issue},
			},
		},
	})
}

// notFound sends a 404 Not Found error.
func notFound(w http.ResponseWriter, resource string) {
	writeError(w, "NOT_FOUND", resource+" not found", http.StatusNotFound)
}

// unauthorized sends a 401 Unauthorized error.
func unauthorized(w http.ResponseWriter, message string) {
	writeError(w, "UNAUTHORIZED", message, http.StatusUnauthorized)
}

// conflict sends a 409 Conflict error.
func conflict(w http.ResponseWriter, message string) {
	writeError(w, "CONFLICT", message, http.StatusConflict)
}

// internalError sends a 500 Internal Server Error.
// Logs the error server-side with request context but returns a generic
// message to the client to prevent information disclosure.
func internalError(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.ErrorContext(r.Context(), "Internal server error", "error", err)
	}
	writeError(w, "INTERNAL_ERROR", "an internal error occurred", http.StatusInternalServerError)
}

// fromDomainError maps domain errors to HTTP responses.
func fromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	// Validation errors (400)
	case errors.Is(err, domain.ErrInvalidJob):
		writeError(w, "INVALID_REQUEST", err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidStatus):
		validationError(w, "status", "invalid job status")
	case errors.Is(err, domain.ErrInvalidPriority):
		validationError(w, "priority", "invalid priority level")
	case errors.Is(err, domain.ErrInvalidRobotStatus):
		validationError(w, "status", "invalid robot status")
	case errors.Is(err, domain.ErrInvalidFrequency):
		validationError(w, "frequency", "invalid schedule frequency")
	case errors.Is(err, domain.ErrInvalidSchedule):
		writeError(w, "INVALID_REQUEST", err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, "INVALID_TRANSITION", err.Error(), http.StatusBadRequest)

	// Not found errors (404)
	case errors.Is(err, domain.ErrJobNotFound):
		notFound(w, "job")
	case errors.Is(err, domain.ErrRobotNotFound):
		notFound(w, "robot")
	case errors.Is(err, domain.ErrScheduleNotFound):
		notFound(w, "schedule")

	// Concurrency and duplication errors (409)
	case errors.Is(err, domain.ErrDuplicateJob):
		conflict(w, "duplicate job submission inside the dedup window")
	case errors.Is(err, domain.ErrDuplicateRobot):
		conflict(w, "robot name already registered")
	case errors.Is(err, domain.ErrCapacityExceeded):
		conflict(w, "queue capacity exceeded")
	case errors.Is(err, domain.ErrLeaseLost):
		conflict(w, "job lease lost")

	// Unknown errors (500). Log server-side, return generic message to client.
	default:
		internalError(w, r, err)
	}
}
