package rest

import (
	"errors"
	"net/http"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// APIError is the JSON error envelope every endpoint returns on failure.
type APIError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Kind       string                 `json:"kind,omitempty"`
	StepID     string                 `json:"step_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code, message string, httpStatus int) *APIError {
	return &APIError{Code: code, Message: message, HTTPStatus: httpStatus}
}

var (
	ErrBadRequest       = NewAPIError("BAD_REQUEST", "Invalid request", http.StatusBadRequest)
	ErrNotFound         = NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	ErrInternalServer   = NewAPIError("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
	ErrInvalidJSON      = NewAPIError("INVALID_JSON", "Invalid JSON in request body", http.StatusBadRequest)
	ErrMissingParameter = NewAPIError("MISSING_PARAMETER", "Required parameter is missing", http.StatusBadRequest)
)

// statusForKind maps the engine's error taxonomy onto HTTP statuses:
// Validation/ControlFlow/StateAccess/Evaluation are caller mistakes (400),
// Timeout is a gateway timeout (504), Cancelled is a conflict (409), and
// everything else is a server-side failure (500).
func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrorKindValidation, models.ErrorKindControlFlow, models.ErrorKindStateAccess, models.ErrorKindEvaluation:
		return http.StatusBadRequest
	case models.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case models.ErrorKindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// TranslateError maps any engine error to the API envelope.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var werr *models.WorkflowError
	if errors.As(err, &werr) {
		out := NewAPIError("WORKFLOW_ERROR", werr.Message, statusForKind(werr.Kind))
		out.Kind = string(werr.Kind)
		out.StepID = werr.StepID
		return out
	}

	var verrs models.ValidationErrors
	if errors.As(err, &verrs) {
		out := NewAPIError("VALIDATION_FAILED", verrs.Error(), http.StatusBadRequest)
		details := make(map[string]interface{}, len(verrs))
		for _, v := range verrs {
			details[v.Field] = v.Message
		}
		out.Details = details
		return out
	}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return NewAPIError("VALIDATION_FAILED", verr.Error(), http.StatusBadRequest)
	}
	var cycle *models.ComputedCycle
	if errors.As(err, &cycle) {
		return NewAPIError("COMPUTED_CYCLE", cycle.Error(), http.StatusBadRequest)
	}

	switch {
	case errors.Is(err, models.ErrWorkflowNotFound):
		return NewAPIError("WORKFLOW_NOT_FOUND", "Workflow not found", http.StatusNotFound)
	case errors.Is(err, models.ErrInstanceNotFound):
		return NewAPIError("INSTANCE_NOT_FOUND", "Workflow instance not found", http.StatusNotFound)
	case errors.Is(err, models.ErrSubAgentNotFound):
		return NewAPIError("SUB_AGENT_NOT_FOUND", "Sub-agent task not found", http.StatusNotFound)
	}

	return NewAPIError("INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
}
