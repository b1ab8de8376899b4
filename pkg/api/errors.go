package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/services"
	"github.com/mosaic-ai/mosaic/pkg/toolserver"
)

// StatusClientClosedRequest is the nginx-convention status for a request
// aborted by the client before the server finished.
const StatusClientClosedRequest = 499

// Wire error codes. Streamed errors reuse the same vocabulary in the
// error chunk's metadata.
const (
	CodeConfigError       = "config_error"
	CodeUnknownExpert     = "unknown_expert"
	CodeExpertDisabled    = "expert_disabled"
	CodeMaxTurnsExceeded  = "max_turns_exceeded"
	CodeQueryTooLong      = "query_too_long"
	CodeInvalidRequest    = "invalid_request"
	CodeToolServerError   = "tool_server_error"
	CodeCancelled         = "cancelled"
	CodeNotFound          = "not_found"
	CodeStorageError      = "storage_error"
	CodeOrchestratorError = "orchestrator_error"
)

// ErrorResponse is the JSON failure body for every non-streaming endpoint.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
	Timestamp string `json:"timestamp"`
	Trace     any    `json:"trace,omitempty"`
}

// newErrorResponse builds the standard failure body.
func newErrorResponse(detail, code string) ErrorResponse {
	return ErrorResponse{
		Detail:    detail,
		ErrorCode: code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// writeError sends the standard failure body with the given status.
func writeError(c *gin.Context, status int, code, detail string) {
	c.JSON(status, newErrorResponse(detail, code))
}

// mapOrchestrationError translates an orchestration error into an HTTP
// status and wire error code.
//
// Cancellation maps to 499 (client closed request); a server-side deadline
// maps to 504. Both carry the "cancelled" code so stream consumers see one
// vocabulary for interrupted runs.
func mapOrchestrationError(err error) (int, string) {
	var cfgErr *config.ValidationError
	var svcErr *services.ValidationError

	switch {
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeCancelled
	case errors.Is(err, config.ErrExpertNotFound):
		return http.StatusNotFound, CodeUnknownExpert
	case errors.Is(err, config.ErrExpertDisabled):
		return http.StatusNotFound, CodeExpertDisabled
	case errors.Is(err, expert.ErrMaxTurnsExceeded):
		return http.StatusBadRequest, CodeMaxTurnsExceeded
	case errors.Is(err, toolserver.ErrDisabledConfig),
		errors.Is(err, toolserver.ErrMissingCommand),
		errors.Is(err, toolserver.ErrBadWorkingDir),
		errors.Is(err, toolserver.ErrSpawnFailed):
		return http.StatusBadGateway, CodeToolServerError
	case errors.As(err, &cfgErr),
		errors.Is(err, config.ErrInvalidReference),
		errors.Is(err, config.ErrMissingRequiredField),
		errors.Is(err, config.ErrInvalidValue):
		return http.StatusBadRequest, CodeConfigError
	case errors.As(err, &svcErr):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	default:
		return http.StatusInternalServerError, CodeOrchestratorError
	}
}

// respondOrchestrationError writes the failure body for an orchestration
// error. A max-turns failure attaches the partial turn trace so the caller
// can see what ran before the cutoff. Client cancellations are routine and
// logged at info; everything else logs as an error with the mapped code.
func respondOrchestrationError(c *gin.Context, orchestratorID string, err error) {
	status, code := mapOrchestrationError(err)

	if code == CodeCancelled {
		slog.Info("Orchestration interrupted",
			"orchestrator", orchestratorID,
			"status", status)
	} else {
		slog.Error("Orchestration failed",
			"orchestrator", orchestratorID,
			"error_code", code,
			"status", status,
			"error", err)
	}

	body := newErrorResponse(err.Error(), code)
	var maxTurns *expert.MaxTurnsError
	if errors.As(err, &maxTurns) && len(maxTurns.Trace) > 0 {
		body.Trace = maxTurns.Trace
	}
	c.JSON(status, body)
}
