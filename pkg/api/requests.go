package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// maxRequestSteps caps the per-request reasoning step override. Values
// above this point at a runaway client, not a real workload.
const maxRequestSteps = 100

// ChatRequest is the HTTP request body for POST /agents/{id}/chat,
// /chat/stream and /simulate.
type ChatRequest struct {
	Input     string         `json:"input"`
	Context   map[string]any `json:"context,omitempty"`
	MaxSteps  int            `json:"max_steps,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// bindChatRequest binds and validates the shared chat request body. On
// failure it writes the error response and returns false; the caller just
// returns. The length check runs before any orchestration work so an
// oversized query never reaches an LLM.
func (s *Server) bindChatRequest(c *gin.Context) (*ChatRequest, bool) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return nil, false
	}

	if strings.TrimSpace(req.Input) == "" {
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "input field is required")
		return nil, false
	}

	if limit := s.cfg.Server.MaxQueryChars; limit > 0 && len(req.Input) > limit {
		writeError(c, http.StatusUnprocessableEntity, CodeQueryTooLong,
			fmt.Sprintf("input exceeds maximum length of %d characters", limit))
		return nil, false
	}

	if req.MaxSteps < 0 || req.MaxSteps > maxRequestSteps {
		writeError(c, http.StatusBadRequest, CodeInvalidRequest,
			fmt.Sprintf("max_steps must be between 0 and %d", maxRequestSteps))
		return nil, false
	}

	return &req, true
}
