package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/services"
	"github.com/mosaic-ai/mosaic/pkg/toolserver"
	"github.com/mosaic-ai/mosaic/pkg/trace"
)

func TestMapOrchestrationError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "client cancellation maps to 499",
			err:        fmt.Errorf("run aborted: %w", context.Canceled),
			wantStatus: StatusClientClosedRequest,
			wantCode:   CodeCancelled,
		},
		{
			name:       "deadline maps to 504",
			err:        fmt.Errorf("run aborted: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   CodeCancelled,
		},
		{
			name:       "unknown expert maps to 404",
			err:        fmt.Errorf("worker %q: %w", "ghost", config.ErrExpertNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   CodeUnknownExpert,
		},
		{
			name:       "disabled expert maps to 404",
			err:        fmt.Errorf("worker %q: %w", "sleepy", config.ErrExpertDisabled),
			wantStatus: http.StatusNotFound,
			wantCode:   CodeExpertDisabled,
		},
		{
			name:       "max turns maps to 400",
			err:        &expert.MaxTurnsError{Steps: 10},
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeMaxTurnsExceeded,
		},
		{
			name:       "tool server spawn failure maps to 502",
			err:        fmt.Errorf("server fs: %w", toolserver.ErrSpawnFailed),
			wantStatus: http.StatusBadGateway,
			wantCode:   CodeToolServerError,
		},
		{
			name:       "config validation maps to 400",
			err:        config.NewValidationError("expert", "alpha", "model", config.ErrMissingRequiredField),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeConfigError,
		},
		{
			name:       "service validation maps to 400",
			err:        services.NewValidationError("input", "must not be empty"),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidRequest,
		},
		{
			name:       "not found maps to 404",
			err:        fmt.Errorf("lookup: %w", services.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
		},
		{
			name:       "unknown error maps to 500",
			err:        fmt.Errorf("something unexpected happened"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   CodeOrchestratorError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := mapOrchestrationError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestRespondOrchestrationErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	respondOrchestrationError(c, "alpha", fmt.Errorf("backend exploded"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "backend exploded", body.Detail)
	assert.Equal(t, CodeOrchestratorError, body.ErrorCode)
	assert.NotEmpty(t, body.Timestamp)
	assert.Nil(t, body.Trace)
}

func TestRespondOrchestrationErrorAttachesMaxTurnsTrace(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	err := fmt.Errorf("expert alpha: %w", &expert.MaxTurnsError{
		Steps: 3,
		Trace: []trace.TurnRecord{
			{Turn: 1, Kind: "tool-call", ExpertID: "alpha", ToolName: "search"},
			{Turn: 2, Kind: "tool-call", ExpertID: "alpha", ToolName: "search"},
		},
	})
	respondOrchestrationError(c, "alpha", err)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := struct {
		ErrorCode string             `json:"error_code"`
		Trace     []trace.TurnRecord `json:"trace"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeMaxTurnsExceeded, body.ErrorCode)
	require.Len(t, body.Trace, 2)
	assert.Equal(t, "search", body.Trace[0].ToolName)
}
