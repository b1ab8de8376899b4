package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mosaic-ai/mosaic/pkg/history"
	"github.com/mosaic-ai/mosaic/pkg/services"
)

// --- Response types ---

// RunsResponse is returned by GET /history/runs.
type RunsResponse struct {
	Runs     []*history.Run `json:"runs"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// --- Handlers ---

// listRunsHandler handles GET /history/runs. Runs come back newest first
// without their trace payloads; GET /history/runs/:id carries the full
// trace.
func (s *Server) listRunsHandler(c *gin.Context) {
	if s.history == nil {
		writeError(c, http.StatusServiceUnavailable, CodeConfigError, "run history is disabled")
		return
	}

	page := 1
	pageSize := 25
	if v := c.Query("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := c.Query("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 100 {
			pageSize = ps
		}
	}

	ctx := c.Request.Context()
	runs, err := s.history.List(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeStorageError, err.Error())
		return
	}
	if runs == nil {
		runs = []*history.Run{}
	}
	total, err := s.history.Count(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeStorageError, err.Error())
		return
	}

	c.JSON(http.StatusOK, RunsResponse{
		Runs:     runs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// getRunHandler handles GET /history/runs/:id.
func (s *Server) getRunHandler(c *gin.Context) {
	if s.history == nil {
		writeError(c, http.StatusServiceUnavailable, CodeConfigError, "run history is disabled")
		return
	}

	run, err := s.history.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(c, http.StatusNotFound, CodeNotFound, "run not found")
			return
		}
		writeError(c, http.StatusInternalServerError, CodeStorageError, err.Error())
		return
	}

	c.JSON(http.StatusOK, run)
}
