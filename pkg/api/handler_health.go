package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mosaic-ai/mosaic/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthCheckTimeout bounds the probes run inside /health.
const healthCheckTimeout = 5 * time.Second

// healthHandler handles GET /health.
//
// Only mosaic's own components decide the overall status: the expert
// configuration and the history store. Tool servers are external and at
// most degrade the status, so an upstream outage cannot trip a liveness
// probe into restarting mosaic.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	stats := s.cfg.Stats()
	if stats.Experts == 0 {
		status = healthStatusDegraded
		checks["configuration"] = HealthCheck{Status: healthStatusDegraded, Message: "no experts configured"}
	} else {
		checks["configuration"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.history != nil {
		if _, err := s.history.Count(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["history"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["history"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	response := &HealthResponse{
		Version: version.GitCommit,
		Configuration: ConfigurationStats{
			Experts:      stats.Experts,
			ToolServers:  stats.ToolServers,
			LLMProviders: stats.LLMProviders,
		},
		Checks: checks,
	}

	if s.healthMonitor != nil {
		response.ToolServers = s.healthMonitor.GetStatuses()
		if !s.healthMonitor.IsHealthy() && status == healthStatusHealthy {
			status = healthStatusDegraded
		}
	}

	if s.warningService != nil {
		response.Warnings = sortedWarnings(s.warningService.GetWarnings())
	}

	response.Status = status

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, response)
}
