package api

import (
	"github.com/mosaic-ai/mosaic/pkg/services"
	"github.com/mosaic-ai/mosaic/pkg/toolserver"
	"github.com/mosaic-ai/mosaic/pkg/trace"
)

// ChatResponse is returned by POST /agents/{id}/chat and /simulate.
// Trace carries per-turn records for single-expert runs; orchestrated runs
// put their phase-level trace under metadata instead.
type ChatResponse struct {
	Response string             `json:"response"`
	Trace    []trace.TurnRecord `json:"trace"`
	Metadata map[string]any     `json:"metadata"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string                              `json:"status"`
	Version       string                              `json:"version"`
	Configuration ConfigurationStats                  `json:"configuration"`
	Checks        map[string]HealthCheck              `json:"checks"`
	ToolServers   map[string]*toolserver.HealthStatus `json:"tool_servers,omitempty"`
	Warnings      []*services.SystemWarning           `json:"warnings,omitempty"`
}

// HealthCheck is the status of one internal component in /health.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ConfigurationStats contains counts of loaded configuration items.
type ConfigurationStats struct {
	Experts      int `json:"experts"`
	ToolServers  int `json:"tool_servers"`
	LLMProviders int `json:"llm_providers"`
}
