package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// --- Response types ---

// AgentSummary is one expert in the GET /agents listing.
type AgentSummary struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
	Enabled      bool     `json:"enabled"`
}

// OrchestratorSummary is one composite orchestrator in the GET /agents listing.
type OrchestratorSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// AgentsResponse is returned by GET /agents.
type AgentsResponse struct {
	Agents        []AgentSummary        `json:"agents"`
	Orchestrators []OrchestratorSummary `json:"orchestrators"`
}

// --- Handlers ---

// agentsHandler handles GET /agents. Disabled experts are listed with
// enabled=false so the whole configured roster stays visible.
func (s *Server) agentsHandler(c *gin.Context) {
	response := AgentsResponse{
		Agents:        []AgentSummary{},
		Orchestrators: []OrchestratorSummary{},
	}

	if s.cfg.ExpertRegistry != nil {
		all := s.cfg.ExpertRegistry.GetAll()
		ids := make([]string, 0, len(all))
		for id := range all {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			expertCfg := all[id]
			summary := AgentSummary{
				ID:           id,
				DisplayName:  expertCfg.DisplayName,
				Description:  expertCfg.Description,
				Capabilities: expertCfg.Capabilities,
				Enabled:      !expertCfg.Disabled(),
			}
			if summary.DisplayName == "" {
				summary.DisplayName = id
			}
			if summary.Capabilities == nil {
				summary.Capabilities = []string{}
			}
			response.Agents = append(response.Agents, summary)
		}
	}

	response.Orchestrators = append(response.Orchestrators,
		OrchestratorSummary{ID: s.moe.Name(), DisplayName: s.moe.DisplayName()},
		OrchestratorSummary{ID: s.smart.Name(), DisplayName: s.smart.DisplayName()},
	)

	c.JSON(http.StatusOK, response)
}
