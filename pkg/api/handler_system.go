package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/mosaic-ai/mosaic/pkg/services"
)

// --- Response types ---

// WarningsResponse is returned by GET /warnings.
type WarningsResponse struct {
	Warnings []*services.SystemWarning `json:"warnings"`
}

// --- Handlers ---

// warningsHandler handles GET /warnings.
func (s *Server) warningsHandler(c *gin.Context) {
	response := WarningsResponse{
		Warnings: []*services.SystemWarning{},
	}

	if s.warningService != nil {
		response.Warnings = sortedWarnings(s.warningService.GetWarnings())
	}

	c.JSON(http.StatusOK, response)
}

// sortedWarnings orders warnings newest first for deterministic output;
// the collector hands them back in map order.
func sortedWarnings(warnings []*services.SystemWarning) []*services.SystemWarning {
	sort.Slice(warnings, func(i, j int) bool {
		if warnings[i].CreatedAt.Equal(warnings[j].CreatedAt) {
			return warnings[i].ID < warnings[j].ID
		}
		return warnings[i].CreatedAt.After(warnings[j].CreatedAt)
	})
	return warnings
}
