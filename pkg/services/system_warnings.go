// Package services holds shared service-layer primitives: sentinel errors
// and the in-memory system warnings collector surfaced at /warnings.
package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Warning category constants for categorizing system warnings.
const (
	WarningCategoryToolServerHealth = "tool_server_health" // tool server became unhealthy at runtime
	WarningCategorySessionStore     = "session_store"      // session store could not be opened or closed
	WarningCategoryExpertConfig     = "expert_config"      // expert descriptor was skipped at resolve time
	WarningCategoryGuardrail        = "guardrail"          // answer checker unavailable, answers pass unchecked
)

// SystemWarning represents a non-fatal system issue.
type SystemWarning struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Subject   string    `json:"subject,omitempty"` // tool server name, expert id, session id
	CreatedAt time.Time `json:"created_at"`
}

// SystemWarningsService manages in-memory system warnings.
// Thread-safe. Not persisted; warnings reset on restart.
type SystemWarningsService struct {
	mu       sync.RWMutex
	warnings map[string]*SystemWarning // warningID → warning
}

// NewSystemWarningsService creates a new SystemWarningsService.
func NewSystemWarningsService() *SystemWarningsService {
	return &SystemWarningsService{
		warnings: make(map[string]*SystemWarning),
	}
}

// AddWarning adds a warning and returns its ID.
// If a warning with the same category+subject already exists, it is replaced.
func (s *SystemWarningsService) AddWarning(category, message, details, subject string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Replace existing warning with same category+subject to avoid duplicates
	for id, w := range s.warnings {
		if w.Category == category && w.Subject == subject {
			delete(s.warnings, id)
			break
		}
	}

	id := uuid.New().String()
	s.warnings[id] = &SystemWarning{
		ID:        id,
		Category:  category,
		Message:   message,
		Details:   details,
		Subject:   subject,
		CreatedAt: time.Now(),
	}
	return id
}

// GetWarnings returns all active warnings as value copies.
// Callers may safely read or compare the returned structs without holding locks.
func (s *SystemWarningsService) GetWarnings() []*SystemWarning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*SystemWarning, 0, len(s.warnings))
	for _, w := range s.warnings {
		cp := *w
		result = append(result, &cp)
	}
	return result
}

// ClearBySubject removes a warning matching category + subject.
// Used by the tool-server health monitor to clear warnings when servers recover.
// Returns true if a warning was removed.
func (s *SystemWarningsService) ClearBySubject(category, subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.warnings {
		if w.Category == category && w.Subject == subject {
			delete(s.warnings, id)
			return true
		}
	}
	return false
}
