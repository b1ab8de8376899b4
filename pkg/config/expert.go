// Package config provides configuration management for the MOSAIC system,
// including expert, tool server, orchestrator, and LLM provider configurations.
package config

import (
	"fmt"
	"sort"
	"sync"
)

// ExpertConfig defines expert configuration (metadata only — see expert.Factory for instantiation).
type ExpertConfig struct {
	// Human-readable name shown in listings; falls back to the expert ID
	DisplayName string `yaml:"display_name,omitempty"`

	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// Capability tags used by orchestrator selection
	Capabilities []string `yaml:"capabilities,omitempty"`

	// Tool servers this expert uses
	ToolServers []string `yaml:"tool_servers,omitempty"`

	// Optional allow-list of server-qualified tool names ("server.tool").
	// Empty means every tool exposed by the bound servers is available.
	Tools []string `yaml:"tools,omitempty"`

	// Custom instructions override the system-wide default instructions
	Instructions string `yaml:"instructions,omitempty"`

	// LLM provider for this expert (empty = system default)
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// Model name override (empty = provider's model)
	Model string `yaml:"model,omitempty"`

	// Sampling temperature override (nil = provider default)
	Temperature *float64 `yaml:"temperature,omitempty" validate:"omitempty,min=0,max=2"`

	// Max completion tokens override (0 = provider default)
	MaxTokens int `yaml:"max_tokens,omitempty" validate:"omitempty,min=1"`

	// Max reasoning steps per call; clamped to a floor of 10 at run time
	MaxSteps *int `yaml:"max_steps,omitempty" validate:"omitempty,min=1,max=100"`

	// How conversation memory is stored between calls
	SessionPolicy SessionPolicy `yaml:"session_policy,omitempty"`

	// Enabled is a *bool: nil means "use default" (enabled), explicit false disables.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// Disabled returns true only when Enabled is explicitly set to false.
func (c *ExpertConfig) Disabled() bool {
	return c.Enabled != nil && !*c.Enabled
}

// ExpertRegistry stores expert configurations in memory with thread-safe access
type ExpertRegistry struct {
	experts map[string]*ExpertConfig
	mu      sync.RWMutex
}

// NewExpertRegistry creates a new expert registry
func NewExpertRegistry(experts map[string]*ExpertConfig) *ExpertRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*ExpertConfig, len(experts))
	for k, v := range experts {
		copied[k] = v
	}
	return &ExpertRegistry{
		experts: copied,
	}
}

// Get retrieves an expert configuration by ID (thread-safe).
// Returns ErrExpertNotFound for unknown IDs and ErrExpertDisabled for
// experts that exist but are switched off.
func (r *ExpertRegistry) Get(expertID string) (*ExpertConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	expert, exists := r.experts[expertID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrExpertNotFound, expertID)
	}
	if expert.Disabled() {
		return nil, fmt.Errorf("%w: %s", ErrExpertDisabled, expertID)
	}
	return expert, nil
}

// GetAll returns all expert configurations (thread-safe, returns copy)
func (r *ExpertRegistry) GetAll() map[string]*ExpertConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Return a copy to prevent external modification
	result := make(map[string]*ExpertConfig, len(r.experts))
	for k, v := range r.experts {
		result[k] = v
	}
	return result
}

// EnabledIDs returns the sorted IDs of all enabled experts (thread-safe)
func (r *ExpertRegistry) EnabledIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.experts))
	for id, expert := range r.experts {
		if !expert.Disabled() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Has checks if an expert exists in the registry, enabled or not (thread-safe)
func (r *ExpertRegistry) Has(expertID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.experts[expertID]
	return exists
}

// Len returns the number of experts in the registry (thread-safe)
func (r *ExpertRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.experts)
}
