package config

import (
	"fmt"
	"sort"
	"sync"
)

// ToolServerConfig defines tool server configuration
type ToolServerConfig struct {
	// Transport configuration (required)
	Transport TransportConfig `yaml:"transport" validate:"required"`

	// Instructions for the LLM when using this tool server
	Instructions string `yaml:"instructions,omitempty"`

	// Data masking configuration (critical for security)
	DataMasking *MaskingConfig `yaml:"data_masking,omitempty"`

	// Grace period after spawning a supervised subprocess before the first
	// connection attempt (streamable-http only)
	StartupGrace Duration `yaml:"startup_grace,omitempty"`

	// Enabled is a *bool: nil means "use default" (enabled), explicit false disables.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// Disabled returns true only when Enabled is explicitly set to false.
func (c *ToolServerConfig) Disabled() bool {
	return c.Enabled != nil && !*c.Enabled
}

// ToolServerRegistry stores tool server configurations in memory with thread-safe access
type ToolServerRegistry struct {
	servers map[string]*ToolServerConfig
	mu      sync.RWMutex
}

// NewToolServerRegistry creates a new tool server registry
func NewToolServerRegistry(servers map[string]*ToolServerConfig) *ToolServerRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*ToolServerConfig, len(servers))
	for k, v := range servers {
		copied[k] = v
	}
	return &ToolServerRegistry{
		servers: copied,
	}
}

// Get retrieves a tool server configuration by name (thread-safe)
func (r *ToolServerRegistry) Get(name string) (*ToolServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, exists := r.servers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrToolServerNotFound, name)
	}
	return server, nil
}

// GetAll returns all tool server configurations (thread-safe, returns copy)
func (r *ToolServerRegistry) GetAll() map[string]*ToolServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Return a copy to prevent external modification
	result := make(map[string]*ToolServerConfig, len(r.servers))
	for k, v := range r.servers {
		result[k] = v
	}
	return result
}

// Has checks if a tool server exists in the registry (thread-safe)
func (r *ToolServerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.servers[name]
	return exists
}

// Names returns a sorted list of all configured tool server names.
func (r *ToolServerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tool servers in the registry (thread-safe)
func (r *ToolServerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}
