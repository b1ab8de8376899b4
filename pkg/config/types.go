package config

// Shared types used across configuration structs

// TransportConfig defines tool server transport configuration
type TransportConfig struct {
	Type TransportType `yaml:"type" validate:"required"`

	// For stdio transport: the command is spawned per expert call and torn
	// down with it. For streamable-http transport: the command (when set) is
	// the supervised subprocess serving URL.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Workdir string            `yaml:"workdir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"` // Environment overrides for the subprocess

	// For streamable-http transport
	URL            string `yaml:"url,omitempty"`
	BearerTokenEnv string `yaml:"bearer_token_env,omitempty"`
	Timeout        int    `yaml:"timeout,omitempty"` // In seconds
}

// MaskingConfig defines data masking configuration for tool servers
type MaskingConfig struct {
	Enabled        bool             `yaml:"enabled"`
	PatternGroups  []string         `yaml:"pattern_groups,omitempty"`
	Patterns       []string         `yaml:"patterns,omitempty"`
	CustomPatterns []MaskingPattern `yaml:"custom_patterns,omitempty"`
}

// MaskingPattern defines a regex-based masking pattern
type MaskingPattern struct {
	Pattern     string `yaml:"pattern" validate:"required"`
	Replacement string `yaml:"replacement" validate:"required"`
	Description string `yaml:"description,omitempty"`
}

// BoolPtr returns a pointer to b. Convenience for *bool struct fields.
func BoolPtr(b bool) *bool { return &b }

// IntPtr returns a pointer to n. Convenience for *int struct fields.
func IntPtr(n int) *int { return &n }

// Float64Ptr returns a pointer to f. Convenience for *float64 struct fields.
func Float64Ptr(f float64) *float64 { return &f }
