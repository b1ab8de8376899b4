package config

// Config is the umbrella configuration object that encapsulates
// all registries, defaults, and configuration state.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// System-wide defaults
	Defaults *Defaults

	// HTTP server settings
	Server *ServerConfig

	// Root directory for local state (session stores, history)
	DataDir string

	// PostgreSQL DSN for postgres-backed session stores. Empty unless the
	// deployment opts into the postgres session policy.
	SessionsDSN string

	// Run history persistence
	History *HistoryConfig

	// Orchestrator settings
	MoE         *MoEConfig
	SmartRouter *SmartRouterConfig

	// Result cache settings
	Cache *CacheConfig

	// Relevance guardrail settings
	Guardrail *GuardrailConfig

	// Component registries
	ExpertRegistry      *ExpertRegistry
	ToolServerRegistry  *ToolServerRegistry
	LLMProviderRegistry *LLMProviderRegistry
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Experts      int
	ToolServers  int
	LLMProviders int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.ExpertRegistry != nil {
		s.Experts = c.ExpertRegistry.Len()
	}
	if c.ToolServerRegistry != nil {
		s.ToolServers = c.ToolServerRegistry.Len()
	}
	if c.LLMProviderRegistry != nil {
		s.LLMProviders = c.LLMProviderRegistry.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// SessionsDir returns the directory that holds file-backed session stores.
func (c *Config) SessionsDir() string {
	return SessionsDir(c.DataDir)
}

// GetExpert retrieves an expert configuration by ID.
// This is a convenience method that wraps ExpertRegistry.Get().
func (c *Config) GetExpert(expertID string) (*ExpertConfig, error) {
	return c.ExpertRegistry.Get(expertID)
}

// GetToolServer retrieves a tool server configuration by name.
// This is a convenience method that wraps ToolServerRegistry.Get().
func (c *Config) GetToolServer(name string) (*ToolServerConfig, error) {
	return c.ToolServerRegistry.Get(name)
}

// GetLLMProvider retrieves an LLM provider configuration by name.
// This is a convenience method that wraps LLMProviderRegistry.Get().
func (c *Config) GetLLMProvider(name string) (*LLMProviderConfig, error) {
	return c.LLMProviderRegistry.Get(name)
}

// ResolveProvider returns the provider configuration an expert or
// orchestrator phase should use: the named one when set, otherwise the
// system default.
func (c *Config) ResolveProvider(name string) (*LLMProviderConfig, error) {
	if name == "" {
		name = c.Defaults.LLMProvider
	}
	return c.LLMProviderRegistry.Get(name)
}

// AllToolServerNames returns a sorted list of all configured tool server names.
func (c *Config) AllToolServerNames() []string {
	return c.ToolServerRegistry.Names()
}
