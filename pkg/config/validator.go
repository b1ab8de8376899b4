package config

import (
	"fmt"
	"os"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: defaults → LLM providers → tool servers → experts → orchestrators
	// This ensures dependencies are validated before dependents

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	if err := v.validateLLMProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}

	if err := v.validateToolServers(); err != nil {
		return fmt.Errorf("tool server validation failed: %w", err)
	}

	if err := v.validateExperts(); err != nil {
		return fmt.Errorf("expert validation failed: %w", err)
	}

	if err := v.validateOrchestrators(); err != nil {
		return fmt.Errorf("orchestrator validation failed: %w", err)
	}

	if err := v.validateGuardrail(); err != nil {
		return fmt.Errorf("guardrail validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateDefaults() error {
	d := v.cfg.Defaults

	if err := d.SessionPolicy.Validate(); err != nil {
		return NewValidationError("defaults", "defaults", "session_policy", err)
	}
	if d.SessionPolicy == SessionPolicyPostgres && v.cfg.SessionsDSN == "" {
		return NewValidationError("defaults", "defaults", "session_policy", fmt.Errorf("postgres sessions require system.sessions_dsn"))
	}

	if d.MaxSteps != nil && (*d.MaxSteps < 1 || *d.MaxSteps > 100) {
		return NewValidationError("defaults", "defaults", "max_steps", fmt.Errorf("must be within [1, 100]"))
	}

	if !v.cfg.LLMProviderRegistry.Has(d.LLMProvider) {
		return NewValidationError("defaults", "defaults", "llm_provider", fmt.Errorf("LLM provider '%s' not found", d.LLMProvider))
	}

	if d.StorageMasking != nil && d.StorageMasking.Enabled {
		if _, exists := GetBuiltinConfig().PatternGroups[d.StorageMasking.PatternGroup]; !exists {
			return NewValidationError("defaults", "defaults", "storage_masking.pattern_group", fmt.Errorf("pattern group '%s' not found", d.StorageMasking.PatternGroup))
		}
	}

	return nil
}

func (v *ConfigValidator) validateExperts() error {
	for id, expert := range v.cfg.ExpertRegistry.GetAll() {
		// Validate tool server references
		for _, name := range expert.ToolServers {
			if !v.cfg.ToolServerRegistry.Has(name) {
				return NewValidationError("expert", id, "tool_servers", fmt.Errorf("tool server '%s' not found", name))
			}
		}

		// Validate LLM provider if specified
		if expert.LLMProvider != "" && !v.cfg.LLMProviderRegistry.Has(expert.LLMProvider) {
			return NewValidationError("expert", id, "llm_provider", fmt.Errorf("LLM provider '%s' not found", expert.LLMProvider))
		}

		// Validate session policy if specified
		if err := expert.SessionPolicy.Validate(); err != nil {
			return NewValidationError("expert", id, "session_policy", err)
		}
		if expert.SessionPolicy == SessionPolicyPostgres && v.cfg.SessionsDSN == "" {
			return NewValidationError("expert", id, "session_policy", fmt.Errorf("postgres sessions require system.sessions_dsn"))
		}

		// Validate max steps if specified
		if expert.MaxSteps != nil && (*expert.MaxSteps < 1 || *expert.MaxSteps > 100) {
			return NewValidationError("expert", id, "max_steps", fmt.Errorf("must be within [1, 100]"))
		}

		// Validate temperature if specified
		if expert.Temperature != nil && (*expert.Temperature < 0 || *expert.Temperature > 2) {
			return NewValidationError("expert", id, "temperature", fmt.Errorf("must be within [0, 2]"))
		}

		// Every expert needs instructions of its own or the inherited default
		if expert.Instructions == "" && v.cfg.Defaults.Instructions == "" {
			return NewValidationError("expert", id, "instructions", fmt.Errorf("no instructions and no default to inherit"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateToolServers() error {
	builtin := GetBuiltinConfig()

	for name, server := range v.cfg.ToolServerRegistry.GetAll() {
		// Validate transport type
		if err := server.Transport.Type.Validate(); err != nil {
			return NewValidationError("tool_server", name, "transport.type", err)
		}

		// Validate transport-specific fields. A missing command on a
		// streamable-http server is legal here: the supervisor reports it
		// as a start failure, not a load failure.
		switch server.Transport.Type.OrDefault() {
		case TransportStdio:
			if server.Transport.Command == "" {
				return NewValidationError("tool_server", name, "transport.command", fmt.Errorf("command required for stdio transport"))
			}

		case TransportStreamableHTTP:
			if server.Transport.URL == "" {
				return NewValidationError("tool_server", name, "transport.url", fmt.Errorf("url required for streamable-http transport"))
			}
		}

		if server.StartupGrace < 0 {
			return NewValidationError("tool_server", name, "startup_grace", fmt.Errorf("must not be negative"))
		}

		// Validate data masking configuration
		if server.DataMasking != nil && server.DataMasking.Enabled {
			// Validate pattern groups reference built-in patterns
			for _, groupName := range server.DataMasking.PatternGroups {
				if _, exists := builtin.PatternGroups[groupName]; !exists {
					return NewValidationError("tool_server", name, "data_masking.pattern_groups", fmt.Errorf("pattern group '%s' not found", groupName))
				}
			}

			// Validate individual patterns reference built-in patterns
			for _, patternName := range server.DataMasking.Patterns {
				if _, exists := builtin.MaskingPatterns[patternName]; !exists {
					return NewValidationError("tool_server", name, "data_masking.patterns", fmt.Errorf("pattern '%s' not found", patternName))
				}
			}

			// Validate custom patterns have required fields
			for i, pattern := range server.DataMasking.CustomPatterns {
				if pattern.Pattern == "" {
					return NewValidationError("tool_server", name, fmt.Sprintf("data_masking.custom_patterns[%d].pattern", i), fmt.Errorf("pattern required"))
				}
				if pattern.Replacement == "" {
					return NewValidationError("tool_server", name, fmt.Sprintf("data_masking.custom_patterns[%d].replacement", i), fmt.Errorf("replacement required"))
				}
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateLLMProviders() error {
	referenced := v.referencedProviders()

	for name, provider := range v.cfg.LLMProviderRegistry.GetAll() {
		// Validate provider type
		if err := provider.Type.Validate(); err != nil {
			return NewValidationError("llm_provider", name, "type", err)
		}

		// Validate model is not empty
		if provider.Model == "" {
			return NewValidationError("llm_provider", name, "model", fmt.Errorf("model required"))
		}

		// Ollama speaks to a local endpoint, so it needs a base URL
		if provider.Type == LLMProviderTypeOllama && provider.BaseURL == "" {
			return NewValidationError("llm_provider", name, "base_url", fmt.Errorf("base_url required for ollama"))
		}

		// Validate temperature if specified
		if provider.Temperature != nil && (*provider.Temperature < 0 || *provider.Temperature > 2) {
			return NewValidationError("llm_provider", name, "temperature", fmt.Errorf("must be within [0, 2]"))
		}

		// Validate the API key env var is set, but only for providers that
		// something actually references. Unreferenced built-ins must not
		// force every vendor's key into the environment.
		if referenced[name] && provider.APIKeyEnv != "" {
			if value := os.Getenv(provider.APIKeyEnv); value == "" {
				return NewValidationError("llm_provider", name, "api_key_env", fmt.Errorf("environment variable %s is not set", provider.APIKeyEnv))
			}
		}
	}

	return nil
}

// referencedProviders collects the names of all providers that experts,
// orchestrators, the guardrail, or the system default point at.
func (v *ConfigValidator) referencedProviders() map[string]bool {
	referenced := map[string]bool{
		v.cfg.Defaults.LLMProvider: true,
	}

	for _, expert := range v.cfg.ExpertRegistry.GetAll() {
		if expert.Disabled() {
			continue
		}
		if expert.LLMProvider != "" {
			referenced[expert.LLMProvider] = true
		}
	}

	if v.cfg.SmartRouter.PlannerProvider != "" {
		referenced[v.cfg.SmartRouter.PlannerProvider] = true
	}
	if v.cfg.SmartRouter.SynthesisProvider != "" {
		referenced[v.cfg.SmartRouter.SynthesisProvider] = true
	}
	if !v.cfg.Guardrail.GuardrailDisabled() && v.cfg.Guardrail.LLMProvider != "" {
		referenced[v.cfg.Guardrail.LLMProvider] = true
	}

	return referenced
}

func (v *ConfigValidator) validateOrchestrators() error {
	moe := v.cfg.MoE
	if moe.SelectionCount < 1 {
		return NewValidationError("orchestrator", "moe", "selection_count", fmt.Errorf("must be at least 1"))
	}
	if moe.ExpertTimeout <= 0 {
		return NewValidationError("orchestrator", "moe", "expert_timeout", fmt.Errorf("must be positive"))
	}
	if moe.MaxBudget <= 0 {
		return NewValidationError("orchestrator", "moe", "max_budget", fmt.Errorf("must be positive"))
	}
	if moe.Synthesizer != "" {
		if _, err := v.cfg.ExpertRegistry.Get(moe.Synthesizer); err != nil {
			return NewValidationError("orchestrator", "moe", "synthesizer", err)
		}
	}

	sr := v.cfg.SmartRouter
	if sr.MaxConcurrent < 1 {
		return NewValidationError("orchestrator", "smartrouter", "max_concurrent", fmt.Errorf("must be at least 1"))
	}
	if sr.ExpertTimeout <= 0 {
		return NewValidationError("orchestrator", "smartrouter", "expert_timeout", fmt.Errorf("must be positive"))
	}
	if sr.MaxBudget <= 0 {
		return NewValidationError("orchestrator", "smartrouter", "max_budget", fmt.Errorf("must be positive"))
	}
	if sr.PlannerProvider != "" && !v.cfg.LLMProviderRegistry.Has(sr.PlannerProvider) {
		return NewValidationError("orchestrator", "smartrouter", "planner_provider", fmt.Errorf("LLM provider '%s' not found", sr.PlannerProvider))
	}
	if sr.SynthesisProvider != "" && !v.cfg.LLMProviderRegistry.Has(sr.SynthesisProvider) {
		return NewValidationError("orchestrator", "smartrouter", "synthesis_provider", fmt.Errorf("LLM provider '%s' not found", sr.SynthesisProvider))
	}

	cache := v.cfg.Cache
	if !cache.CacheDisabled() {
		if cache.TTL <= 0 {
			return NewValidationError("cache", "cache", "ttl", fmt.Errorf("must be positive"))
		}
		if cache.MaxEntries < 1 {
			return NewValidationError("cache", "cache", "max_entries", fmt.Errorf("must be at least 1"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateGuardrail() error {
	g := v.cfg.Guardrail
	if g.GuardrailDisabled() {
		return nil
	}

	if g.Deadline <= 0 {
		return NewValidationError("guardrail", "guardrail", "deadline", fmt.Errorf("must be positive"))
	}
	if g.LLMProvider != "" && !v.cfg.LLMProviderRegistry.Has(g.LLMProvider) {
		return NewValidationError("guardrail", "guardrail", "llm_provider", fmt.Errorf("LLM provider '%s' not found", g.LLMProvider))
	}

	return nil
}
