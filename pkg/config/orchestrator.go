package config

import "time"

// MoEConfig contains mixture-of-experts orchestrator configuration.
// These values control expert selection, parallel execution, and synthesis.
type MoEConfig struct {
	// SelectionCount is the number of experts chosen per query (top-k).
	SelectionCount int `yaml:"selection_count"`

	// ExpertTimeout is the per-expert deadline inside the parallel phase.
	ExpertTimeout Duration `yaml:"expert_timeout"`

	// MaxBudget is the total time budget for an orchestrated run.
	MaxBudget Duration `yaml:"max_budget"`

	// Synthesizer names the expert that writes the final answer.
	// Empty means the highest-weight contributor synthesizes.
	Synthesizer string `yaml:"synthesizer,omitempty"`

	// FallbackText is returned when every selected expert fails.
	FallbackText string `yaml:"fallback_text,omitempty"`
}

// DefaultMoEConfig returns the built-in mixture-of-experts defaults.
func DefaultMoEConfig() *MoEConfig {
	return &MoEConfig{
		SelectionCount: 3,
		ExpertTimeout:  Duration(60 * time.Second),
		MaxBudget:      Duration(3 * time.Minute),
		FallbackText:   "No expert was able to answer this query. Please rephrase or try again later.",
	}
}

// SmartRouterConfig contains smart-router orchestrator configuration.
// These values control query decomposition, routing, and bounded fan-out.
type SmartRouterConfig struct {
	// MaxConcurrent bounds how many sub-queries execute in parallel.
	MaxConcurrent int `yaml:"max_concurrent"`

	// ExpertTimeout is the per-sub-query deadline.
	ExpertTimeout Duration `yaml:"expert_timeout"`

	// MaxBudget is the total time budget for an orchestrated run.
	MaxBudget Duration `yaml:"max_budget"`

	// PlannerProvider is the LLM provider used for the interpretation,
	// decomposition, and routing phases (empty = system default).
	PlannerProvider string `yaml:"planner_provider,omitempty"`

	// SynthesisProvider is the LLM provider used for synthesis and
	// evaluation (empty = planner provider).
	SynthesisProvider string `yaml:"synthesis_provider,omitempty"`

	// Evaluation is a *bool: nil means "use default" (enabled), explicit
	// false skips the answer-quality evaluation phase.
	Evaluation *bool `yaml:"evaluation,omitempty"`

	// FallbackText is returned when every sub-query fails.
	FallbackText string `yaml:"fallback_text,omitempty"`
}

// EvaluationDisabled returns true only when Evaluation is explicitly set to false.
func (c *SmartRouterConfig) EvaluationDisabled() bool {
	return c.Evaluation != nil && !*c.Evaluation
}

// DefaultSmartRouterConfig returns the built-in smart-router defaults.
func DefaultSmartRouterConfig() *SmartRouterConfig {
	return &SmartRouterConfig{
		MaxConcurrent: 4,
		ExpertTimeout: Duration(60 * time.Second),
		MaxBudget:     Duration(5 * time.Minute),
		FallbackText:  "The query could not be routed to any expert. Please rephrase or try again later.",
	}
}

// OrchestratorsYAMLConfig groups the per-orchestrator sections of mosaic.yaml.
type OrchestratorsYAMLConfig struct {
	MoE         *MoEConfig         `yaml:"moe"`
	SmartRouter *SmartRouterConfig `yaml:"smartrouter"`
}

// CacheConfig contains result cache configuration.
type CacheConfig struct {
	// Enabled is a *bool: nil means "use default" (enabled), explicit false disables.
	Enabled *bool `yaml:"enabled,omitempty"`

	// TTL is how long a cached orchestrator result stays valid.
	TTL Duration `yaml:"ttl"`

	// MaxEntries caps the cache size; the least recently used entry is evicted.
	MaxEntries int `yaml:"max_entries"`
}

// CacheDisabled returns true only when Enabled is explicitly set to false.
func (c *CacheConfig) CacheDisabled() bool {
	return c.Enabled != nil && !*c.Enabled
}

// DefaultCacheConfig returns the built-in result cache defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		TTL:        Duration(15 * time.Minute),
		MaxEntries: 256,
	}
}

// GuardrailConfig contains relevance guardrail configuration.
// Resolved at load time: environment variables override YAML values
// (GUARDRAIL_ENABLED, GUARDRAIL_MODEL, GUARDRAIL_TIMEOUT_MS).
type GuardrailConfig struct {
	// Enabled is a *bool: nil means "use default" (enabled), explicit false disables.
	Enabled *bool `yaml:"enabled,omitempty"`

	// LLMProvider used for the relevance check (empty = system default).
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// Model overrides the provider's model for guardrail calls only.
	Model string `yaml:"model,omitempty"`

	// Deadline is the hard time limit for the guardrail verdict.
	// When it expires the original output passes through unmodified.
	Deadline Duration `yaml:"deadline"`
}

// GuardrailDisabled returns true only when Enabled is explicitly set to false.
func (c *GuardrailConfig) GuardrailDisabled() bool {
	return c.Enabled != nil && !*c.Enabled
}

// DefaultGuardrailConfig returns the built-in guardrail defaults.
func DefaultGuardrailConfig() *GuardrailConfig {
	return &GuardrailConfig{
		Deadline: Duration(200 * time.Millisecond),
	}
}
