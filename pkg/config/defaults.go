package config

// Defaults contains system-wide default configurations
// These values are used when specific components don't specify their own values
type Defaults struct {
	// LLM provider default for all experts and orchestrator phases
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// Instructions inherited by experts that declare none of their own
	Instructions string `yaml:"instructions,omitempty"`

	// Max reasoning steps default (clamped to a floor of 10 at run time)
	MaxSteps *int `yaml:"max_steps,omitempty" validate:"omitempty,min=1,max=100"`

	// Session policy default for experts that declare none
	SessionPolicy SessionPolicy `yaml:"session_policy,omitempty"`

	// Stored-text masking configuration
	StorageMasking *StorageMaskingDefaults `yaml:"storage_masking,omitempty"`
}

// StorageMaskingDefaults holds stored-text masking settings.
// Applied system-wide to queries and answers before history storage.
type StorageMaskingDefaults struct {
	Enabled      bool   `yaml:"enabled"`
	PatternGroup string `yaml:"pattern_group"`
}
