package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateExperts(t *testing.T) {
	tests := []struct {
		name    string
		experts map[string]*ExpertConfig
		servers map[string]*ToolServerConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid expert",
			experts: map[string]*ExpertConfig{
				"weather": {
					Capabilities: []string{"weather"},
					ToolServers:  []string{"weather-tools"},
				},
			},
			servers: map[string]*ToolServerConfig{
				"weather-tools": {
					Transport: TransportConfig{Type: TransportStdio, Command: "weather-mcp"},
				},
			},
			wantErr: false,
		},
		{
			name: "expert without tool servers is fine",
			experts: map[string]*ExpertConfig{
				"poet": {
					Capabilities: []string{"poetry"},
				},
			},
			servers: map[string]*ToolServerConfig{},
			wantErr: false,
		},
		{
			name: "expert with invalid tool server reference",
			experts: map[string]*ExpertConfig{
				"weather": {
					ToolServers: []string{"nonexistent-server"},
				},
			},
			servers: map[string]*ToolServerConfig{},
			wantErr: true,
			errMsg:  "tool server 'nonexistent-server' not found",
		},
		{
			name: "expert with invalid session policy",
			experts: map[string]*ExpertConfig{
				"weather": {
					SessionPolicy: "sometimes",
				},
			},
			servers: map[string]*ToolServerConfig{},
			wantErr: true,
			errMsg:  "session_policy",
		},
		{
			name: "expert with max steps out of range",
			experts: map[string]*ExpertConfig{
				"weather": {
					MaxSteps: IntPtr(250),
				},
			},
			servers: map[string]*ToolServerConfig{},
			wantErr: true,
			errMsg:  "must be within [1, 100]",
		},
		{
			name: "expert with temperature out of range",
			experts: map[string]*ExpertConfig{
				"weather": {
					Temperature: Float64Ptr(3.5),
				},
			},
			servers: map[string]*ToolServerConfig{},
			wantErr: true,
			errMsg:  "must be within [0, 2]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Defaults:           &Defaults{Instructions: "default instructions"},
				ExpertRegistry:     NewExpertRegistry(tt.experts),
				ToolServerRegistry: NewToolServerRegistry(tt.servers),
				LLMProviderRegistry: NewLLMProviderRegistry(map[string]*LLMProviderConfig{
					"test-provider": {Type: LLMProviderTypeOpenAI, Model: "test"},
				}),
			}

			validator := NewValidator(cfg)
			err := validator.validateExperts()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateExpertsRequireInheritableInstructions(t *testing.T) {
	cfg := &Config{
		Defaults: &Defaults{}, // no default instructions
		ExpertRegistry: NewExpertRegistry(map[string]*ExpertConfig{
			"mute": {Capabilities: []string{"silence"}},
		}),
		ToolServerRegistry:  NewToolServerRegistry(nil),
		LLMProviderRegistry: NewLLMProviderRegistry(nil),
	}

	validator := NewValidator(cfg)
	err := validator.validateExperts()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no instructions and no default to inherit")
}

func TestValidateToolServers(t *testing.T) {
	tests := []struct {
		name    string
		servers map[string]*ToolServerConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid stdio server",
			servers: map[string]*ToolServerConfig{
				"tools": {
					Transport: TransportConfig{Type: TransportStdio, Command: "mcp-server"},
				},
			},
			wantErr: false,
		},
		{
			name: "stdio server without command",
			servers: map[string]*ToolServerConfig{
				"tools": {
					Transport: TransportConfig{Type: TransportStdio},
				},
			},
			wantErr: true,
			errMsg:  "command required for stdio transport",
		},
		{
			name: "http server without url",
			servers: map[string]*ToolServerConfig{
				"tools": {
					Transport: TransportConfig{Type: TransportStreamableHTTP, Command: "mcp-server"},
				},
			},
			wantErr: true,
			errMsg:  "url required for streamable-http transport",
		},
		{
			// The supervisor reports a missing command as a start failure,
			// so the config layer must let it through.
			name: "http server without command is allowed at load time",
			servers: map[string]*ToolServerConfig{
				"tools": {
					Transport: TransportConfig{Type: TransportStreamableHTTP, URL: "http://localhost:9921/mcp"},
				},
			},
			wantErr: false,
		},
		{
			name: "unknown transport",
			servers: map[string]*ToolServerConfig{
				"tools": {
					Transport: TransportConfig{Type: "carrier-pigeon"},
				},
			},
			wantErr: true,
			errMsg:  "transport",
		},
		{
			name: "unknown masking pattern group",
			servers: map[string]*ToolServerConfig{
				"tools": {
					Transport:   TransportConfig{Type: TransportStdio, Command: "mcp-server"},
					DataMasking: &MaskingConfig{Enabled: true, PatternGroups: []string{"no-such-group"}},
				},
			},
			wantErr: true,
			errMsg:  "pattern group 'no-such-group' not found",
		},
		{
			name: "custom masking pattern without replacement",
			servers: map[string]*ToolServerConfig{
				"tools": {
					Transport: TransportConfig{Type: TransportStdio, Command: "mcp-server"},
					DataMasking: &MaskingConfig{
						Enabled:        true,
						CustomPatterns: []MaskingPattern{{Pattern: "secret-.*"}},
					},
				},
			},
			wantErr: true,
			errMsg:  "replacement required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				ToolServerRegistry: NewToolServerRegistry(tt.servers),
			}

			validator := NewValidator(cfg)
			err := validator.validateToolServers()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateLLMProvidersEnvOnlyForReferenced(t *testing.T) {
	t.Setenv("PRESENT_KEY", "abc")

	cfg := &Config{
		Defaults: &Defaults{LLMProvider: "referenced"},
		ExpertRegistry: NewExpertRegistry(map[string]*ExpertConfig{
			"generalist": {},
		}),
		ToolServerRegistry: NewToolServerRegistry(nil),
		LLMProviderRegistry: NewLLMProviderRegistry(map[string]*LLMProviderConfig{
			"referenced": {Type: LLMProviderTypeOpenAI, Model: "gpt-4o", APIKeyEnv: "PRESENT_KEY"},
			// Never referenced, key env unset: must not fail validation
			"dormant": {Type: LLMProviderTypeMistral, Model: "mistral-large", APIKeyEnv: "ABSENT_KEY_XYZ"},
		}),
		MoE:         DefaultMoEConfig(),
		SmartRouter: DefaultSmartRouterConfig(),
		Guardrail:   DefaultGuardrailConfig(),
	}

	validator := NewValidator(cfg)
	require.NoError(t, validator.validateLLMProviders())

	// Flip the reference onto the provider with the unset key
	cfg.Defaults.LLMProvider = "dormant"
	err := validator.validateLLMProviders()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ABSENT_KEY_XYZ is not set")
}

func TestValidateLLMProviderShape(t *testing.T) {
	tests := []struct {
		name     string
		provider *LLMProviderConfig
		errMsg   string
	}{
		{
			name:     "unknown type",
			provider: &LLMProviderConfig{Type: "smoke-signals", Model: "m"},
			errMsg:   "provider type",
		},
		{
			name:     "missing model",
			provider: &LLMProviderConfig{Type: LLMProviderTypeOpenAI},
			errMsg:   "model required",
		},
		{
			name:     "ollama without base url",
			provider: &LLMProviderConfig{Type: LLMProviderTypeOllama, Model: "llama3.1"},
			errMsg:   "base_url required for ollama",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Defaults:           &Defaults{LLMProvider: "p"},
				ExpertRegistry:     NewExpertRegistry(nil),
				ToolServerRegistry: NewToolServerRegistry(nil),
				LLMProviderRegistry: NewLLMProviderRegistry(map[string]*LLMProviderConfig{
					"p": tt.provider,
				}),
				MoE:         DefaultMoEConfig(),
				SmartRouter: DefaultSmartRouterConfig(),
				Guardrail:   DefaultGuardrailConfig(),
			}

			validator := NewValidator(cfg)
			err := validator.validateLLMProviders()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateOrchestrators(t *testing.T) {
	baseConfig := func() *Config {
		return &Config{
			Defaults: &Defaults{Instructions: "x", LLMProvider: "p"},
			ExpertRegistry: NewExpertRegistry(map[string]*ExpertConfig{
				"closer":   {},
				"benched":  {Enabled: BoolPtr(false)},
				"stranger": {},
			}),
			ToolServerRegistry: NewToolServerRegistry(nil),
			LLMProviderRegistry: NewLLMProviderRegistry(map[string]*LLMProviderConfig{
				"p": {Type: LLMProviderTypeOpenAI, Model: "gpt-4o"},
			}),
			MoE:         DefaultMoEConfig(),
			SmartRouter: DefaultSmartRouterConfig(),
			Cache:       DefaultCacheConfig(),
			Guardrail:   DefaultGuardrailConfig(),
		}
	}

	t.Run("defaults pass", func(t *testing.T) {
		validator := NewValidator(baseConfig())
		assert.NoError(t, validator.validateOrchestrators())
	})

	t.Run("synthesizer must exist", func(t *testing.T) {
		cfg := baseConfig()
		cfg.MoE.Synthesizer = "ghost"
		validator := NewValidator(cfg)
		err := validator.validateOrchestrators()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrExpertNotFound)
	})

	t.Run("disabled synthesizer rejected", func(t *testing.T) {
		cfg := baseConfig()
		cfg.MoE.Synthesizer = "benched"
		validator := NewValidator(cfg)
		err := validator.validateOrchestrators()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrExpertDisabled)
	})

	t.Run("selection count floor", func(t *testing.T) {
		cfg := baseConfig()
		cfg.MoE.SelectionCount = 0
		validator := NewValidator(cfg)
		err := validator.validateOrchestrators()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "selection_count")
	})

	t.Run("fan-out floor", func(t *testing.T) {
		cfg := baseConfig()
		cfg.SmartRouter.MaxConcurrent = 0
		validator := NewValidator(cfg)
		err := validator.validateOrchestrators()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_concurrent")
	})

	t.Run("disabled cache skips bounds", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Cache.Enabled = BoolPtr(false)
		cfg.Cache.MaxEntries = 0
		validator := NewValidator(cfg)
		assert.NoError(t, validator.validateOrchestrators())
	})
}

func TestValidateGuardrail(t *testing.T) {
	t.Run("disabled guardrail skips checks", func(t *testing.T) {
		cfg := &Config{
			Guardrail: &GuardrailConfig{Enabled: BoolPtr(false)},
		}
		validator := NewValidator(cfg)
		assert.NoError(t, validator.validateGuardrail())
	})

	t.Run("enabled guardrail needs positive deadline", func(t *testing.T) {
		cfg := &Config{
			Guardrail:           &GuardrailConfig{Deadline: 0},
			LLMProviderRegistry: NewLLMProviderRegistry(nil),
		}
		validator := NewValidator(cfg)
		err := validator.validateGuardrail()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "deadline")
	})

	t.Run("guardrail provider must resolve", func(t *testing.T) {
		cfg := &Config{
			Guardrail: &GuardrailConfig{
				Deadline:    Duration(200 * time.Millisecond),
				LLMProvider: "ghost",
			},
			LLMProviderRegistry: NewLLMProviderRegistry(nil),
		}
		validator := NewValidator(cfg)
		err := validator.validateGuardrail()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ghost")
	})
}
