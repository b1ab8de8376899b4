package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// MosaicYAMLConfig represents the complete mosaic.yaml file structure
type MosaicYAMLConfig struct {
	System        *SystemYAMLConfig           `yaml:"system"`
	ToolServers   map[string]ToolServerConfig `yaml:"tool_servers"`
	Experts       map[string]ExpertConfig     `yaml:"experts"`
	Orchestrators *OrchestratorsYAMLConfig    `yaml:"orchestrators"`
	Cache         *CacheConfig                `yaml:"cache"`
	Guardrail     *GuardrailConfig            `yaml:"guardrail"`
	Defaults      *Defaults                   `yaml:"defaults"`
}

// LLMProvidersYAMLConfig represents the complete llm-providers.yaml file structure
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// Environment variables that override guardrail YAML settings.
const (
	EnvGuardrailEnabled   = "GUARDRAIL_ENABLED"
	EnvGuardrailModel     = "GUARDRAIL_MODEL"
	EnvGuardrailTimeoutMS = "GUARDRAIL_TIMEOUT_MS"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs (unknown fields are ignored)
//  4. Merge built-in + user-defined configurations
//  5. Build in-memory registries
//  6. Apply default values and environment overrides
//  7. Validate all configuration
//  8. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration files
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"experts", stats.Experts,
		"tool_servers", stats.ToolServers,
		"llm_providers", stats.LLMProviders)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load mosaic.yaml (contains experts, tool_servers, orchestrators, defaults)
	mosaicConfig, err := loader.loadMosaicYAML()
	if err != nil {
		return nil, NewLoadError("mosaic.yaml", err)
	}

	// 2. Load llm-providers.yaml (optional; built-ins cover the common providers)
	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	// 3. Get built-in configuration
	builtin := GetBuiltinConfig()

	// 4. Merge built-in + user-defined components (user overrides built-in).
	// There are no built-in tool servers: they are deployment-specific and
	// only come from mosaic.yaml.
	experts := mergeExperts(builtin.Experts, mosaicConfig.Experts)
	toolServers := mergeToolServers(nil, mosaicConfig.ToolServers)
	llmProvidersMerged := mergeLLMProviders(builtin.LLMProviders, llmProviders)

	// 5. Build registries
	expertRegistry := NewExpertRegistry(experts)
	toolServerRegistry := NewToolServerRegistry(toolServers)
	llmProviderRegistry := NewLLMProviderRegistry(llmProvidersMerged)

	// 6. Resolve defaults (YAML overrides built-in)
	defaults := mosaicConfig.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}
	if defaults.LLMProvider == "" {
		defaults.LLMProvider = builtin.DefaultLLMProvider
	}
	if defaults.Instructions == "" {
		defaults.Instructions = builtin.DefaultInstructions
	}
	defaults.SessionPolicy = defaults.SessionPolicy.OrDefault()
	if defaults.StorageMasking == nil {
		defaults.StorageMasking = &StorageMaskingDefaults{
			Enabled:      true,
			PatternGroup: "security",
		}
	}

	// Resolve orchestrator configs (merge user YAML with built-in defaults).
	// Start with defaults, then merge user config on top to preserve unset defaults.
	moeConfig := DefaultMoEConfig()
	smartRouterConfig := DefaultSmartRouterConfig()
	if mosaicConfig.Orchestrators != nil {
		if mosaicConfig.Orchestrators.MoE != nil {
			if err := mergo.Merge(moeConfig, mosaicConfig.Orchestrators.MoE, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge moe config: %w", err)
			}
		}
		if mosaicConfig.Orchestrators.SmartRouter != nil {
			if err := mergo.Merge(smartRouterConfig, mosaicConfig.Orchestrators.SmartRouter, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge smartrouter config: %w", err)
			}
		}
	}

	cacheConfig := DefaultCacheConfig()
	if mosaicConfig.Cache != nil {
		if err := mergo.Merge(cacheConfig, mosaicConfig.Cache, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge cache config: %w", err)
		}
	}

	guardrailConfig := DefaultGuardrailConfig()
	if mosaicConfig.Guardrail != nil {
		if err := mergo.Merge(guardrailConfig, mosaicConfig.Guardrail, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge guardrail config: %w", err)
		}
	}
	applyGuardrailEnv(guardrailConfig)

	// Resolve system config (server + data dir + sessions DSN + history)
	serverCfg := resolveServerConfig(mosaicConfig.System)
	dataDir := resolveDataDir(mosaicConfig.System)
	historyCfg := resolveHistoryConfig(mosaicConfig.System, dataDir)
	sessionsDSN := ""
	if mosaicConfig.System != nil {
		sessionsDSN = mosaicConfig.System.SessionsDSN
	}

	return &Config{
		configDir:           configDir,
		Defaults:            defaults,
		Server:              serverCfg,
		DataDir:             dataDir,
		SessionsDSN:         sessionsDSN,
		History:             historyCfg,
		MoE:                 moeConfig,
		SmartRouter:         smartRouterConfig,
		Cache:               cacheConfig,
		Guardrail:           guardrailConfig,
		ExpertRegistry:      expertRegistry,
		ToolServerRegistry:  toolServerRegistry,
		LLMProviderRegistry: llmProviderRegistry,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any, optional bool) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if optional {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML (unknown fields are ignored for forward compatibility)
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadMosaicYAML() (*MosaicYAMLConfig, error) {
	var config MosaicYAMLConfig

	// Initialize maps to avoid nil maps
	config.ToolServers = make(map[string]ToolServerConfig)
	config.Experts = make(map[string]ExpertConfig)

	if err := l.loadYAML("mosaic.yaml", &config, false); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadLLMProvidersYAML() (map[string]LLMProviderConfig, error) {
	var config LLMProvidersYAMLConfig

	// Initialize map to avoid nil map
	config.LLMProviders = make(map[string]LLMProviderConfig)

	if err := l.loadYAML("llm-providers.yaml", &config, true); err != nil {
		return nil, err
	}

	return config.LLMProviders, nil
}

// applyGuardrailEnv applies environment variable overrides to the guardrail
// configuration. Env vars win over YAML so operators can flip the guardrail
// without editing config files.
func applyGuardrailEnv(cfg *GuardrailConfig) {
	if v := os.Getenv(EnvGuardrailEnabled); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Enabled = BoolPtr(b)
		} else {
			slog.Warn("Invalid GUARDRAIL_ENABLED value, keeping configured setting",
				"value", v)
		}
	}
	if v := os.Getenv(EnvGuardrailModel); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv(EnvGuardrailTimeoutMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Deadline = Duration(time.Duration(ms) * time.Millisecond)
		} else {
			slog.Warn("Invalid GUARDRAIL_TIMEOUT_MS value, keeping configured deadline",
				"value", v)
		}
	}
}

// resolveServerConfig resolves HTTP server configuration from system YAML, applying defaults.
func resolveServerConfig(sys *SystemYAMLConfig) *ServerConfig {
	cfg := DefaultServerConfig()

	if sys == nil {
		return cfg
	}

	if sys.ListenAddr != "" {
		cfg.ListenAddr = sys.ListenAddr
	}
	if len(sys.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = sys.AllowedOrigins
	}
	if sys.MaxQueryChars > 0 {
		cfg.MaxQueryChars = sys.MaxQueryChars
	}
	if sys.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = sys.ShutdownTimeout.Std()
	}

	return cfg
}

// resolveDataDir resolves the local state directory from system YAML, applying defaults.
func resolveDataDir(sys *SystemYAMLConfig) string {
	if sys != nil && sys.DataDir != "" {
		return sys.DataDir
	}
	return "data"
}

// resolveHistoryConfig resolves run history configuration from system YAML, applying defaults.
// A relative history path is anchored under the data dir.
func resolveHistoryConfig(sys *SystemYAMLConfig, dataDir string) *HistoryConfig {
	cfg := DefaultHistoryConfig()

	if sys != nil && sys.History != nil {
		h := sys.History
		if h.Enabled != nil {
			cfg.Enabled = *h.Enabled
		}
		if h.Path != "" {
			cfg.Path = h.Path
		}
		if h.RetentionDays > 0 {
			cfg.RetentionDays = h.RetentionDays
		}
		if h.CleanupInterval > 0 {
			cfg.CleanupInterval = h.CleanupInterval.Std()
		}
	}

	if !filepath.IsAbs(cfg.Path) {
		cfg.Path = filepath.Join(dataDir, cfg.Path)
	}

	return cfg
}
