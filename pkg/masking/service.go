// Package masking redacts credentials and other sensitive values from tool
// results before they reach LLM context, traces, or storage.
package masking

import (
	"log/slog"

	"github.com/mosaic-ai/mosaic/pkg/config"
)

// StorageMaskingConfig holds stored-text masking settings.
type StorageMaskingConfig struct {
	Enabled      bool
	PatternGroup string
}

// Service applies data masking to tool results and stored text.
// Created once at application startup (singleton). Thread-safe and stateless
// aside from compiled patterns.
type Service struct {
	registry             *config.ToolServerRegistry
	patterns             map[string]*CompiledPattern // Built-in + custom compiled patterns
	patternGroups        map[string][]string         // Group name → pattern names
	storageMasking       StorageMaskingConfig        // Stored-text masking settings
	serverCustomPatterns map[string][]string         // server name → custom pattern keys
}

// NewService creates a masking service with compiled patterns.
// All patterns are compiled eagerly at creation time. Invalid patterns are logged and skipped.
func NewService(
	registry *config.ToolServerRegistry,
	storageCfg StorageMaskingConfig,
) *Service {
	s := &Service{
		registry:             registry,
		patterns:             make(map[string]*CompiledPattern),
		patternGroups:        config.GetBuiltinConfig().PatternGroups,
		storageMasking:       storageCfg,
		serverCustomPatterns: make(map[string][]string),
	}

	// 1. Compile all built-in regex patterns
	s.compileBuiltinPatterns()

	// 2. Compile custom patterns from all tool server configs
	s.compileCustomPatterns()

	slog.Info("Masking service initialized",
		"builtin_patterns", len(config.GetBuiltinConfig().MaskingPatterns),
		"compiled_patterns", len(s.patterns),
		"storage_masking_enabled", storageCfg.Enabled)

	return s
}

// MaskToolResult applies server-specific masking to tool result content.
func (s *Service) MaskToolResult(content string, serverName string) string {
	if content == "" {
		return content
	}

	// Look up server masking config
	serverCfg, err := s.registry.Get(serverName)
	if err != nil || serverCfg.DataMasking == nil || !serverCfg.DataMasking.Enabled {
		return content // No masking configured
	}

	// Resolve patterns for this server
	resolved := s.resolvePatterns(serverCfg.DataMasking, serverName)
	if len(resolved) == 0 {
		return content
	}

	return applyMasking(content, resolved)
}

// MaskStoredText applies masking to text headed for the history store using
// the configured pattern group.
func (s *Service) MaskStoredText(data string) string {
	if !s.storageMasking.Enabled || data == "" {
		return data
	}

	resolved := s.resolvePatternsFromGroup(s.storageMasking.PatternGroup)
	if len(resolved) == 0 {
		return data
	}

	return applyMasking(data, resolved)
}

// applyMasking runs every compiled pattern over content in sequence.
func applyMasking(content string, resolved []*CompiledPattern) string {
	masked := content
	for _, pattern := range resolved {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}
	return masked
}
