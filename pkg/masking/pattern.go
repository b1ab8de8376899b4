package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/mosaic-ai/mosaic/pkg/config"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// compileBuiltinPatterns compiles all built-in regex patterns from config.
// Invalid patterns are logged and skipped.
func (s *Service) compileBuiltinPatterns() {
	for name, pattern := range config.GetBuiltinConfig().MaskingPatterns {
		compiled, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: pattern.Replacement,
			Description: pattern.Description,
		}
	}
}

// compileCustomPatterns compiles custom patterns from all tool server configs.
// Custom patterns are keyed as "custom:{server}:{index}" to avoid collisions.
func (s *Service) compileCustomPatterns() {
	for serverName, serverCfg := range s.registry.GetAll() {
		if serverCfg.DataMasking == nil || !serverCfg.DataMasking.Enabled {
			continue
		}
		for i, pattern := range serverCfg.DataMasking.CustomPatterns {
			name := fmt.Sprintf("custom:%s:%d", serverName, i)
			compiled, err := regexp.Compile(pattern.Pattern)
			if err != nil {
				slog.Error("Failed to compile custom masking pattern, skipping",
					"pattern", name, "server", serverName, "error", err)
				continue
			}
			s.patterns[name] = &CompiledPattern{
				Name:        name,
				Regex:       compiled,
				Replacement: pattern.Replacement,
				Description: pattern.Description,
			}
			// Track which custom patterns belong to which server
			s.serverCustomPatterns[serverName] = append(s.serverCustomPatterns[serverName], name)
		}
	}
}

// resolvePatterns expands a MaskingConfig into a deduplicated pattern list.
func (s *Service) resolvePatterns(cfg *config.MaskingConfig, serverName string) []*CompiledPattern {
	seen := make(map[string]bool)
	var resolved []*CompiledPattern

	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if cp, ok := s.patterns[name]; ok {
			resolved = append(resolved, cp)
		}
	}

	// 1. Expand pattern_groups → individual pattern names
	for _, groupName := range cfg.PatternGroups {
		for _, name := range s.patternGroups[groupName] {
			add(name)
		}
	}

	// 2. Add individual patterns from cfg.Patterns
	for _, name := range cfg.Patterns {
		add(name)
	}

	// 3. Add custom patterns for this server
	if serverName != "" {
		for _, name := range s.serverCustomPatterns[serverName] {
			add(name)
		}
	}

	return resolved
}

// resolvePatternsFromGroup resolves a single pattern group name into a pattern list.
func (s *Service) resolvePatternsFromGroup(groupName string) []*CompiledPattern {
	var resolved []*CompiledPattern
	seen := make(map[string]bool)

	for _, name := range s.patternGroups[groupName] {
		if seen[name] {
			continue
		}
		seen[name] = true
		if cp, ok := s.patterns[name]; ok {
			resolved = append(resolved, cp)
		}
	}

	return resolved
}
