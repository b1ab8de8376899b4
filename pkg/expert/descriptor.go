// Package expert builds and runs expert workers. The factory resolves
// descriptors from configuration, memoizes the LLM client behind each one,
// and pairs workers with session stores per the configured session policy.
// The runner drives the multi-turn tool-calling loop for one worker and one
// input, buffered or streamed.
package expert

import (
	"fmt"

	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/toolserver"
)

// DefaultMaxSteps applies when neither the expert nor the system defaults
// set a turn bound.
const DefaultMaxSteps = 20

// MinMaxSteps is the runtime floor for the turn bound. A multi-tool path
// needs 3-4 turns plus overhead, so smaller configured or requested values
// are raised to this.
const MinMaxSteps = 10

// Descriptor is one fully resolved expert: the expert's own configuration
// merged with its provider settings and the system defaults. Descriptors
// are immutable for the lifetime of a config snapshot.
type Descriptor struct {
	ID           string
	DisplayName  string
	Description  string
	Capabilities []string

	// Instructions is the expert's own instruction text, falling back to
	// the system default when the expert declares none.
	Instructions string

	// ToolServers are the tool server names bound to this expert.
	ToolServers []string

	// ToolFilter restricts each bound server to an allow-list of tool
	// names. Nil means every tool the servers expose is available.
	ToolFilter map[string][]string

	ProviderName string
	Provider     *config.LLMProviderConfig

	Model       string
	Temperature float64
	MaxTokens   int
	MaxSteps    int

	SessionPolicy config.SessionPolicy
}

// ResolveDescriptor builds the final descriptor for one expert by applying
// the hierarchy: system defaults, then provider settings, then the expert's
// own overrides. Returns config.ErrExpertNotFound or config.ErrExpertDisabled
// when the ID does not resolve to an enabled expert.
func ResolveDescriptor(cfg *config.Config, id string) (*Descriptor, error) {
	expertCfg, err := cfg.GetExpert(id)
	if err != nil {
		return nil, err
	}

	provider, err := cfg.ResolveProvider(expertCfg.LLMProvider)
	if err != nil {
		return nil, fmt.Errorf("expert %q: %w", id, err)
	}
	providerName := expertCfg.LLMProvider
	if providerName == "" {
		providerName = cfg.Defaults.LLMProvider
	}

	model := provider.Model
	if expertCfg.Model != "" {
		model = expertCfg.Model
	}

	var temperature float64
	if provider.Temperature != nil {
		temperature = *provider.Temperature
	}
	if expertCfg.Temperature != nil {
		temperature = *expertCfg.Temperature
	}

	maxTokens := provider.MaxTokens
	if expertCfg.MaxTokens > 0 {
		maxTokens = expertCfg.MaxTokens
	}

	instructions := cfg.Defaults.Instructions
	if expertCfg.Instructions != "" {
		instructions = expertCfg.Instructions
	}

	maxSteps := DefaultMaxSteps
	if cfg.Defaults.MaxSteps != nil {
		maxSteps = *cfg.Defaults.MaxSteps
	}
	if expertCfg.MaxSteps != nil {
		maxSteps = *expertCfg.MaxSteps
	}

	policy := cfg.Defaults.SessionPolicy
	if expertCfg.SessionPolicy != "" {
		policy = expertCfg.SessionPolicy
	}

	for _, server := range expertCfg.ToolServers {
		if !cfg.ToolServerRegistry.Has(server) {
			return nil, fmt.Errorf("expert %q: tool server %q is not configured", id, server)
		}
	}

	filter, err := buildToolFilter(expertCfg.Tools, expertCfg.ToolServers)
	if err != nil {
		return nil, fmt.Errorf("expert %q: %w", id, err)
	}

	displayName := expertCfg.DisplayName
	if displayName == "" {
		displayName = id
	}

	return &Descriptor{
		ID:            id,
		DisplayName:   displayName,
		Description:   expertCfg.Description,
		Capabilities:  expertCfg.Capabilities,
		Instructions:  instructions,
		ToolServers:   expertCfg.ToolServers,
		ToolFilter:    filter,
		ProviderName:  providerName,
		Provider:      provider,
		Model:         model,
		Temperature:   temperature,
		MaxTokens:     maxTokens,
		MaxSteps:      maxSteps,
		SessionPolicy: policy.OrDefault(),
	}, nil
}

// buildToolFilter groups an allow-list of "server.tool" names by server.
// Every named server must be among the expert's bound tool servers.
func buildToolFilter(tools, boundServers []string) (map[string][]string, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	bound := make(map[string]bool, len(boundServers))
	for _, s := range boundServers {
		bound[s] = true
	}

	filter := make(map[string][]string)
	for _, name := range tools {
		server, tool, err := toolserver.SplitToolName(name)
		if err != nil {
			return nil, err
		}
		if !bound[server] {
			return nil, fmt.Errorf("tool %q names server %q which is not in tool_servers", name, server)
		}
		filter[server] = append(filter[server], tool)
	}
	return filter, nil
}

// ClampMaxSteps resolves the effective turn bound for one call: the
// requested value when positive, else the descriptor's, floored at
// MinMaxSteps.
func (d *Descriptor) ClampMaxSteps(requested int) int {
	steps := d.MaxSteps
	if requested > 0 {
		steps = requested
	}
	if steps < MinMaxSteps {
		steps = MinMaxSteps
	}
	return steps
}
