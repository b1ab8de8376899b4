package expert

import (
	"strings"

	"github.com/mosaic-ai/mosaic/pkg/config"
)

// generalInstructions is Tier 1: behavior shared by every expert.
const generalInstructions = `## General Expert Instructions

You are one expert inside a multi-agent orchestration service. You receive a
query, optionally with context from earlier steps of the orchestration, and
produce the best answer your expertise and tools allow.

Ground every claim in data you actually retrieved or were given. When a tool
is available that would answer part of the query, call it instead of
guessing. State plainly when you do not know or when the available tools
cannot answer the question.

Answer the query directly. Do not describe your own reasoning process unless
the query asks for it.`

// composeInstructions builds the system prompt for one worker in three
// tiers: general instructions, per-server tool guidance from the tool server
// registry, then the expert's own instruction text.
func composeInstructions(worker *Worker, registry *config.ToolServerRegistry) string {
	sections := []string{generalInstructions}

	for _, name := range worker.Descriptor.ToolServers {
		serverCfg, err := registry.Get(name)
		if err != nil {
			continue
		}
		if serverCfg.Instructions != "" {
			sections = append(sections, "## "+name+" Instructions\n\n"+serverCfg.Instructions)
		}
	}

	if worker.Instructions != "" {
		sections = append(sections, "## Expert Instructions\n\n"+worker.Instructions)
	}

	return strings.Join(sections, "\n\n")
}
