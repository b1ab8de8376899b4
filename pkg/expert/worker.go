package expert

import "github.com/mosaic-ai/mosaic/pkg/agent"

// Worker is one ready-to-run expert: a resolved descriptor bound to an LLM
// client plus the instruction text for this call. Workers are constructed
// fresh per call by the factory; the LLM client and any session store behind
// them are shared and must not be closed by the worker's users.
type Worker struct {
	Descriptor   *Descriptor
	Instructions string

	llm agent.LLMClient
}

// WithClient returns a copy of the worker bound to a different LLM client.
// The simulate path uses this to swap in the mock backend without touching
// the factory's memoized clients.
func (w *Worker) WithClient(client agent.LLMClient) *Worker {
	clone := *w
	clone.llm = client
	return &clone
}
