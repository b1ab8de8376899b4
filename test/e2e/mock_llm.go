package e2e

import (
	"context"
	"sync"

	"github.com/mosaic-ai/mosaic/pkg/agent"
)

// ScriptEntry defines a single scripted LLM response.
type ScriptEntry struct {
	// Response content (at most one of Chunks, Text, Error is set).
	Chunks []agent.Chunk // Pre-built chunks to return
	Text   string        // Shorthand: auto-wrapped as TextChunk + UsageChunk
	Error  error         // Return error from Generate()

	// Test control
	BlockUntilCancelled bool            // Block until ctx is cancelled, then close the chunk channel
	WaitCh              <-chan struct{} // Block until closed, then return the normal response
	OnBlock             chan<- struct{} // Notified when Generate() enters its blocking path
	OnCancel            chan<- struct{} // Notified when a blocked Generate() observes cancellation
}

// TextEntry is shorthand for a plain text response.
func TextEntry(text string) ScriptEntry {
	return ScriptEntry{Text: text}
}

// ToolCallEntry is shorthand for a response that requests one tool call.
func ToolCallEntry(callID, name, arguments string) ScriptEntry {
	return ScriptEntry{Chunks: []agent.Chunk{
		&agent.ToolCallChunk{CallID: callID, Name: name, Arguments: arguments},
	}}
}

// ScriptedLLMClient implements agent.LLMClient over a fixed script of
// entries, consumed in call order. When the script runs out the last entry
// repeats, which keeps loops (tool-call experts, reused synthesizers)
// scriptable without counting calls up front. An empty script answers every
// call with a fixed text.
type ScriptedLLMClient struct {
	mu             sync.Mutex
	entries        []ScriptEntry
	index          int
	capturedInputs []*agent.GenerateInput
}

// NewScriptedLLMClient creates a client answering with entries in order.
func NewScriptedLLMClient(entries ...ScriptEntry) *ScriptedLLMClient {
	return &ScriptedLLMClient{entries: entries}
}

// Add appends an entry to the script.
func (c *ScriptedLLMClient) Add(entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

// CallCount returns the total number of Generate() calls made.
func (c *ScriptedLLMClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.capturedInputs)
}

// CapturedInputs returns every GenerateInput seen so far, in call order.
func (c *ScriptedLLMClient) CapturedInputs() []*agent.GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*agent.GenerateInput, len(c.capturedInputs))
	copy(out, c.capturedInputs)
	return out
}

// Generate implements agent.LLMClient.
func (c *ScriptedLLMClient) Generate(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	c.mu.Lock()
	c.capturedInputs = append(c.capturedInputs, input)
	entry := c.nextEntry()
	c.mu.Unlock()

	// Block until the caller's context is cancelled, then close the channel.
	// The empty response makes the run look unusable without faking an error.
	if entry.BlockUntilCancelled {
		ch := make(chan agent.Chunk)
		go func() {
			<-ctx.Done()
			if entry.OnCancel != nil {
				entry.OnCancel <- struct{}{}
			}
			close(ch)
		}()
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		return ch, nil
	}

	// Block until released, then respond normally.
	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			ch := make(chan agent.Chunk)
			close(ch)
			return ch, nil
		}
	}

	if entry.Error != nil {
		return nil, entry.Error
	}

	chunks := entry.Chunks
	if len(chunks) == 0 {
		text := entry.Text
		if text == "" {
			text = "scripted answer"
		}
		chunks = []agent.Chunk{
			&agent.TextChunk{Content: text},
			&agent.UsageChunk{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}
	}

	ch := make(chan agent.Chunk, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

// Close implements agent.LLMClient.
func (c *ScriptedLLMClient) Close() error { return nil }

// nextEntry returns the current script entry and advances the cursor,
// sticking on the last entry once the script is exhausted. Must be called
// with c.mu held.
func (c *ScriptedLLMClient) nextEntry() ScriptEntry {
	if len(c.entries) == 0 {
		return ScriptEntry{}
	}
	entry := c.entries[c.index]
	if c.index < len(c.entries)-1 {
		c.index++
	}
	return entry
}

var _ agent.LLMClient = (*ScriptedLLMClient)(nil)
