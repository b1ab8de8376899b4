package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mosaic-ai/mosaic/pkg/agent"
)

// mockDigestLimit caps how much of the query is echoed back.
const mockDigestLimit = 80

// MockClient is a deterministic agent.LLMClient for simulate runs. It never
// reaches a provider: every call answers instantly with a reproducible
// "[MOCK]" response derived from the last user message.
type MockClient struct {
	label string
}

var _ agent.LLMClient = (*MockClient)(nil)

// NewMockClient creates a mock client answering as label, usually the
// expert ID the simulated worker runs as.
func NewMockClient(label string) *MockClient {
	return &MockClient{label: label}
}

// Generate implements agent.LLMClient.
func (c *MockClient) Generate(_ context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	text := fmt.Sprintf("[MOCK] %s: %s", c.label, digest(lastUserMessage(input.Messages)))
	outputTokens := approxTokens(text)

	ch := make(chan agent.Chunk, 2)
	ch <- &agent.TextChunk{Content: text}
	ch <- &agent.UsageChunk{
		InputTokens:  approxMessageTokens(input.Messages),
		OutputTokens: outputTokens,
		TotalTokens:  approxMessageTokens(input.Messages) + outputTokens,
	}
	close(ch)
	return ch, nil
}

// Close implements agent.LLMClient.
func (c *MockClient) Close() error { return nil }

// digest collapses whitespace and truncates the query for the mock echo.
func digest(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "(empty query)"
	}
	runes := []rune(s)
	if len(runes) > mockDigestLimit {
		return string(runes[:mockDigestLimit]) + "..."
	}
	return s
}

// lastUserMessage returns the content of the most recent user turn.
func lastUserMessage(messages []agent.ConversationMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == agent.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// approxTokens estimates tokens at ~4 characters per token.
func approxTokens(s string) int {
	return (len(s) + 3) / 4
}

// approxMessageTokens estimates prompt tokens with per-message overhead.
func approxMessageTokens(messages []agent.ConversationMessage) int {
	total := 0
	for _, m := range messages {
		total += approxTokens(m.Content) + 4
	}
	return total
}
