// Package agent defines the shared vocabulary of the orchestration layer:
// conversation messages, streaming chunks, tool definitions, the LLM client
// interface, and the tagged output variant experts produce.
package agent

import "context"

// LLMClient is the interface for calling an LLM backend.
// It provides a channel-based streaming API: the returned channel is closed
// when the stream completes, and errors after the stream has started are
// delivered as ErrorChunk values in the channel.
type LLMClient interface {
	// Generate sends a conversation to the LLM and returns a stream of chunks.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases the underlying connection.
	Close() error
}

// GenerateInput carries one LLM request.
type GenerateInput struct {
	RequestID string
	SessionID string
	Messages  []ConversationMessage
	Params    GenerationParams
	Tools     []ToolDefinition // nil = no tools
}

// GenerationParams are the per-expert model parameters resolved from the
// expert descriptor.
type GenerationParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ConversationMessage is one turn of a conversation.
type ConversationMessage struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // For assistant messages
	ToolCallID string     // For tool result messages
	ToolName   string     // For tool result messages
}

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Usage reports token consumption for one or more LLM calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
