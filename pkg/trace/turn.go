package trace

import "time"

// Turn record kinds.
const (
	TurnKindLLMCall    = "llm_call"
	TurnKindToolCall   = "tool_call"
	TurnKindToolResult = "tool_result"
)

// TurnRecord is one step of an expert run: an LLM call, a tool call the LLM
// requested, or the result fed back. The expert runner appends these in
// order; they surface as the response-level trace array.
type TurnRecord struct {
	Turn      int       `json:"turn"`
	Kind      string    `json:"kind"`
	ExpertID  string    `json:"expert-id"`
	Content   string    `json:"content,omitempty"`
	ToolName  string    `json:"tool-name,omitempty"`
	ToolCalls int       `json:"tool-calls,omitempty"`
	IsError   bool      `json:"is-error,omitempty"`
	LatencyMS int64     `json:"latency-ms"`
	Timestamp time.Time `json:"timestamp"`
}
