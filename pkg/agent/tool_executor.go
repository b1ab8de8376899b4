package agent

import "context"

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall represents an LLM's request to call a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolResult is the outcome of executing a tool call.
// Tool-level failures are reported as Content with IsError=true, not as Go
// errors, so the LLM can react to them in the next turn.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// ToolExecutor executes tool calls on behalf of an expert.
// Implementations are created per expert call and must release all resources
// (transports, subprocesses) in Close.
type ToolExecutor interface {
	// Execute runs one tool call. A non-nil error means the executor itself
	// failed; tool-level failures come back as ToolResult.IsError.
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)

	// ListTools returns the tool definitions available to this executor.
	// Returns nil when no tools are configured.
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// Close releases executor resources. Safe to call more than once.
	Close() error
}

// StubToolExecutor is a no-op ToolExecutor for experts without tool bindings
// and for tests.
type StubToolExecutor struct{}

// Compile-time check.
var _ ToolExecutor = (*StubToolExecutor)(nil)

// Execute reports every call as an error result: an expert without tools
// should never receive a tool call.
func (s *StubToolExecutor) Execute(_ context.Context, call ToolCall) (*ToolResult, error) {
	return &ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: "no tools are available to this expert",
		IsError: true,
	}, nil
}

// ListTools returns nil: no tools.
func (s *StubToolExecutor) ListTools(_ context.Context) ([]ToolDefinition, error) {
	return nil, nil
}

// Close is a no-op.
func (s *StubToolExecutor) Close() error { return nil }
