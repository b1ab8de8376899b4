package expert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/session"
	"github.com/mosaic-ai/mosaic/pkg/stream"
	"github.com/mosaic-ai/mosaic/pkg/toolserver"
	"github.com/mosaic-ai/mosaic/pkg/trace"
)

// ErrMaxTurnsExceeded is returned when a run uses up its turn bound without
// the LLM producing a final answer.
var ErrMaxTurnsExceeded = errors.New("max reasoning steps exceeded")

// MaxTurnsError is the concrete error behind ErrMaxTurnsExceeded. It carries
// the partial turn trace so callers can show what ran before the cutoff.
type MaxTurnsError struct {
	Steps int
	Trace []trace.TurnRecord
}

func (e *MaxTurnsError) Error() string {
	return fmt.Sprintf("%v: no final answer after %d steps", ErrMaxTurnsExceeded, e.Steps)
}

func (e *MaxTurnsError) Unwrap() error { return ErrMaxTurnsExceeded }

// traceContentLimit bounds per-record content so traces stay renderable even
// when a tool returns megabytes.
const traceContentLimit = 2000

// RunOptions carries per-call settings for the runner.
type RunOptions struct {
	// Context is extra grounding text prepended to the input, e.g. results
	// of earlier sub-queries in a decomposed plan.
	Context string

	// Session is the conversation store to replay and append to. Nil runs
	// the call stateless.
	Session session.Store

	// MaxSteps overrides the descriptor's turn bound when positive. The
	// effective value is clamped to MinMaxSteps.
	MaxSteps int

	// RequestID tags LLM calls for correlation.
	RequestID string
}

// RunResult is the outcome of one expert run.
type RunResult struct {
	FinalOutput string
	Usage       *agent.Usage
	Trace       []trace.TurnRecord
}

// Runner executes workers. Each run is a multi-turn loop: one LLM call per
// turn, executing any tools the LLM requests and feeding results back, until
// the LLM answers without tool calls or the turn bound is hit.
type Runner struct {
	toolClients *toolserver.ClientFactory
	registry    *config.ToolServerRegistry
	logger      *slog.Logger
}

// NewRunner creates a runner. toolClients binds tool servers per call;
// registry supplies per-server instruction text for the system prompt.
func NewRunner(toolClients *toolserver.ClientFactory, registry *config.ToolServerRegistry) *Runner {
	return &Runner{
		toolClients: toolClients,
		registry:    registry,
		logger:      slog.Default(),
	}
}

// Run executes one worker against one input and returns the final answer
// with accumulated usage and the per-turn trace.
func (r *Runner) Run(ctx context.Context, worker *Worker, input string, opts RunOptions) (*RunResult, error) {
	return r.execute(ctx, worker, input, opts, nil)
}

// RunStreamed executes like Run but delivers progress as an ordered chunk
// sequence: one metadata chunk first, token chunks per LLM text delta and
// step chunks per tool call in between, and exactly one done or error chunk
// last. The channel closes after the final chunk.
func (r *Runner) RunStreamed(ctx context.Context, worker *Worker, input string, opts RunOptions) <-chan stream.Chunk {
	out := make(chan stream.Chunk, 16)

	go func() {
		defer close(out)

		desc := worker.Descriptor
		send := func(chunk stream.Chunk) {
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}

		meta := map[string]any{
			"expert-id":       desc.ID,
			"display-name":    desc.DisplayName,
			"session-enabled": opts.Session != nil,
			"max-steps":       desc.ClampMaxSteps(opts.MaxSteps),
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		}
		if opts.Session != nil {
			meta["session-id"] = opts.Session.SessionID()
		}
		send(stream.Metadata(meta))

		result, err := r.execute(ctx, worker, input, opts, send)
		if err != nil {
			send(stream.Error(err.Error(), errorCode(err)))
			return
		}

		done := map[string]any{
			"expert-id":  desc.ID,
			"final-text": result.FinalOutput,
		}
		if result.Usage != nil {
			done["usage"] = *result.Usage
		}
		send(stream.Done(done))
	}()

	return out
}

// execute is the shared loop behind Run and RunStreamed. emit forwards
// progress chunks when non-nil; the buffered path passes nil.
func (r *Runner) execute(ctx context.Context, worker *Worker, input string, opts RunOptions, emit func(stream.Chunk)) (*RunResult, error) {
	desc := worker.Descriptor
	maxSteps := desc.ClampMaxSteps(opts.MaxSteps)

	// Bind tool servers for the duration of this call. stdio transports
	// spawn their subprocess inside this scope; the deferred Close tears
	// them down on every return path.
	executor, err := r.executorFor(ctx, desc)
	if err != nil {
		return nil, r.wrap(desc, opts, fmt.Errorf("failed to bind tool servers: %w", err))
	}
	defer func() {
		if closeErr := executor.Close(); closeErr != nil {
			r.logger.Warn("Failed to close tool executor",
				"expert_id", desc.ID,
				"error", closeErr)
		}
	}()

	tools, err := executor.ListTools(ctx)
	if err != nil {
		return nil, r.wrap(desc, opts, fmt.Errorf("failed to list tools: %w", err))
	}

	messages, base, err := r.buildConversation(ctx, worker, input, opts)
	if err != nil {
		return nil, r.wrap(desc, opts, err)
	}

	var records []trace.TurnRecord
	var totalUsage agent.Usage
	sawUsage := false

	for step := 1; step <= maxSteps; step++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		llmStart := time.Now()
		resp, err := r.callLLM(ctx, worker, messages, tools, opts, emit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, r.wrap(desc, opts, fmt.Errorf("llm call failed on step %d: %w", step, err))
		}

		if resp.Usage != nil {
			totalUsage.Add(*resp.Usage)
			sawUsage = true
		}
		records = append(records, trace.TurnRecord{
			Turn:      step,
			Kind:      trace.TurnKindLLMCall,
			ExpertID:  desc.ID,
			Content:   truncateTrace(resp.Text),
			ToolCalls: len(resp.ToolCalls),
			LatencyMS: time.Since(llmStart).Milliseconds(),
			Timestamp: llmStart.UTC(),
		})

		if len(resp.ToolCalls) == 0 {
			messages = append(messages, agent.ConversationMessage{
				Role:    agent.RoleAssistant,
				Content: resp.Text,
			})
			r.appendSession(ctx, opts.Session, desc, messages[base:])

			result := &RunResult{
				FinalOutput: agent.TextOutput(resp.Text).CoerceText(),
				Trace:       records,
			}
			if sawUsage {
				u := totalUsage
				result.Usage = &u
			}
			return result, nil
		}

		messages = append(messages, agent.ConversationMessage{
			Role:      agent.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			canonical := toolserver.NormalizeToolName(call.Name)
			if emit != nil {
				emit(stream.Step("calling "+canonical, map[string]any{
					"tool": canonical,
					"step": step,
				}))
			}

			toolStart := time.Now()
			records = append(records, trace.TurnRecord{
				Turn:      step,
				Kind:      trace.TurnKindToolCall,
				ExpertID:  desc.ID,
				ToolName:  canonical,
				Content:   truncateTrace(call.Arguments),
				Timestamp: toolStart.UTC(),
			})

			result, execErr := executor.Execute(ctx, call)
			if execErr != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, r.wrap(desc, opts, fmt.Errorf("tool %s failed: %w", canonical, execErr))
			}

			records = append(records, trace.TurnRecord{
				Turn:      step,
				Kind:      trace.TurnKindToolResult,
				ExpertID:  desc.ID,
				ToolName:  canonical,
				Content:   truncateTrace(result.Content),
				IsError:   result.IsError,
				LatencyMS: time.Since(toolStart).Milliseconds(),
				Timestamp: toolStart.UTC(),
			})

			messages = append(messages, agent.ConversationMessage{
				Role:       agent.RoleTool,
				Content:    result.Content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	return nil, r.wrap(desc, opts, &MaxTurnsError{Steps: maxSteps, Trace: records})
}

// llmResponse is the fully collected response of one streaming LLM call.
type llmResponse struct {
	Text      string
	ToolCalls []agent.ToolCall
	Usage     *agent.Usage
}

// callLLM performs one LLM call and collects the full response. The derived
// cancellable context guarantees the producer goroutine behind Generate is
// cleaned up when we return.
func (r *Runner) callLLM(
	ctx context.Context,
	worker *Worker,
	messages []agent.ConversationMessage,
	tools []agent.ToolDefinition,
	opts RunOptions,
	emit func(stream.Chunk),
) (*llmResponse, error) {
	llmCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	desc := worker.Descriptor
	input := &agent.GenerateInput{
		RequestID: opts.RequestID,
		SessionID: storeSessionID(opts.Session),
		Messages:  messages,
		Params: agent.GenerationParams{
			Model:       desc.Model,
			Temperature: desc.Temperature,
			MaxTokens:   desc.MaxTokens,
		},
		Tools: tools,
	}

	chunks, err := worker.llm.Generate(llmCtx, input)
	if err != nil {
		return nil, err
	}

	var onText func(string)
	if emit != nil {
		onText = func(delta string) { emit(stream.Token(delta)) }
	}
	return collectResponse(chunks, onText)
}

// collectResponse drains an LLM chunk channel into a complete response.
// onText is called per text delta for live forwarding; nil buffers silently.
func collectResponse(chunks <-chan agent.Chunk, onText func(string)) (*llmResponse, error) {
	resp := &llmResponse{}
	var text strings.Builder

	for chunk := range chunks {
		switch c := chunk.(type) {
		case *agent.TextChunk:
			text.WriteString(c.Content)
			if onText != nil {
				onText(c.Content)
			}
		case *agent.ThinkingChunk:
			// Internal reasoning is not part of the answer.
		case *agent.ToolCallChunk:
			resp.ToolCalls = append(resp.ToolCalls, agent.ToolCall{
				ID:        c.CallID,
				Name:      c.Name,
				Arguments: c.Arguments,
			})
		case *agent.UsageChunk:
			resp.Usage = &agent.Usage{
				InputTokens:  c.InputTokens,
				OutputTokens: c.OutputTokens,
				TotalTokens:  c.TotalTokens,
			}
		case *agent.ErrorChunk:
			return nil, fmt.Errorf("llm error: %s (retryable: %v)", c.Message, c.Retryable)
		}
	}

	resp.Text = text.String()
	return resp, nil
}

// executorFor binds the descriptor's tool servers for one call. Experts
// without tool servers get a stub that rejects tool calls.
func (r *Runner) executorFor(ctx context.Context, desc *Descriptor) (agent.ToolExecutor, error) {
	if len(desc.ToolServers) == 0 {
		return &agent.StubToolExecutor{}, nil
	}
	return r.toolClients.CreateToolExecutor(ctx, desc.ToolServers, desc.ToolFilter)
}

// buildConversation assembles the message list for one call: system prompt,
// replayed session history, then the user message (context block prepended
// when given). base is the index of the first message created by this call,
// so messages[base:] is what gets appended to the session afterwards.
func (r *Runner) buildConversation(ctx context.Context, worker *Worker, input string, opts RunOptions) ([]agent.ConversationMessage, int, error) {
	messages := []agent.ConversationMessage{
		{Role: agent.RoleSystem, Content: composeInstructions(worker, r.registry)},
	}

	if opts.Session != nil {
		history, err := opts.Session.History(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load session history: %w", err)
		}
		messages = append(messages, history...)
	}

	base := len(messages)
	content := input
	if opts.Context != "" {
		content = opts.Context + "\n\n" + input
	}
	messages = append(messages, agent.ConversationMessage{Role: agent.RoleUser, Content: content})

	return messages, base, nil
}

// appendSession persists this call's new messages. The in-memory result is
// authoritative: persistence failures are logged, not returned.
func (r *Runner) appendSession(ctx context.Context, store session.Store, desc *Descriptor, newMessages []agent.ConversationMessage) {
	if store == nil || len(newMessages) == 0 {
		return
	}
	if err := store.Append(ctx, newMessages...); err != nil {
		r.logger.Warn("Failed to append messages to session",
			"expert_id", desc.ID,
			"session_id", store.SessionID(),
			"error", err)
	}
}

// wrap adds the expert and session identity to a runner error.
func (r *Runner) wrap(desc *Descriptor, opts RunOptions, err error) error {
	if sid := storeSessionID(opts.Session); sid != "" {
		return fmt.Errorf("expert %s (session %s): %w", desc.ID, sid, err)
	}
	return fmt.Errorf("expert %s: %w", desc.ID, err)
}

// errorCode maps a runner error to the wire error-code for stream error
// chunks.
func errorCode(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrMaxTurnsExceeded):
		return "max_turns_exceeded"
	default:
		return "expert_error"
	}
}

func storeSessionID(store session.Store) string {
	if store == nil {
		return ""
	}
	return store.SessionID()
}

// truncateTrace caps content for trace records, cutting at a rune boundary
// and preferring the last full line.
func truncateTrace(content string) string {
	if len(content) <= traceContentLimit {
		return content
	}
	cut := traceContentLimit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + "\n[truncated]"
}
