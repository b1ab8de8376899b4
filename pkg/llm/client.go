// Package llm implements agent.LLMClient on top of any-llm-go, giving every
// expert one interface across OpenAI, Anthropic, Gemini, Ollama, DeepSeek,
// Mistral, and Groq backends.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	anyllm "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	"github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/config"
)

// Client implements agent.LLMClient over one any-llm-go backend.
type Client struct {
	name    string
	backend anyllm.Provider
}

var _ agent.LLMClient = (*Client)(nil)

// NewClient builds a client for one named provider configuration. The API
// key is read from the environment variable the config names; construction
// fails when the backend requires a key and none is present.
func NewClient(name string, cfg config.LLMProviderConfig) (*Client, error) {
	var opts []anyllm.Option
	if cfg.APIKeyEnv != "" {
		if key := os.Getenv(cfg.APIKeyEnv); key != "" {
			opts = append(opts, anyllm.WithAPIKey(key))
		}
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllm.WithBaseURL(cfg.BaseURL))
	}

	backend, err := newBackend(cfg.Type, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend for provider %q: %w", cfg.Type, name, err)
	}

	return &Client{name: name, backend: backend}, nil
}

// newBackend creates the underlying any-llm-go provider.
func newBackend(providerType config.LLMProviderType, opts ...anyllm.Option) (anyllm.Provider, error) {
	switch providerType {
	case config.LLMProviderTypeOpenAI:
		return openai.New(opts...)
	case config.LLMProviderTypeAnthropic:
		return anthropic.New(opts...)
	case config.LLMProviderTypeGemini:
		return gemini.New(opts...)
	case config.LLMProviderTypeOllama:
		return ollama.New(opts...)
	case config.LLMProviderTypeDeepSeek:
		return deepseek.New(opts...)
	case config.LLMProviderTypeMistral:
		return mistral.New(opts...)
	case config.LLMProviderTypeGroq:
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

// Generate implements agent.LLMClient. Text deltas are forwarded as they
// arrive; tool call fragments are accumulated by index and emitted once the
// backend reports a finish reason.
func (c *Client) Generate(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	params, err := buildParams(input)
	if err != nil {
		return nil, err
	}

	backendChunks, backendErrs := c.backend.CompletionStream(ctx, params)

	out := make(chan agent.Chunk, 32)
	go func() {
		defer close(out)

		// Tool call fragments arrive split across deltas; accumulate by
		// position until the finish chunk.
		accum := map[int]*agent.ToolCall{}
		emitted := false

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				select {
				case out <- &agent.TextChunk{Content: delta.Content}:
				case <-ctx.Done():
					return
				}
			}

			for i, tc := range delta.ToolCalls {
				existing, ok := accum[i]
				if !ok {
					existing = &agent.ToolCall{}
					accum[i] = existing
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			if !emitted && (choice.FinishReason == anyllm.FinishReasonToolCalls ||
				(choice.FinishReason != "" && len(accum) > 0)) {
				emitted = true
				for i := 0; i < len(accum); i++ {
					tc, ok := accum[i]
					if !ok {
						continue
					}
					select {
					case out <- &agent.ToolCallChunk{CallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		// The error channel resolves after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case out <- &agent.ErrorChunk{Message: err.Error(), Retryable: retryable(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// Close implements agent.LLMClient. any-llm-go backends are plain HTTP
// clients with nothing to release.
func (c *Client) Close() error { return nil }

// buildParams converts a GenerateInput into any-llm-go completion parameters.
func buildParams(input *agent.GenerateInput) (anyllm.CompletionParams, error) {
	messages := make([]anyllm.Message, 0, len(input.Messages))
	for _, m := range input.Messages {
		msg := anyllm.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.ToolName,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, anyllm.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: anyllm.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	params := anyllm.CompletionParams{
		Model:    input.Params.Model,
		Messages: messages,
	}
	if input.Params.Temperature != 0 {
		t := input.Params.Temperature
		params.Temperature = &t
	}
	if input.Params.MaxTokens > 0 {
		mt := input.Params.MaxTokens
		params.MaxTokens = &mt
	}

	for _, td := range input.Tools {
		schema, err := decodeSchema(td.ParametersSchema)
		if err != nil {
			return anyllm.CompletionParams{}, fmt.Errorf("invalid parameters schema for tool %q: %w", td.Name, err)
		}
		params.Tools = append(params.Tools, anyllm.Tool{
			Type: "function",
			Function: anyllm.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  schema,
			},
		})
	}

	return params, nil
}

// decodeSchema parses a JSON Schema string into the map form any-llm-go
// expects. An empty schema becomes a permissive object schema.
func decodeSchema(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{"type": "object"}, nil
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// retryable reports whether a provider error looks transient.
func retryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "429", "502", "503", "504",
		"timeout", "deadline exceeded", "connection reset", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
