package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/masking"
)

// Compile-time check that ToolExecutor implements agent.ToolExecutor.
var _ agent.ToolExecutor = (*ToolExecutor)(nil)

// ToolExecutor implements agent.ToolExecutor backed by real tool servers.
// Created per expert call by ClientFactory and closed with it, which is what
// keeps stdio children scoped to the call.
type ToolExecutor struct {
	client *Client

	// Server names this executor can reach.
	serverNames []string

	// Optional per-server tool allow-list from the expert's tool bindings.
	// nil means every tool on that server is available.
	toolFilter map[string][]string

	// Optional masking service for redacting sensitive data in tool results.
	// nil means no masking is applied.
	maskingService *masking.Service
}

// NewToolExecutor creates an executor for the given servers.
// maskingService may be nil (masking disabled).
func NewToolExecutor(
	client *Client,
	serverNames []string,
	toolFilter map[string][]string,
	maskingService *masking.Service,
) *ToolExecutor {
	return &ToolExecutor{
		client:         client,
		serverNames:    serverNames,
		toolFilter:     toolFilter,
		maskingService: maskingService,
	}
}

// Execute runs one tool call. Routing failures, argument failures, and tool
// server failures all come back as error ToolResults rather than Go errors,
// so the LLM sees what went wrong and can adjust.
func (e *ToolExecutor) Execute(ctx context.Context, call agent.ToolCall) (*agent.ToolResult, error) {
	name := NormalizeToolName(call.Name)

	server, tool, err := e.resolveToolCall(name)
	if err != nil {
		return errorResult(call, err.Error()), nil
	}

	params, err := ParseToolInput(call.Arguments)
	if err != nil {
		return errorResult(call, fmt.Sprintf("failed to parse tool arguments: %s", err)), nil
	}

	result, err := e.client.CallTool(ctx, server, tool, params)
	if err != nil {
		return errorResult(call, fmt.Sprintf("tool execution failed: %s", err)), nil
	}

	content := extractTextContent(result)
	if e.maskingService != nil {
		content = e.maskingService.MaskToolResult(content, server)
	}

	return &agent.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: content,
		IsError: result.IsError,
	}, nil
}

// ListTools returns all available tools from the executor's servers, named
// in the provider-safe "server__tool" form. Servers that fail to list are
// skipped with a warning: partial tools beat none.
func (e *ToolExecutor) ListTools(ctx context.Context) ([]agent.ToolDefinition, error) {
	var all []agent.ToolDefinition

	for _, server := range e.serverNames {
		tools, err := e.client.ListTools(ctx, server)
		if err != nil {
			slog.Warn("Failed to list tools from tool server",
				"server", server, "error", err)
			continue
		}

		for _, tool := range tools {
			if filter, ok := e.toolFilter[server]; ok && len(filter) > 0 {
				if !slices.Contains(filter, tool.Name) {
					continue
				}
			}

			all = append(all, agent.ToolDefinition{
				Name:             FunctionName(fmt.Sprintf("%s.%s", server, tool.Name)),
				Description:      tool.Description,
				ParametersSchema: marshalSchema(tool.InputSchema),
			})
		}
	}

	if len(all) == 0 {
		return nil, nil // consistent with agent.StubToolExecutor
	}
	return all, nil
}

// Close releases the underlying client, its transports, and any stdio
// subprocesses they spawned.
func (e *ToolExecutor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// resolveToolCall validates a canonical tool name against the executor's
// configuration.
func (e *ToolExecutor) resolveToolCall(name string) (server, tool string, err error) {
	server, tool, err = SplitToolName(name)
	if err != nil {
		return "", "", err
	}

	if !slices.Contains(e.serverNames, server) {
		return "", "", fmt.Errorf(
			"tool server %q is not available for this expert. "+
				"Available servers: %s", server, strings.Join(e.serverNames, ", "))
	}

	if filter, ok := e.toolFilter[server]; ok && len(filter) > 0 {
		if !slices.Contains(filter, tool) {
			return "", "", fmt.Errorf(
				"tool %q is not bound on server %q. "+
					"Bound tools: %s", tool, server, strings.Join(filter, ", "))
		}
	}

	return server, tool, nil
}

// errorResult wraps a failure message as an error ToolResult.
func errorResult(call agent.ToolCall, msg string) *agent.ToolResult {
	return &agent.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: msg,
		IsError: true,
	}
}

// extractTextContent concatenates all TextContent items of a tool result.
// Non-text content (images, embedded resources) is logged at debug level
// and skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("Tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

// marshalSchema serializes a tool's input schema to a JSON string.
func marshalSchema(schema any) string {
	if schema == nil {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("Failed to marshal tool input schema", "error", err)
		return ""
	}
	return string(data)
}
