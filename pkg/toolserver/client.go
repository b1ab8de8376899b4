package toolserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/version"
)

// Client manages MCP protocol sessions for multiple tool servers.
// Each Client instance is scoped to one expert call (or one health probe), so
// stdio children it spawns die with it. Thread-safe: orchestrators run
// experts in parallel and several goroutines may share one executor.
type Client struct {
	registry *config.ToolServerRegistry

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession // server name → session
	clients       map[string]*mcpsdk.Client        // server name → client (for reconnection)
	failedServers map[string]string                // server name → error message

	// Tool cache, populated on first ListTools. Never invalidated on its own:
	// a Client is short-lived, so the cache stays naturally fresh.
	toolCache   map[string][]*mcpsdk.Tool
	toolCacheMu sync.RWMutex

	// Per-server mutex for session recreation to prevent thundering herd.
	reinitMu sync.Map // server name → *sync.Mutex

	logger *slog.Logger
}

// newClient creates a disconnected Client.
func newClient(registry *config.ToolServerRegistry) *Client {
	return &Client{
		registry:      registry,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		clients:       make(map[string]*mcpsdk.Client),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
		logger:        slog.Default(),
	}
}

// Initialize connects to the named tool servers. Servers that fail to
// connect are recorded in failedServers rather than aborting the rest;
// callers decide whether partial initialization is acceptable by checking
// FailedServers.
func (c *Client) Initialize(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := c.InitializeServer(ctx, name); err != nil {
			c.mu.Lock()
			c.failedServers[name] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("Tool server failed to initialize",
				"server", name, "error", err)
		}
	}
	return nil
}

// InitializeServer connects to a single tool server. Returns nil if already
// connected. Serialized per server so concurrent callers don't race to
// create duplicate sessions.
func (c *Client) InitializeServer(ctx context.Context, name string) error {
	muI, _ := c.reinitMu.LoadOrStore(name, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	return c.initializeServerLocked(ctx, name)
}

// initializeServerLocked performs the actual connection.
// Caller must hold the per-server reinitMu lock.
func (c *Client) initializeServerLocked(ctx context.Context, name string) error {
	// Already connected? Checked under the per-server lock, no TOCTOU race.
	c.mu.RLock()
	if _, exists := c.sessions[name]; exists {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	serverCfg, err := c.registry.Get(name)
	if err != nil {
		return fmt.Errorf("tool server %q not found in registry: %w", name, err)
	}
	if serverCfg.Disabled() {
		return fmt.Errorf("tool server %q is disabled", name)
	}

	transport, err := createTransport(serverCfg.Transport)
	if err != nil {
		return fmt.Errorf("failed to create transport for %q: %w", name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it implements io.Closer so a failed connect
		// can't leak a stdio child process.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to connect to %q: %w", name, err)
	}

	c.mu.Lock()
	c.sessions[name] = session
	c.clients[name] = client
	delete(c.failedServers, name)
	c.mu.Unlock()

	c.logger.Info("Tool server connected", "server", name)
	return nil
}

// ListTools returns tools from a specific server. Uses cache if available.
func (c *Client) ListTools(ctx context.Context, name string) ([]*mcpsdk.Tool, error) {
	// Lock ordering: never acquire c.mu while holding toolCacheMu.
	c.toolCacheMu.RLock()
	if cached, ok := c.toolCache[name]; ok {
		c.toolCacheMu.RUnlock()
		return cached, nil
	}
	c.toolCacheMu.RUnlock()

	c.mu.RLock()
	session, exists := c.sessions[name]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for tool server %q", name)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", name, err)
	}

	// Cache a non-nil slice so cache hits never hand nil to callers.
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	c.toolCacheMu.Lock()
	c.toolCache[name] = tools
	c.toolCacheMu.Unlock()

	return tools, nil
}

// CallTool executes a tool call on the named server. Transport failures get
// at most one retry after a jittered backoff, recreating the session when
// the error classification asks for it.
func (c *Client) CallTool(ctx context.Context, name, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	}

	result, err := c.callToolOnce(ctx, name, params)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}

	c.logger.Info("Tool call failed, retrying",
		"server", name, "tool", toolName,
		"action", action, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := c.recreateSession(ctx, name); err != nil {
			return nil, fmt.Errorf("session recreation failed for %q: %w", name, err)
		}
	}

	result, err = c.callToolOnce(ctx, name, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %s.%s: %w", name, toolName, err)
	}
	return result, nil
}

// callToolOnce performs a single CallTool attempt.
func (c *Client) callToolOnce(ctx context.Context, name string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	c.mu.RLock()
	session, exists := c.sessions[name]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for tool server %q", name)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	return session.CallTool(opCtx, params)
}

// recreateSession tears down and recreates the session for a server.
// Serialized per server. If two goroutines race in, the second tears down
// the freshly recreated session and builds another; the cost is one extra
// recreation, acceptable off the hot path.
func (c *Client) recreateSession(ctx context.Context, name string) error {
	muI, _ := c.reinitMu.LoadOrStore(name, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if session, exists := c.sessions[name]; exists {
		_ = session.Close()
		delete(c.sessions, name)
		delete(c.clients, name)
	}
	c.mu.Unlock()

	c.InvalidateToolCache(name)

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()

	return c.initializeServerLocked(reinitCtx, name)
}

// Close shuts down all sessions and transports, returning the first error.
// Closing a session reaps any stdio child it spawned.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", name, err)
		}
	}

	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.clients = make(map[string]*mcpsdk.Client)
	c.failedServers = make(map[string]string)

	// Lock ordering note: mu → toolCacheMu is safe because no code path
	// holds toolCacheMu while acquiring mu.
	c.toolCacheMu.Lock()
	c.toolCache = make(map[string][]*mcpsdk.Tool)
	c.toolCacheMu.Unlock()

	return firstErr
}

// InvalidateToolCache removes the cached tool list for a server, forcing the
// next ListTools call to re-probe it.
// Lock ordering: never acquire c.mu while holding toolCacheMu.
func (c *Client) InvalidateToolCache(name string) {
	c.toolCacheMu.Lock()
	delete(c.toolCache, name)
	c.toolCacheMu.Unlock()
}

// HasSession checks if a server has an active session.
func (c *Client) HasSession(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.sessions[name]
	return exists
}

// FailedServers returns the servers that failed to initialize.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]string, len(c.failedServers))
	for k, v := range c.failedServers {
		result[k] = v
	}
	return result
}
