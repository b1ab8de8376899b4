package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/services"
)

// HealthStatus captures the health check result for a single tool server.
type HealthStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
	ToolCount int       `json:"tool_count"`
}

// HealthMonitor periodically probes streamable-http tool servers with
// ListTools and records failures in the warnings service. Stdio servers are
// never probed: their subprocesses exist only inside expert calls, and a
// background probe would spawn orphan children.
type HealthMonitor struct {
	factory        *ClientFactory
	registry       *config.ToolServerRegistry
	warningService *services.SystemWarningsService

	checkInterval time.Duration
	pingTimeout   time.Duration

	// Dedicated long-lived probe client, recreated on failure.
	client   *Client
	clientMu sync.Mutex

	// Cached tools from the last successful probe per server.
	toolCache   map[string][]*mcpsdk.Tool
	toolCacheMu sync.RWMutex

	// Current status per server.
	statuses   map[string]*HealthStatus
	statusesMu sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor(
	factory *ClientFactory,
	registry *config.ToolServerRegistry,
	warningService *services.SystemWarningsService,
) *HealthMonitor {
	return &HealthMonitor{
		factory:        factory,
		registry:       registry,
		warningService: warningService,
		checkInterval:  HealthInterval,
		pingTimeout:    HealthPingTimeout,
		toolCache:      make(map[string][]*mcpsdk.Tool),
		statuses:       make(map[string]*HealthStatus),
		logger:         slog.Default(),
	}
}

// monitoredNames returns the enabled streamable-http servers, sorted.
func (m *HealthMonitor) monitoredNames() []string {
	var names []string
	for name, cfg := range m.registry.GetAll() {
		if cfg.Disabled() {
			continue
		}
		if cfg.Transport.Type.OrDefault() != config.TransportStreamableHTTP {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches the background health check loop.
// Calling Start on an already-running monitor is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return // already started
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.clientMu.Lock()
	client, err := m.factory.CreateClient(ctx, m.monitoredNames())
	if err != nil {
		m.logger.Warn("Health monitor: failed to create initial client", "error", err)
	}
	m.client = client
	m.clientMu.Unlock()

	go m.loop(ctx)
}

// Stop gracefully shuts down the health monitor.
// After Stop returns, Start may be called again.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
	m.clientMu.Lock()
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
	m.clientMu.Unlock()

	// Clear stale health data so a subsequent Start begins clean and
	// IsHealthy doesn't answer for removed servers.
	m.statusesMu.Lock()
	m.statuses = make(map[string]*HealthStatus)
	m.statusesMu.Unlock()

	m.toolCacheMu.Lock()
	m.toolCache = make(map[string][]*mcpsdk.Tool)
	m.toolCacheMu.Unlock()

	m.cancel = nil
	m.done = nil
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	// Recover the client if Start couldn't create it.
	m.ensureClient(ctx)

	m.checkAll(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ensureClient(ctx)
			m.checkAll(ctx)
		}
	}
}

// ensureClient recreates the probe client after transient factory failures.
func (m *HealthMonitor) ensureClient(ctx context.Context) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	if m.client != nil {
		return
	}

	client, err := m.factory.CreateClient(ctx, m.monitoredNames())
	if err != nil {
		m.logger.Warn("Health monitor: failed to recreate client", "error", err)
		return
	}
	m.client = client
	m.logger.Info("Health monitor: client recovered")
}

func (m *HealthMonitor) checkAll(ctx context.Context) {
	for _, name := range m.monitoredNames() {
		m.checkServer(ctx, name)
	}
}

func (m *HealthMonitor) checkServer(ctx context.Context, name string) {
	m.clientMu.Lock()
	client := m.client
	m.clientMu.Unlock()

	if client == nil {
		m.setStatus(name, false, "health client not initialized", 0)
		return
	}

	// Invalidate first so the probe hits the server instead of the cache.
	client.InvalidateToolCache(name)

	checkCtx, checkCancel := context.WithTimeout(ctx, m.pingTimeout)
	defer checkCancel()

	tools, err := client.ListTools(checkCtx, name)
	if err != nil {
		m.logger.Debug("Health check failed, attempting reinitialize",
			"server", name, "error", err)

		reconCtx, reconCancel := context.WithTimeout(ctx, m.pingTimeout)
		defer reconCancel()

		if reinitErr := client.recreateSession(reconCtx, name); reinitErr != nil {
			m.markUnhealthy(name, fmt.Sprintf("health check failed: %s", err), err)
			return
		}

		retryCtx, retryCancel := context.WithTimeout(ctx, m.pingTimeout)
		defer retryCancel()

		tools, err = client.ListTools(retryCtx, name)
		if err != nil {
			m.markUnhealthy(name, fmt.Sprintf("health check failed after reinit: %s", err), err)
			return
		}
	}

	m.setStatus(name, true, "", len(tools))

	m.toolCacheMu.Lock()
	m.toolCache[name] = tools
	m.toolCacheMu.Unlock()

	m.warningService.ClearBySubject(services.WarningCategoryToolServerHealth, name)
}

func (m *HealthMonitor) markUnhealthy(name, statusMsg string, err error) {
	m.setStatus(name, false, statusMsg, 0)
	m.warningService.AddWarning(
		services.WarningCategoryToolServerHealth,
		fmt.Sprintf("Tool server %q is unhealthy", name),
		err.Error(), name)
}

func (m *HealthMonitor) setStatus(name string, healthy bool, errMsg string, toolCount int) {
	m.statusesMu.Lock()
	defer m.statusesMu.Unlock()
	m.statuses[name] = &HealthStatus{
		Name:      name,
		Healthy:   healthy,
		LastCheck: time.Now(),
		Error:     errMsg,
		ToolCount: toolCount,
	}
}

// GetStatuses returns the current health status of all monitored servers.
func (m *HealthMonitor) GetStatuses() map[string]*HealthStatus {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	result := make(map[string]*HealthStatus, len(m.statuses))
	for k, v := range m.statuses {
		cp := *v
		result[k] = &cp
	}
	return result
}

// GetCachedTools returns tools from the last successful probe per server.
// The returned map is a shallow copy; callers must not mutate the slices.
func (m *HealthMonitor) GetCachedTools() map[string][]*mcpsdk.Tool {
	m.toolCacheMu.RLock()
	defer m.toolCacheMu.RUnlock()
	result := make(map[string][]*mcpsdk.Tool, len(m.toolCache))
	for k, v := range m.toolCache {
		result[k] = v
	}
	return result
}

// IsHealthy returns true if every monitored server is healthy.
// Returns false before the first check completes.
func (m *HealthMonitor) IsHealthy() bool {
	m.statusesMu.RLock()
	defer m.statusesMu.RUnlock()
	if len(m.statuses) == 0 {
		return false
	}
	for _, s := range m.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
