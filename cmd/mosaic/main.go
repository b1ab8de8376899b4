// MOSAIC orchestration server: serves the HTTP API, supervises tool
// servers, and manages run history retention.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/mosaic-ai/mosaic/pkg/api"
	"github.com/mosaic-ai/mosaic/pkg/cache"
	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/guardrail"
	"github.com/mosaic-ai/mosaic/pkg/history"
	"github.com/mosaic-ai/mosaic/pkg/masking"
	"github.com/mosaic-ai/mosaic/pkg/observe"
	"github.com/mosaic-ai/mosaic/pkg/orchestrator"
	"github.com/mosaic-ai/mosaic/pkg/services"
	"github.com/mosaic-ai/mosaic/pkg/toolserver"
	"github.com/mosaic-ai/mosaic/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting MOSAIC",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize telemetry (Prometheus-backed OTel meter provider)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    version.AppName,
		ServiceVersion: version.GitCommit,
	})
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Error("Error shutting down telemetry", "error", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// 3. Initialize masking and warnings services
	maskingService := masking.NewService(
		cfg.ToolServerRegistry,
		masking.StorageMaskingConfig{
			Enabled:      cfg.Defaults.StorageMasking.Enabled,
			PatternGroup: cfg.Defaults.StorageMasking.PatternGroup,
		},
	)
	warningsService := services.NewSystemWarningsService()
	slog.Info("Services initialized")

	// 4. Start supervised tool servers.
	// Eager startup: a server that cannot start exits the process, which
	// surfaces broken configs immediately instead of on the first call.
	supervisor := toolserver.NewSupervisor()
	projectRoot, err := os.Getwd()
	if err != nil {
		projectRoot = "."
	}
	started := 0
	for _, name := range cfg.AllToolServerNames() {
		serverCfg, err := cfg.GetToolServer(name)
		if err != nil || serverCfg.Disabled() {
			continue
		}
		if err := supervisor.Start(ctx, name, *serverCfg, projectRoot); err != nil {
			slog.Error("Tool server failed to start", "server", name, "error", err)
			os.Exit(1)
		}
		started++
	}
	if started > 0 {
		slog.Info("Tool servers started", "count", started)
	}
	defer func() {
		if err := supervisor.ShutdownAll(10 * time.Second); err != nil {
			slog.Error("Error shutting down tool servers", "error", err)
		}
	}()

	toolClients := toolserver.NewClientFactory(cfg.ToolServerRegistry, maskingService)

	// Health monitor probes streamable-http servers in the background and
	// feeds the warnings service.
	var healthMonitor *toolserver.HealthMonitor
	if cfg.ToolServerRegistry.Len() > 0 {
		healthMonitor = toolserver.NewHealthMonitor(toolClients, cfg.ToolServerRegistry, warningsService)
		healthMonitor.Start(ctx)
		defer healthMonitor.Stop()
		slog.Info("Tool server health monitor started")
	}

	// 5. Initialize expert factory and runner
	factory := expert.NewFactory(cfg, warningsService)
	defer func() {
		if err := factory.Close(); err != nil {
			slog.Error("Error closing expert factory", "error", err)
		}
	}()
	runner := expert.NewRunner(toolClients, cfg.ToolServerRegistry)

	descriptors := factory.Descriptors()
	slog.Info("Experts resolved", "count", len(descriptors))

	// 6. Initialize orchestrators
	guard := guardrail.New(cfg, warningsService)

	var resultCache *cache.Cache
	if !cfg.Cache.CacheDisabled() {
		resultCache = cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL.Std())
	}

	moe := orchestrator.NewMoE(cfg, factory, runner, resultCache, guard)
	smart, err := orchestrator.NewSmartRouter(cfg, factory, runner, guard)
	if err != nil {
		slog.Error("Failed to initialize smart router", "error", err)
		os.Exit(1)
	}
	slog.Info("Orchestrators initialized", "selection_count", cfg.MoE.SelectionCount)

	// 7. Open run history and start the retention sweeper
	var historyStore *history.Store
	var sweeper *history.Sweeper
	if cfg.History.Enabled {
		historyStore, err = history.Open(cfg.History.Path, maskingService)
		if err != nil {
			slog.Error("Failed to open history store", "path", cfg.History.Path, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := historyStore.Close(); err != nil {
				slog.Error("Error closing history store", "error", err)
			}
		}()
		slog.Info("Run history enabled",
			"path", cfg.History.Path,
			"retention_days", cfg.History.RetentionDays)

		if cfg.History.RetentionDays > 0 {
			sweeper = history.NewSweeper(historyStore, cfg.History.RetentionDays, cfg.History.CleanupInterval)
			sweeper.Start(ctx)
		}
	}

	// 8. Create HTTP server
	gin.SetMode(gin.ReleaseMode)
	httpServer := api.NewServer(cfg, factory, runner, guard, moe, smart)
	httpServer.SetWarningsService(warningsService)
	httpServer.SetMetrics(metrics)
	if healthMonitor != nil {
		httpServer.SetHealthMonitor(healthMonitor)
	}
	if historyStore != nil {
		httpServer.SetHistoryStore(historyStore)
	}

	// 9. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("MOSAIC started successfully",
		"experts", len(descriptors),
		"addr", cfg.Server.ListenAddr)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop the sweeper, then drain the HTTP server
	// within the configured budget. The deferred closers handle the rest.
	if sweeper != nil {
		sweeper.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
