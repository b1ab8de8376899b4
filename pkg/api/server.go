package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/guardrail"
	"github.com/mosaic-ai/mosaic/pkg/history"
	"github.com/mosaic-ai/mosaic/pkg/observe"
	"github.com/mosaic-ai/mosaic/pkg/orchestrator"
	"github.com/mosaic-ai/mosaic/pkg/services"
	"github.com/mosaic-ai/mosaic/pkg/toolserver"
)

// Server is the HTTP front of the orchestration engine.
//
// Core dependencies arrive through NewServer. Optional components (warnings
// service, tool-server health monitor, run history, metrics) are injected
// with the Set methods before the first request; every handler tolerates
// their absence.
type Server struct {
	cfg    *config.Config
	source orchestrator.WorkerSource
	runner *expert.Runner
	guard  *guardrail.Guardrail
	moe    orchestrator.Orchestrator
	smart  orchestrator.Orchestrator

	warningService *services.SystemWarningsService
	healthMonitor  *toolserver.HealthMonitor
	history        *history.Store
	metrics        *observe.Metrics

	activeRuns *runRegistry

	engineOnce sync.Once
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the API server over the shared orchestration components.
// moe and smart are the prebuilt orchestrators answering /agents/moe and
// /agents/smartrouter; per-expert orchestrators are built per request.
func NewServer(
	cfg *config.Config,
	source orchestrator.WorkerSource,
	runner *expert.Runner,
	guard *guardrail.Guardrail,
	moe orchestrator.Orchestrator,
	smart orchestrator.Orchestrator,
) *Server {
	return &Server{
		cfg:        cfg,
		source:     source,
		runner:     runner,
		guard:      guard,
		moe:        moe,
		smart:      smart,
		activeRuns: newRunRegistry(),
	}
}

// SetWarningsService wires the system warnings collector into /health and
// /warnings.
func (s *Server) SetWarningsService(ws *services.SystemWarningsService) {
	s.warningService = ws
}

// SetHealthMonitor wires the tool-server health monitor into /health.
func (s *Server) SetHealthMonitor(hm *toolserver.HealthMonitor) {
	s.healthMonitor = hm
}

// SetHistoryStore enables run persistence and the /history endpoints.
func (s *Server) SetHistoryStore(store *history.Store) {
	s.history = store
}

// SetMetrics overrides the metrics sink. Defaults to the process-global
// meter provider when unset.
func (s *Server) SetMetrics(m *observe.Metrics) {
	s.metrics = m
}

// Handler returns the configured HTTP handler. The route table is built on
// first use, so all Set injections must happen before Handler, Start, or
// the first test request.
func (s *Server) Handler() http.Handler {
	s.engineOnce.Do(func() {
		if s.metrics == nil {
			s.metrics = observe.DefaultMetrics()
		}

		engine := gin.New()
		engine.Use(gin.Recovery())
		engine.Use(requestID())
		engine.Use(securityHeaders())
		engine.Use(observe.Middleware(s.metrics))

		if origins := s.cfg.Server.AllowedOrigins; len(origins) > 0 {
			corsConfig := cors.DefaultConfig()
			corsConfig.AllowOrigins = origins
			corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, requestIDHeader)
			engine.Use(cors.New(corsConfig))
		}

		s.setupRoutes(engine)
		s.engine = engine
	})
	return s.engine
}

// setupRoutes registers all endpoints.
func (s *Server) setupRoutes(engine *gin.Engine) {
	engine.GET("/health", s.healthHandler)
	engine.GET("/warnings", s.warningsHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/agents", s.agentsHandler)

	agents := engine.Group("/agents/:id")
	agents.POST("/chat", s.chatHandler)
	agents.POST("/chat/stream", s.chatStreamHandler)
	agents.POST("/simulate", s.simulateHandler)

	runs := engine.Group("/history/runs")
	runs.GET("", s.listRunsHandler)
	runs.GET("/:id", s.getRunHandler)
}

// Start runs the HTTP server until Shutdown or a listener error. A clean
// shutdown returns nil.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("HTTP server listening", "addr", s.cfg.Server.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires, then cancels any
// orchestrations still running so expert goroutines and tool subprocesses
// do not outlive the process.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	if n := s.activeRuns.active(); n > 0 {
		slog.Warn("Cancelling in-flight orchestrations", "count", n)
		s.activeRuns.cancelAll()
	}
	return err
}
