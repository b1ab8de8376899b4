package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/llm"
	"github.com/mosaic-ai/mosaic/pkg/orchestrator"
	"github.com/mosaic-ai/mosaic/pkg/session"
)

// mockSource hands out workers bound to the deterministic mock LLM backend.
// Sessions are fresh in-memory stores, so simulated runs stay idempotent
// and never touch persisted conversation state.
type mockSource struct {
	real orchestrator.WorkerSource
}

var _ orchestrator.WorkerSource = (*mockSource)(nil)

func (m *mockSource) Worker(id string, instructions ...string) (*expert.Worker, error) {
	worker, err := m.real.Worker(id, instructions...)
	if err != nil {
		return nil, err
	}
	return worker.WithClient(llm.NewMockClient(id)), nil
}

func (m *mockSource) WorkerWithSession(id, sessionID string, instructions ...string) (*expert.Worker, session.Store, error) {
	worker, err := m.Worker(id, instructions...)
	if err != nil {
		return nil, nil, err
	}
	if sessionID == "" {
		sessionID = session.NewID(id)
	}
	return worker, session.NewMemoryStore(sessionID), nil
}

func (m *mockSource) WorkerWithPersistentSession(id, sessionID, _ string) (*expert.Worker, session.Store, error) {
	return m.WorkerWithSession(id, sessionID)
}

func (m *mockSource) Descriptors() []*expert.Descriptor {
	return m.real.Descriptors()
}

// simulateHandler handles POST /agents/:id/simulate.
//
// The run goes through the same orchestration paths as /chat with every
// LLM call answered by the mock backend: no provider traffic, no cache
// writes, no guardrail checks, no persisted sessions. Simulated runs are
// not recorded in history.
func (s *Server) simulateHandler(c *gin.Context) {
	req, ok := s.bindChatRequest(c)
	if !ok {
		return
	}

	orch, err := s.simulateOrchestrator(c.Param("id"))
	if err != nil {
		respondOrchestrationError(c, c.Param("id"), err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	release := s.activeRuns.track(cancel)
	defer release()

	runReq := &orchestrator.Request{
		Query:     req.Input,
		Context:   req.Context,
		SessionID: req.SessionID,
		MaxSteps:  req.MaxSteps,
		RequestID: requestIDFrom(c),
	}

	resp, err := orch.Execute(ctx, runReq)
	if err != nil {
		respondOrchestrationError(c, orch.Name(), err)
		return
	}

	c.JSON(http.StatusOK, buildChatResponse(resp, "mock"))
}

// simulateOrchestrator builds a per-request orchestrator over the mock
// worker source. The result cache and the guardrail are left out: simulated
// answers must not cross into real results, and the guardrail checker is
// itself an LLM call.
func (s *Server) simulateOrchestrator(id string) (orchestrator.Orchestrator, error) {
	src := &mockSource{real: s.source}

	switch id {
	case orchestrator.TagMoE:
		return orchestrator.NewMoE(s.cfg, src, s.runner, nil, nil), nil
	case orchestrator.TagSmartRouter:
		planner := llm.NewMockClient("planner")
		synth := llm.NewMockClient("synthesizer")
		return orchestrator.NewSmartRouterWithClients(s.cfg, src, s.runner, nil, planner, "mock", synth, "mock"), nil
	}

	worker, err := src.Worker(id)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewSingleExpert(worker.Descriptor, src, s.runner, nil), nil
}
