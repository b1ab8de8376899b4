package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/history"
	"github.com/mosaic-ai/mosaic/pkg/orchestrator"
	"github.com/mosaic-ai/mosaic/pkg/stream"
	"github.com/mosaic-ai/mosaic/pkg/trace"
)

// historyWriteTimeout bounds the post-run history insert so a slow disk
// cannot hold a handler open after the response is already committed.
const historyWriteTimeout = 5 * time.Second

// resolveOrchestrator maps a path ID to the orchestrator answering it.
// "moe" and "smartrouter" name the prebuilt composite orchestrators; any
// other ID resolves through the expert registry to a single-expert run.
func (s *Server) resolveOrchestrator(id string) (orchestrator.Orchestrator, error) {
	switch id {
	case orchestrator.TagMoE:
		return s.moe, nil
	case orchestrator.TagSmartRouter:
		return s.smart, nil
	}

	worker, err := s.source.Worker(id)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewSingleExpert(worker.Descriptor, s.source, s.runner, s.guard), nil
}

// chatHandler handles POST /agents/:id/chat.
func (s *Server) chatHandler(c *gin.Context) {
	req, ok := s.bindChatRequest(c)
	if !ok {
		return
	}

	orch, err := s.resolveOrchestrator(c.Param("id"))
	if err != nil {
		respondOrchestrationError(c, c.Param("id"), err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	release := s.activeRuns.track(cancel)
	defer release()

	started := time.Now()
	runReq := &orchestrator.Request{
		Query:     req.Input,
		Context:   req.Context,
		SessionID: req.SessionID,
		MaxSteps:  req.MaxSteps,
		RequestID: requestIDFrom(c),
	}

	resp, err := orch.Execute(ctx, runReq)
	if err != nil {
		s.recordMetrics(ctx, orch.Name(), "failed", started, nil)
		respondOrchestrationError(c, orch.Name(), err)
		return
	}

	s.recordMetrics(ctx, orch.Name(), "succeeded", started, resp)
	s.recordHistory(orch.Name(), runReq, resp, started)

	c.JSON(http.StatusOK, buildChatResponse(resp, "real"))
}

// chatStreamHandler handles POST /agents/:id/chat/stream.
//
// Chunks are forwarded as they arrive; the terminal chunk is inspected on
// the way through so completed runs land in history without re-buffering
// the stream. A failed or client-aborted stream is not recorded.
func (s *Server) chatStreamHandler(c *gin.Context) {
	req, ok := s.bindChatRequest(c)
	if !ok {
		return
	}

	orch, err := s.resolveOrchestrator(c.Param("id"))
	if err != nil {
		respondOrchestrationError(c, c.Param("id"), err)
		return
	}

	writer, err := stream.NewWriter(c.Writer)
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeOrchestratorError, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	release := s.activeRuns.track(cancel)
	defer release()

	started := time.Now()
	runReq := &orchestrator.Request{
		Query:     req.Input,
		Context:   req.Context,
		SessionID: req.SessionID,
		MaxSteps:  req.MaxSteps,
		RequestID: requestIDFrom(c),
	}

	chunks := orch.ExecuteStreamed(ctx, runReq)

	var (
		sessionID string
		finalText string
		usage     *agent.Usage
		failed    bool
	)

pump:
	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				break pump
			}
			switch chunk.Kind {
			case stream.KindMetadata:
				if id, idOk := chunk.Metadata["session-id"].(string); idOk {
					sessionID = id
				}
			case stream.KindDone:
				if text, textOk := chunk.Metadata["final-text"].(string); textOk {
					finalText = text
				}
				usage = usageFrom(chunk.Metadata["usage"])
			case stream.KindError:
				failed = true
			}
			if err := writer.Send(chunk); err != nil {
				slog.Warn("Stream write failed, aborting run",
					"orchestrator", orch.Name(), "error", err)
				cancel()
				failed = true
				break pump
			}
		case <-ctx.Done():
			slog.Info("Stream cancelled by client", "orchestrator", orch.Name())
			failed = true
			break pump
		}
	}

	if failed {
		s.recordMetrics(ctx, orch.Name(), "failed", started, nil)
		return
	}

	if sessionID != "" {
		runReq.SessionID = sessionID
	}
	resp := &orchestrator.Response{Answer: finalText, Usage: usage}
	s.recordMetrics(ctx, orch.Name(), "succeeded", started, resp)
	s.recordHistory(orch.Name(), runReq, resp, started)
}

// buildChatResponse shapes an orchestration result into the wire response.
// The top-level trace array carries per-turn records (single-expert runs);
// composite runs expose their phase trace under metadata, with the phase
// list also lifted to metadata.phases for clients that only want timings.
func buildChatResponse(resp *orchestrator.Response, mode string) ChatResponse {
	metadata := make(map[string]any, len(resp.Metadata)+3)
	for k, v := range resp.Metadata {
		metadata[k] = v
	}
	metadata["mode"] = mode
	if resp.Trace != nil {
		metadata["trace"] = resp.Trace
		metadata["phases"] = resp.Trace.Phases
	}

	turns := resp.Turns
	if turns == nil {
		turns = []trace.TurnRecord{}
	}

	return ChatResponse{
		Response: resp.Answer,
		Trace:    turns,
		Metadata: metadata,
	}
}

// usageFrom normalizes the usage payload of a done chunk. Single-expert
// streams carry a value; composite orchestrators carry a pointer.
func usageFrom(v any) *agent.Usage {
	switch u := v.(type) {
	case *agent.Usage:
		return u
	case agent.Usage:
		return &u
	default:
		return nil
	}
}

// recordHistory persists a completed run. The response is already committed
// when this runs, so failures only log.
func (s *Server) recordHistory(orchName string, req *orchestrator.Request, resp *orchestrator.Response, started time.Time) {
	if s.history == nil {
		return
	}

	run := &history.Run{
		Orchestrator: orchName,
		RequestID:    req.RequestID,
		SessionID:    req.SessionID,
		Query:        req.Query,
		Answer:       resp.Answer,
		LatencyMS:    trace.LatencyMS(started),
	}

	if tr := resp.Trace; tr != nil {
		run.ExpertsUsed = tr.ExpertsUsed
		run.Fallback = tr.Fallback
		run.CacheHit = tr.CacheHit
		run.LatencyMS = tr.LatencyMS
		if data, err := json.Marshal(tr); err == nil {
			run.Trace = string(data)
		}
	} else {
		run.ExpertsUsed = []string{orchName}
	}

	if resp.Usage != nil {
		run.InputTokens = resp.Usage.InputTokens
		run.OutputTokens = resp.Usage.OutputTokens
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := s.history.Record(ctx, run); err != nil {
		slog.Error("Failed to record run history",
			"orchestrator", orchName, "request_id", req.RequestID, "error", err)
	}
}

// recordMetrics publishes per-run metrics. Expert attempts and cache
// lookups come from the trace when the orchestrator produced one.
func (s *Server) recordMetrics(ctx context.Context, orchName, status string, started time.Time, resp *orchestrator.Response) {
	s.metrics.RecordOrchestration(ctx, orchName, status, time.Since(started).Seconds())
	if resp == nil {
		return
	}

	if resp.Usage != nil {
		s.metrics.RecordTokens(ctx, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	if g, gOk := resp.Metadata["guardrails"].(map[string]any); gOk {
		if h, hOk := g["hallucination"].(map[string]any); hOk {
			if risk, riskOk := h["risk"].(string); riskOk {
				s.metrics.RecordGuardrailTrigger(ctx, risk)
			}
		}
	}

	tr := resp.Trace
	if tr == nil {
		return
	}
	if tr.Orchestrator == orchestrator.TagMoE {
		s.metrics.RecordCacheLookup(ctx, tr.CacheHit)
	}
	for _, attempt := range tr.Experts {
		s.metrics.RecordExpertRun(ctx, attempt.ExpertID, attempt.Status, float64(attempt.LatencyMS)/1000)
	}
}
