package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/guardrail"
	"github.com/mosaic-ai/mosaic/pkg/llm"
	"github.com/mosaic-ai/mosaic/pkg/stream"
	"github.com/mosaic-ai/mosaic/pkg/trace"
)

const synthesisMaxTokens = 2048

// SmartRouter is the planning orchestrator: an LLM planner interprets the
// query and splits it into sub-queries, each sub-query is routed to the
// best-matching expert by capability, and the answers are assembled with
// citations. Answers depend on per-expert session history, so results are
// never cached across requests.
type SmartRouter struct {
	cfg    *config.Config
	source WorkerSource
	runner *expert.Runner
	guard  *guardrail.Guardrail
	logger *slog.Logger

	planner    *planner
	synth      agent.LLMClient
	synthModel string

	// closers are the LLM clients this router built and owns.
	closers []func() error
}

// NewSmartRouter builds the smart router, creating its planner client from
// SmartRouter.PlannerProvider and its synthesis client from
// SmartRouter.SynthesisProvider. An unset synthesis provider reuses the
// planner client.
func NewSmartRouter(cfg *config.Config, source WorkerSource, runner *expert.Runner, guard *guardrail.Guardrail) (*SmartRouter, error) {
	plannerName := cfg.SmartRouter.PlannerProvider
	if plannerName == "" {
		plannerName = cfg.Defaults.LLMProvider
	}
	plannerCfg, err := cfg.GetLLMProvider(plannerName)
	if err != nil {
		return nil, fmt.Errorf("smartrouter planner provider: %w", err)
	}
	plannerClient, err := llm.NewClient(plannerName, *plannerCfg)
	if err != nil {
		return nil, fmt.Errorf("smartrouter planner client: %w", err)
	}

	s := NewSmartRouterWithClients(cfg, source, runner, guard,
		plannerClient, plannerCfg.Model, plannerClient, plannerCfg.Model)
	s.closers = append(s.closers, plannerClient.Close)

	if synthName := cfg.SmartRouter.SynthesisProvider; synthName != "" && synthName != plannerName {
		synthCfg, err := cfg.GetLLMProvider(synthName)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("smartrouter synthesis provider: %w", err)
		}
		synthClient, err := llm.NewClient(synthName, *synthCfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("smartrouter synthesis client: %w", err)
		}
		s.synth = synthClient
		s.synthModel = synthCfg.Model
		s.closers = append(s.closers, synthClient.Close)
	}
	return s, nil
}

// NewSmartRouterWithClients wires the router onto caller-owned clients.
// Close does not touch them.
func NewSmartRouterWithClients(cfg *config.Config, source WorkerSource, runner *expert.Runner, guard *guardrail.Guardrail, plannerClient agent.LLMClient, plannerModel string, synthClient agent.LLMClient, synthModel string) *SmartRouter {
	return &SmartRouter{
		cfg:        cfg,
		source:     source,
		runner:     runner,
		guard:      guard,
		logger:     slog.Default(),
		planner:    newPlanner(plannerClient, plannerModel),
		synth:      synthClient,
		synthModel: synthModel,
	}
}

func (s *SmartRouter) Name() string        { return TagSmartRouter }
func (s *SmartRouter) DisplayName() string { return "Smart Router" }

// Close releases the LLM clients the router owns.
func (s *SmartRouter) Close() error {
	var firstErr error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// ExecuteStreamed emits metadata, one token chunk with the assembled
// answer, then done.
func (s *SmartRouter) ExecuteStreamed(ctx context.Context, req *Request) <-chan stream.Chunk {
	return streamExecution(ctx, s, req)
}

// assignment binds one sub-query to the expert that will answer it.
type assignment struct {
	sub  subQuery
	desc *expert.Descriptor
	// score is the capability overlap that won the routing.
	score float64
}

// subResult is the terminal state of one sub-query.
type subResult struct {
	id       string
	expertID string
	output   string
	err      error
	attempt  trace.ExpertAttempt
	usage    *agent.Usage
}

// Execute runs the planning pipeline: interpretation, decomposition,
// routing, dependency-ordered execution, synthesis, and an optional
// evaluation pass that is recorded but never changes the answer.
func (s *SmartRouter) Execute(ctx context.Context, req *Request) (*Response, error) {
	srCfg := s.cfg.SmartRouter
	sessionID := ensureSessionID(req, TagSmartRouter)

	if budget := srCfg.MaxBudget.Std(); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	tr := trace.New(TagSmartRouter, req.RequestID)
	tr.SessionID = sessionID

	routeStart := time.Now()
	descriptors := s.source.Descriptors()
	if len(descriptors) == 0 {
		// No experts to route to. Answer with the fallback text instead of
		// failing; the planner is skipped since there is nothing to plan for.
		s.logger.Warn("No enabled experts, returning fallback text",
			"request_id", req.RequestID)
		tr.AddPhase(trace.PhaseRouting, routeStart, map[string]any{"candidates": 0})
		tr.ExpertsUsed = []string{}
		tr.Fallback = true
		tr.Finish()
		return s.response(req, srCfg.FallbackText, tr, nil), nil
	}

	interp := s.interpretPhase(ctx, req, tr)
	subs := s.decomposePhase(ctx, req, tr, interp)
	plan := s.routePhase(req, tr, subs, descriptors)

	execStart := time.Now()
	results, usage, err := s.executePlan(ctx, req, tr, plan)
	if err != nil {
		return nil, s.wrap(req, err)
	}

	succeeded := make([]assignment, 0, len(plan))
	used := make([]string, 0, len(plan))
	usedSet := make(map[string]bool, len(plan))
	for _, a := range plan {
		res := results[a.sub.ID]
		if res.err != nil || res.output == "" {
			continue
		}
		succeeded = append(succeeded, a)
		if !usedSet[a.desc.ID] {
			usedSet[a.desc.ID] = true
			used = append(used, a.desc.ID)
		}
	}
	tr.ExpertsUsed = used
	tr.AddPhase(trace.PhaseExecution, execStart, map[string]any{
		"sub_queries": len(plan),
		"succeeded":   len(succeeded),
	})

	if len(succeeded) == 0 {
		if ctx.Err() != nil {
			return nil, s.wrap(req, ctx.Err())
		}
		s.logger.Warn("Every sub-query failed, returning fallback text",
			"request_id", req.RequestID,
			"sub_queries", len(plan))
		tr.Fallback = true
		tr.Finish()
		return s.response(req, srCfg.FallbackText, tr, usage), nil
	}

	answer := s.synthesisPhase(ctx, req, tr, succeeded, results)

	grStart := time.Now()
	checked := s.guard.Check(ctx, req.RequestID, req.Query, answer)
	detail := map[string]any{"triggered": false}
	if meta := checked.Metadata(); meta != nil {
		detail = meta
	}
	tr.AddPhase(trace.PhaseGuardrail, grStart, detail)
	answer = checked.Answer

	if !srCfg.EvaluationDisabled() {
		s.evaluatePhase(ctx, req, tr, answer)
	}

	tr.Finish()
	return s.response(req, answer, tr, usage), nil
}

// interpretPhase classifies the query. Planner failures degrade to a
// no-decomposition interpretation so the request still reaches an expert.
func (s *SmartRouter) interpretPhase(ctx context.Context, req *Request, tr *trace.Trace) *interpretation {
	start := time.Now()
	interp, err := s.planner.interpret(ctx, req.RequestID, req.Query)
	if err != nil {
		s.logger.Warn("Interpretation failed, routing query whole",
			"request_id", req.RequestID,
			"error", err)
		tr.AddPhase(trace.PhaseInterpretation, start, map[string]any{
			"error":    err.Error(),
			"degraded": true,
		})
		return &interpretation{Complexity: complexityModerate, Reason: "interpretation unavailable"}
	}
	tr.AddPhase(trace.PhaseInterpretation, start, map[string]any{
		"domains":    interp.Domains,
		"complexity": interp.Complexity,
		"decompose":  interp.Decompose,
	})
	return interp
}

// decomposePhase splits the query when the interpretation asked for it.
func (s *SmartRouter) decomposePhase(ctx context.Context, req *Request, tr *trace.Trace, interp *interpretation) []subQuery {
	start := time.Now()
	whole := []subQuery{{ID: "s1", Query: req.Query}}
	if !interp.Decompose {
		tr.AddPhase(trace.PhaseDecomposition, start, map[string]any{"sub_queries": 1, "split": false})
		return whole
	}

	subs, err := s.planner.decompose(ctx, req.RequestID, req.Query, interp)
	if err != nil {
		s.logger.Warn("Decomposition failed, routing query whole",
			"request_id", req.RequestID,
			"error", err)
		tr.AddPhase(trace.PhaseDecomposition, start, map[string]any{
			"error":    err.Error(),
			"degraded": true,
		})
		return whole
	}
	tr.AddPhase(trace.PhaseDecomposition, start, map[string]any{
		"sub_queries": len(subs),
		"split":       len(subs) > 1,
	})
	return subs
}

// routePhase maps every sub-query to the expert whose capabilities overlap
// it most.
func (s *SmartRouter) routePhase(req *Request, tr *trace.Trace, subs []subQuery, descriptors []*expert.Descriptor) []assignment {
	start := time.Now()
	plan := make([]assignment, 0, len(subs))
	routes := make(map[string]any, len(subs))
	selected := make([]string, 0, len(subs))
	selectedSet := make(map[string]bool, len(subs))

	for _, sub := range subs {
		scored, ok := routeToExpert(sub.Query, descriptors)
		if !ok {
			continue
		}
		plan = append(plan, assignment{sub: sub, desc: scored.Descriptor, score: scored.Score})
		routes[sub.ID] = scored.Descriptor.ID
		if !selectedSet[scored.Descriptor.ID] {
			selectedSet[scored.Descriptor.ID] = true
			selected = append(selected, scored.Descriptor.ID)
		}
	}
	tr.SelectedExperts = selected
	tr.AddPhase(trace.PhaseRouting, start, map[string]any{"routes": routes})
	return plan
}

// executePlan runs the plan with dependency ordering: a sub-query is
// dispatched once every dependency has succeeded, and skipped when one has
// not. At most MaxConcurrent sub-queries run at a time.
func (s *SmartRouter) executePlan(ctx context.Context, req *Request, tr *trace.Trace, plan []assignment) (map[string]subResult, *agent.Usage, error) {
	maxConcurrent := s.cfg.SmartRouter.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	parentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	baseContext := req.ContextBlock()
	results := make(map[string]subResult, len(plan))
	dispatched := make(map[string]bool, len(plan))
	resultCh := make(chan subResult, len(plan))
	running := 0

	record := func(res subResult) {
		results[res.id] = res
		tr.AddExpert(res.attempt)
	}

	var usage *agent.Usage
	for len(results) < len(plan) {
		for _, a := range plan {
			if dispatched[a.sub.ID] {
				continue
			}
			ready, blocked := depsReady(a.sub, results)
			if blocked {
				dispatched[a.sub.ID] = true
				record(s.skipResult(a, results))
				continue
			}
			if !ready || running >= maxConcurrent {
				continue
			}
			dispatched[a.sub.ID] = true
			running++
			go s.runSubQuery(parentCtx, req, a, depContext(baseContext, a.sub, results), resultCh)
		}

		if len(results) == len(plan) {
			break
		}
		select {
		case res := <-resultCh:
			running--
			record(res)
			usage = sumUsage(usage, res.usage)
		case <-ctx.Done():
			return nil, usage, ctx.Err()
		}
	}
	return results, usage, nil
}

// depsReady reports whether every dependency of sub has succeeded. blocked
// means at least one terminally failed or was skipped, so sub can never run.
func depsReady(sub subQuery, results map[string]subResult) (ready, blocked bool) {
	for _, dep := range sub.DependsOn {
		res, done := results[dep]
		if !done {
			return false, false
		}
		if res.err != nil {
			return false, true
		}
	}
	return true, false
}

// skipResult records a sub-query that cannot run because a dependency
// failed.
func (s *SmartRouter) skipResult(a assignment, results map[string]subResult) subResult {
	failedDep := ""
	for _, dep := range a.sub.DependsOn {
		if res, done := results[dep]; done && res.err != nil {
			failedDep = dep
			break
		}
	}
	err := fmt.Errorf("dependency %q did not produce an answer", failedDep)
	now := time.Now()
	return subResult{
		id:       a.sub.ID,
		expertID: a.desc.ID,
		err:      err,
		attempt: trace.ExpertAttempt{
			ExpertID:  a.desc.ID,
			SubQuery:  a.sub.Query,
			Weight:    a.score,
			Status:    trace.AttemptSkipped,
			Error:     err.Error(),
			StartedAt: now,
			EndedAt:   now,
			LatencyMS: 1,
		},
	}
}

// runSubQuery executes one sub-query on its routed expert and always
// delivers a result; resultCh is buffered for the whole plan.
func (s *SmartRouter) runSubQuery(ctx context.Context, req *Request, a assignment, contextBlock string, resultCh chan<- subResult) {
	started := time.Now()
	attempt := trace.ExpertAttempt{
		ExpertID:  a.desc.ID,
		SubQuery:  a.sub.Query,
		Weight:    a.score,
		StartedAt: started,
	}

	finish := func(status, output string, err error, usage *agent.Usage) {
		attempt.Status = status
		attempt.Output = output
		if err != nil {
			attempt.Error = err.Error()
		}
		attempt.EndedAt = time.Now()
		attempt.LatencyMS = trace.LatencyMS(started)
		resultCh <- subResult{
			id:       a.sub.ID,
			expertID: a.desc.ID,
			output:   output,
			err:      err,
			attempt:  attempt,
			usage:    usage,
		}
	}

	subCtx := ctx
	if timeout := s.cfg.SmartRouter.ExpertTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		subCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Persistent sessions give each expert multi-turn memory keyed by the
	// caller's session, so follow-up queries land with history intact.
	worker, store, err := s.source.WorkerWithPersistentSession(a.desc.ID, req.SessionID, "")
	if err != nil {
		finish(trace.AttemptFailed, "", err, nil)
		return
	}

	result, err := s.runner.Run(subCtx, worker, a.sub.Query, expert.RunOptions{
		Context:   contextBlock,
		Session:   store,
		MaxSteps:  req.MaxSteps,
		RequestID: req.RequestID,
	})
	if err != nil {
		status := trace.AttemptFailed
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			status = trace.AttemptCancelled
		}
		finish(status, "", err, nil)
		return
	}
	finish(trace.AttemptSucceeded, result.FinalOutput, nil, result.Usage)
}

// depContext extends the caller context block with the answers a sub-query
// depends on.
func depContext(base string, sub subQuery, results map[string]subResult) string {
	if len(sub.DependsOn) == 0 {
		return base
	}
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	b.WriteString("Answers to earlier sub-queries:")
	for _, dep := range sub.DependsOn {
		if res, ok := results[dep]; ok && res.err == nil {
			fmt.Fprintf(&b, "\n[%s] %s", dep, res.output)
		}
	}
	return b.String()
}

// synthesisPhase assembles the final answer. A single answer passes
// through untouched; synthesis failures degrade to the labeled
// concatenation of the answers.
func (s *SmartRouter) synthesisPhase(ctx context.Context, req *Request, tr *trace.Trace, succeeded []assignment, results map[string]subResult) string {
	if len(succeeded) == 1 {
		return results[succeeded[0].sub.ID].output
	}

	start := time.Now()
	answer, err := s.synthesize(ctx, req.RequestID, req.Query, succeeded, results)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Synthesis failed, returning concatenated answers",
				"request_id", req.RequestID,
				"error", err)
		}
		tr.AddPhase(trace.PhaseSynthesis, start, map[string]any{
			"error":    err.Error(),
			"degraded": true,
		})
		return concatAnswers(succeeded, results)
	}
	tr.AddPhase(trace.PhaseSynthesis, start, map[string]any{"inputs": len(succeeded)})
	return answer
}

const routerSynthesisPrompt = `You assemble answers to sub-queries into one response to the original query. Mark which sub-answer supports each part with its id in brackets, e.g. [s1]. If sub-answers conflict, say so explicitly. Respond with the final answer only.`

func (s *SmartRouter) synthesize(ctx context.Context, requestID, query string, succeeded []assignment, results map[string]subResult) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query:\n%s\n\nSub-answers:\n", query)
	for _, a := range succeeded {
		res := results[a.sub.ID]
		fmt.Fprintf(&b, "\n[%s] (%s) %s\n", a.sub.ID, a.desc.ID, res.output)
	}

	chunks, err := s.synth.Generate(ctx, &agent.GenerateInput{
		RequestID: requestID,
		Messages: []agent.ConversationMessage{
			{Role: agent.RoleSystem, Content: routerSynthesisPrompt},
			{Role: agent.RoleUser, Content: b.String()},
		},
		Params: agent.GenerationParams{Model: s.synthModel, MaxTokens: synthesisMaxTokens},
	})
	if err != nil {
		return "", err
	}
	text, err := collectText(ctx, chunks)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("synthesis returned no text")
	}
	return text, nil
}

func concatAnswers(succeeded []assignment, results map[string]subResult) string {
	var b strings.Builder
	for _, a := range succeeded {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", a.sub.ID, results[a.sub.ID].output)
	}
	return b.String()
}

const evaluationSystemPrompt = `You grade how well a response answers a query. Respond with a single JSON object and no prose:
{"score": 0.0, "verdict": "..."}
score is between 0 and 1; verdict is one short sentence.`

// evaluation is the recorded self-assessment of an answer.
type evaluation struct {
	Score   float64 `json:"score"`
	Verdict string  `json:"verdict"`
}

// evaluatePhase grades the answer through the planner client. The grade is
// recorded in the trace and never changes the response.
func (s *SmartRouter) evaluatePhase(ctx context.Context, req *Request, tr *trace.Trace, answer string) {
	start := time.Now()
	user := fmt.Sprintf("Query:\n%s\n\nResponse:\n%s", req.Query, answer)
	raw, err := s.planner.call(ctx, req.RequestID, evaluationSystemPrompt, user)
	if err != nil {
		tr.AddPhase(trace.PhaseEvaluation, start, map[string]any{"error": err.Error()})
		return
	}

	var eval evaluation
	if err := parsePlannerJSON(raw, &eval); err != nil {
		tr.AddPhase(trace.PhaseEvaluation, start, map[string]any{"error": err.Error()})
		return
	}
	if eval.Score < 0 {
		eval.Score = 0
	}
	if eval.Score > 1 {
		eval.Score = 1
	}
	tr.AddPhase(trace.PhaseEvaluation, start, map[string]any{
		"score":   eval.Score,
		"verdict": eval.Verdict,
	})
}

func (s *SmartRouter) response(req *Request, answer string, tr *trace.Trace, usage *agent.Usage) *Response {
	metadata := map[string]any{
		"orchestrator": TagSmartRouter,
		"session-id":   req.SessionID,
		"experts-used": tr.ExpertsUsed,
	}
	if tr.Fallback {
		metadata["fallback"] = true
	}
	if usage != nil {
		metadata["usage"] = usage
	}
	for _, phase := range tr.Phases {
		switch phase.Name {
		case trace.PhaseGuardrail:
			if phase.Detail["triggered"] == true {
				metadata["guardrails"] = map[string]any{"hallucination": phase.Detail}
			}
		case trace.PhaseEvaluation:
			if _, failed := phase.Detail["error"]; !failed {
				metadata["evaluation"] = phase.Detail
			}
		}
	}
	return &Response{Answer: answer, Trace: tr, Usage: usage, Metadata: metadata}
}

func (s *SmartRouter) wrap(req *Request, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("smartrouter orchestration (request %s): %w", req.RequestID, err)
}
