package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/cache"
	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/guardrail"
	"github.com/mosaic-ai/mosaic/pkg/stream"
	"github.com/mosaic-ai/mosaic/pkg/trace"
)

// errorAttenuation halves an expert's mixing weight when its run surfaced an
// error, either a failed run or tool errors along the way to an answer.
const errorAttenuation = 0.5

// errAllExpertsFailed marks a run that degraded to the fallback answer.
// It travels through the result cache's build error path so the degraded
// answer is never stored: the next identical query retries the experts.
var errAllExpertsFailed = errors.New("all selected experts failed")

// MoE is the mixture-of-experts orchestrator: score and select top-k
// experts, run them in parallel against the same query, and mix the
// surviving answers into one response.
type MoE struct {
	cfg    *config.Config
	source WorkerSource
	runner *expert.Runner
	cache  *cache.Cache
	guard  *guardrail.Guardrail
	logger *slog.Logger
}

// NewMoE builds the mixture-of-experts orchestrator. resultCache and guard
// may be nil, which disables caching and guardrail checks respectively.
func NewMoE(cfg *config.Config, source WorkerSource, runner *expert.Runner, resultCache *cache.Cache, guard *guardrail.Guardrail) *MoE {
	return &MoE{
		cfg:    cfg,
		source: source,
		runner: runner,
		cache:  resultCache,
		guard:  guard,
		logger: slog.Default(),
	}
}

func (m *MoE) Name() string        { return TagMoE }
func (m *MoE) DisplayName() string { return "Mixture of Experts" }

// ExecuteStreamed emits metadata, one token chunk with the mixed answer,
// then done.
func (m *MoE) ExecuteStreamed(ctx context.Context, req *Request) <-chan stream.Chunk {
	return streamExecution(ctx, m, req)
}

// Execute runs the five-phase pipeline: selection, cache lookup, parallel
// execution, mixing, synthesis. Identical concurrent requests share one
// in-flight build through the result cache.
func (m *MoE) Execute(ctx context.Context, req *Request) (*Response, error) {
	moeCfg := m.cfg.MoE
	sessionID := ensureSessionID(req, TagMoE)

	if budget := moeCfg.MaxBudget.Std(); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	tr := trace.New(TagMoE, req.RequestID)
	tr.SessionID = sessionID

	selStart := time.Now()
	descriptors := m.source.Descriptors()
	if len(descriptors) == 0 {
		// Nothing to select from. The run still answers: fallback text with
		// the fallback flag set, never an error.
		m.logger.Warn("No enabled experts, returning fallback text",
			"request_id", req.RequestID)
		tr.AddPhase(trace.PhaseSelection, selStart, map[string]any{"candidates": 0})
		tr.ExpertsUsed = []string{}
		tr.Fallback = true
		tr.Finish()
		return m.response(req, moeCfg.FallbackText, tr, nil), nil
	}
	selected := selectExperts(req.Query, descriptors, moeCfg.SelectionCount)
	ids := selectionIDs(selected)
	tr.SelectedExperts = ids
	tr.AddPhase(trace.PhaseSelection, selStart, map[string]any{
		"candidates": len(descriptors),
		"selected":   ids,
	})

	lookupStart := time.Now()
	key := cache.NewKey(TagMoE, req.Query, ids)

	var ranLocally bool
	var runUsage *agent.Usage
	entry, hit, err := m.cache.GetOrBuild(ctx, key, func(buildCtx context.Context) (*cache.Entry, error) {
		ranLocally = true
		tr.AddPhase(trace.PhaseCacheLookup, lookupStart, map[string]any{"hit": false})

		answer, usage, runErr := m.run(buildCtx, req, tr, selected)
		runUsage = usage
		if runErr != nil {
			return nil, runErr
		}
		return cache.NewEntry(answer, tr, tr.ExpertsUsed), nil
	})
	if err != nil {
		if errors.Is(err, errAllExpertsFailed) {
			tr.Fallback = true
			if tr.ExpertsUsed == nil {
				tr.ExpertsUsed = []string{}
			}
			tr.Finish()
			return m.response(req, moeCfg.FallbackText, tr, runUsage), nil
		}
		return nil, m.wrap(req, err)
	}

	if ranLocally {
		tr.Finish()
		return m.response(req, entry.Answer, tr, runUsage), nil
	}

	// Cache hit, or an identical in-flight request built the entry for us:
	// return the stored trace stamped with this call's identifiers and wall
	// time. Waiters that shared a fresh build report a miss, only stored
	// entries count as hits.
	hitTrace := trace.New(TagMoE, req.RequestID)
	if entry.Trace != nil {
		hitTrace = entry.Trace.Snapshot()
	}
	hitTrace.RequestID = req.RequestID
	hitTrace.SessionID = sessionID
	hitTrace.CacheHit = hit
	hitTrace.LatencyMS = trace.LatencyMS(selStart)
	return m.response(req, entry.Answer, hitTrace, nil), nil
}

// expertOutcome is one expert's contribution collected from the parallel
// phase.
type expertOutcome struct {
	attempt trace.ExpertAttempt
	output  string
	usage   *agent.Usage
}

// run executes phases three to five and the guardrail, appending to tr.
func (m *MoE) run(ctx context.Context, req *Request, tr *trace.Trace, selected []scoredExpert) (string, *agent.Usage, error) {
	execStart := time.Now()

	// One cancellable parent covers every expert: caller cancellation fans
	// out to all children.
	parentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan expertOutcome, len(selected))
	for _, sel := range selected {
		go m.runExpert(parentCtx, req, sel, results)
	}

	var usage *agent.Usage
	outcomes := make([]expertOutcome, 0, len(selected))
	for range selected {
		select {
		case outcome := <-results:
			outcomes = append(outcomes, outcome)
			tr.AddExpert(outcome.attempt)
			usage = sumUsage(usage, outcome.usage)
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	tr.AddPhase(trace.PhaseExecution, execStart, map[string]any{
		"experts": len(selected),
	})

	mixStart := time.Now()
	successes := make([]expertOutcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.attempt.Status == trace.AttemptSucceeded && outcome.output != "" {
			successes = append(successes, outcome)
		}
	}
	sort.Slice(successes, func(i, j int) bool {
		if successes[i].attempt.Weight != successes[j].attempt.Weight {
			return successes[i].attempt.Weight > successes[j].attempt.Weight
		}
		return successes[i].attempt.ExpertID < successes[j].attempt.ExpertID
	})

	used := make([]string, len(successes))
	for i, s := range successes {
		used[i] = s.attempt.ExpertID
	}
	tr.ExpertsUsed = used
	tr.AddPhase(trace.PhaseMixing, mixStart, map[string]any{
		"successes": len(successes),
	})

	if len(successes) == 0 {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		m.logger.Warn("Every selected expert failed, returning fallback text",
			"request_id", req.RequestID,
			"experts", selectionIDs(selected))
		return "", usage, errAllExpertsFailed
	}

	var answer string
	if len(successes) == 1 {
		// Nothing to mix: the single surviving answer is final.
		answer = successes[0].output
	} else {
		synthStart := time.Now()
		synthesized, synthUsage, synthErr := m.synthesize(ctx, req, successes)
		usage = sumUsage(usage, synthUsage)
		if synthErr != nil {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			// A run that produced usable answers should not fail because
			// the condensing step did: fall back to the heaviest answer.
			m.logger.Warn("Synthesis failed, returning highest-weight answer",
				"request_id", req.RequestID,
				"error", synthErr)
			answer = successes[0].output
			tr.AddPhase(trace.PhaseSynthesis, synthStart, map[string]any{
				"error":    synthErr.Error(),
				"degraded": true,
			})
		} else {
			answer = synthesized
			tr.AddPhase(trace.PhaseSynthesis, synthStart, map[string]any{
				"synthesizer": m.synthesizerID(successes),
				"inputs":      len(successes),
			})
		}
	}

	grStart := time.Now()
	checked := m.guard.Check(ctx, req.RequestID, req.Query, answer)
	detail := map[string]any{"triggered": false}
	if meta := checked.Metadata(); meta != nil {
		detail = meta
	}
	tr.AddPhase(trace.PhaseGuardrail, grStart, detail)
	return checked.Answer, usage, nil
}

// runExpert executes one selected expert and always delivers an outcome to
// results; the channel is buffered for the full selection so delivery never
// blocks.
func (m *MoE) runExpert(ctx context.Context, req *Request, sel scoredExpert, results chan<- expertOutcome) {
	started := time.Now()
	id := sel.Descriptor.ID
	attempt := trace.ExpertAttempt{
		ExpertID:  id,
		Weight:    sel.Score,
		StartedAt: started,
	}

	finish := func(status, output, errMsg string, usage *agent.Usage) {
		attempt.Status = status
		attempt.Output = output
		attempt.Error = errMsg
		attempt.EndedAt = time.Now()
		attempt.LatencyMS = trace.LatencyMS(started)
		results <- expertOutcome{attempt: attempt, output: output, usage: usage}
	}

	expertCtx := ctx
	if timeout := m.cfg.MoE.ExpertTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		expertCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	worker, store, err := m.source.WorkerWithSession(id, req.SessionID)
	if err != nil {
		attempt.Weight = sel.Score * errorAttenuation
		finish(trace.AttemptFailed, "", err.Error(), nil)
		return
	}

	result, err := m.runner.Run(expertCtx, worker, req.Query, expert.RunOptions{
		Context:   req.ContextBlock(),
		Session:   store,
		MaxSteps:  req.MaxSteps,
		RequestID: req.RequestID,
	})
	if err != nil {
		attempt.Weight = sel.Score * errorAttenuation
		status := trace.AttemptFailed
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			status = trace.AttemptCancelled
		}
		finish(status, "", err.Error(), nil)
		return
	}

	// Tool errors on the way to an answer reduce trust in it.
	for _, record := range result.Trace {
		if record.IsError {
			attempt.Weight = sel.Score * errorAttenuation
			break
		}
	}
	finish(trace.AttemptSucceeded, result.FinalOutput, "", result.Usage)
}

// synthesizerID picks the expert that writes the final answer: the
// configured one, otherwise the highest-weight success.
func (m *MoE) synthesizerID(successes []expertOutcome) string {
	if id := m.cfg.MoE.Synthesizer; id != "" {
		return id
	}
	return successes[0].attempt.ExpertID
}

// synthesize condenses the weighted answers through the synthesizer expert.
// The synthesizer runs without a session: the condensing step is internal
// and must not leak into conversation history.
func (m *MoE) synthesize(ctx context.Context, req *Request, successes []expertOutcome) (string, *agent.Usage, error) {
	synthID := m.synthesizerID(successes)
	worker, err := m.source.Worker(synthID, synthesisInstructions)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build synthesizer %q: %w", synthID, err)
	}

	result, err := m.runner.Run(ctx, worker, synthesisInput(req.Query, successes), expert.RunOptions{
		RequestID: req.RequestID,
	})
	if err != nil {
		return "", nil, err
	}
	return result.FinalOutput, result.Usage, nil
}

const synthesisInstructions = `You combine answers from several experts into one response. Weigh each answer by the weight shown and resolve conflicts toward higher-weight answers. Write one coherent reply to the original query. Do not mention the experts, the weights, or this process.`

func synthesisInput(query string, successes []expertOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query:\n%s\n\nWeighted expert answers:\n", query)
	for _, s := range successes {
		fmt.Fprintf(&b, "\n[%s, weight %.2f]\n%s\n", s.attempt.ExpertID, s.attempt.Weight, s.output)
	}
	b.WriteString("\nCombined answer:")
	return b.String()
}

func (m *MoE) response(req *Request, answer string, tr *trace.Trace, usage *agent.Usage) *Response {
	metadata := map[string]any{
		"orchestrator": TagMoE,
		"session-id":   req.SessionID,
		"experts-used": tr.ExpertsUsed,
		"cache-hit":    tr.CacheHit,
	}
	if tr.Fallback {
		metadata["fallback"] = true
	}
	if usage != nil {
		metadata["usage"] = usage
	}
	for _, phase := range tr.Phases {
		if phase.Name == trace.PhaseGuardrail && phase.Detail["triggered"] == true {
			metadata["guardrails"] = map[string]any{"hallucination": phase.Detail}
		}
	}
	return &Response{Answer: answer, Trace: tr, Usage: usage, Metadata: metadata}
}

func (m *MoE) wrap(req *Request, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("moe orchestration (request %s): %w", req.RequestID, err)
}
