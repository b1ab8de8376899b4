package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/trace"
)

const (
	interpSplit = `{"domains": ["search", "code"], "complexity": "complex", "decompose": true, "reason": "two separable tasks"}`
	interpWhole = `{"domains": ["general"], "complexity": "simple", "decompose": false, "reason": "single question"}`
)

func newTestRouter(cfg *config.Config, source WorkerSource, plannerClient, synthClient *scriptedClient) *SmartRouter {
	return NewSmartRouterWithClients(cfg, source, expert.NewRunner(nil, nil), nil,
		plannerClient, "planner-model", synthClient, "synth-model")
}

func routerConfig() *config.Config {
	cfg := testConfig()
	off := false
	cfg.SmartRouter.Evaluation = &off
	return cfg
}

func TestSmartRouterDecomposesRoutesAndSynthesizes(t *testing.T) {
	plannerClient := newScriptedClient(
		interpSplit,
		`{"sub_queries": [
			{"id": "s1", "query": "search the web for the latest golang release notes", "depends_on": []},
			{"id": "s2", "query": "write golang code demonstrating the new feature", "depends_on": ["s1"]}
		]}`,
	)
	synthClient := newScriptedClient("Combined: the notes [s1] and the sample [s2].")
	webClient := newScriptedClient("golang 1.25 shipped a faster collector")
	codeClient := newScriptedClient("package main sample")

	source := newFakeSource(
		testDescriptor("websearch", "search", "web", "news"),
		testDescriptor("coder", "code", "golang", "programming"),
	).client("websearch", webClient).client("coder", codeClient)

	router := newTestRouter(routerConfig(), source, plannerClient, synthClient)
	req := testRequest("find the latest golang release notes and write code using them")
	resp, err := router.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Combined: the notes [s1] and the sample [s2].", resp.Answer)
	assert.EqualValues(t, 2, plannerClient.calls.Load())
	assert.EqualValues(t, 1, synthClient.calls.Load())

	tr := resp.Trace
	require.NotNil(t, tr)
	assert.Equal(t, []string{"websearch", "coder"}, tr.SelectedExperts)
	assert.Equal(t, []string{"websearch", "coder"}, tr.ExpertsUsed)

	for _, name := range []trace.Phase{
		trace.PhaseInterpretation, trace.PhaseDecomposition, trace.PhaseRouting,
		trace.PhaseExecution, trace.PhaseSynthesis, trace.PhaseGuardrail,
	} {
		_, ok := phaseByName(tr, name)
		assert.True(t, ok, "missing phase %s", name)
	}
	_, hasEval := phaseByName(tr, trace.PhaseEvaluation)
	assert.False(t, hasEval)

	coderAttempt := findAttempt(t, tr, "coder")
	assert.Equal(t, "write golang code demonstrating the new feature", coderAttempt.SubQuery)
	assert.Equal(t, trace.AttemptSucceeded, coderAttempt.Status)

	// s2 depends on s1, so the coder must see the web answer as context.
	coderInput := codeClient.lastInput()
	require.NotNil(t, coderInput)
	userMsg := coderInput.Messages[len(coderInput.Messages)-1]
	assert.Contains(t, userMsg.Content, "Answers to earlier sub-queries:")
	assert.Contains(t, userMsg.Content, "golang 1.25 shipped a faster collector")

	// Both experts share the caller's session.
	assert.Equal(t, []string{req.SessionID}, source.sessionIDs("websearch"))
	assert.True(t, strings.HasPrefix(req.SessionID, "smartrouter-"))
}

func TestSmartRouterRoutesWholeQueryWhenNoSplit(t *testing.T) {
	plannerClient := newScriptedClient(interpWhole)
	synthClient := newScriptedClient("never used")
	source := newFakeSource(testDescriptor("generalist")).
		client("generalist", newScriptedClient("direct answer"))

	router := newTestRouter(routerConfig(), source, plannerClient, synthClient)
	resp, err := router.Execute(context.Background(), testRequest("one simple question"))
	require.NoError(t, err)

	assert.Equal(t, "direct answer", resp.Answer)
	assert.EqualValues(t, 1, plannerClient.calls.Load())
	assert.EqualValues(t, 0, synthClient.calls.Load())

	phase, ok := phaseByName(resp.Trace, trace.PhaseDecomposition)
	require.True(t, ok)
	assert.Equal(t, false, phase.Detail["split"])
}

func TestSmartRouterPlannerFailureDegrades(t *testing.T) {
	plannerClient := newScriptedClient("")
	plannerClient.errMsg = "planner backend down"
	source := newFakeSource(testDescriptor("generalist")).
		client("generalist", newScriptedClient("still answered"))

	router := newTestRouter(routerConfig(), source, plannerClient, newScriptedClient("unused"))
	resp, err := router.Execute(context.Background(), testRequest("a question"))
	require.NoError(t, err)

	assert.Equal(t, "still answered", resp.Answer)
	phase, ok := phaseByName(resp.Trace, trace.PhaseInterpretation)
	require.True(t, ok)
	assert.Equal(t, true, phase.Detail["degraded"])
}

func TestSmartRouterSkipsDependentsOfFailedSubQueries(t *testing.T) {
	plannerClient := newScriptedClient(
		interpSplit,
		`{"sub_queries": [
			{"id": "s1", "query": "first part", "depends_on": []},
			{"id": "s2", "query": "second part", "depends_on": ["s1"]}
		]}`,
	)
	flaky := newScriptedClient("")
	flaky.errMsg = "backend exploded"
	source := newFakeSource(testDescriptor("flaky")).client("flaky", flaky)

	cfg := routerConfig()
	router := newTestRouter(cfg, source, plannerClient, newScriptedClient("unused"))
	resp, err := router.Execute(context.Background(), testRequest("first part then second part"))
	require.NoError(t, err)

	assert.Equal(t, cfg.SmartRouter.FallbackText, resp.Answer)
	assert.True(t, resp.Trace.Fallback)
	assert.Equal(t, true, resp.Metadata["fallback"])
	assert.EqualValues(t, 1, flaky.calls.Load(), "the dependent sub-query must not run")

	require.Len(t, resp.Trace.Experts, 2)
	statuses := map[string]string{}
	for _, a := range resp.Trace.Experts {
		statuses[a.SubQuery] = a.Status
	}
	assert.Equal(t, trace.AttemptFailed, statuses["first part"])
	assert.Equal(t, trace.AttemptSkipped, statuses["second part"])
}

func TestSmartRouterEvaluationIsRecordedOnly(t *testing.T) {
	plannerClient := newScriptedClient(
		interpWhole,
		`{"score": 0.9, "verdict": "solid answer"}`,
	)
	source := newFakeSource(testDescriptor("generalist")).
		client("generalist", newScriptedClient("the answer"))

	router := newTestRouter(testConfig(), source, plannerClient, newScriptedClient("unused"))
	resp, err := router.Execute(context.Background(), testRequest("grade me"))
	require.NoError(t, err)

	assert.Equal(t, "the answer", resp.Answer)
	assert.EqualValues(t, 2, plannerClient.calls.Load())

	phase, ok := phaseByName(resp.Trace, trace.PhaseEvaluation)
	require.True(t, ok)
	assert.InDelta(t, 0.9, phase.Detail["score"].(float64), 0.001)
	assert.Equal(t, "solid answer", phase.Detail["verdict"])
	require.Contains(t, resp.Metadata, "evaluation")
}

func TestSmartRouterSynthesisFailureConcatenates(t *testing.T) {
	plannerClient := newScriptedClient(
		interpSplit,
		`{"sub_queries": [
			{"id": "s1", "query": "search the web for news", "depends_on": []},
			{"id": "s2", "query": "write golang code for it", "depends_on": []}
		]}`,
	)
	synthClient := newScriptedClient("")
	synthClient.errMsg = "synthesis backend down"

	source := newFakeSource(
		testDescriptor("websearch", "search", "web"),
		testDescriptor("coder", "code", "golang"),
	).client("websearch", newScriptedClient("news summary")).
		client("coder", newScriptedClient("code sample"))

	router := newTestRouter(routerConfig(), source, plannerClient, synthClient)
	resp, err := router.Execute(context.Background(), testRequest("news and code"))
	require.NoError(t, err)

	assert.Contains(t, resp.Answer, "[s1] news summary")
	assert.Contains(t, resp.Answer, "[s2] code sample")

	phase, ok := phaseByName(resp.Trace, trace.PhaseSynthesis)
	require.True(t, ok)
	assert.Equal(t, true, phase.Detail["degraded"])
}

func TestSmartRouterBoundsConcurrency(t *testing.T) {
	plannerClient := newScriptedClient(
		interpSplit,
		`{"sub_queries": [
			{"id": "s1", "query": "part one", "depends_on": []},
			{"id": "s2", "query": "part two", "depends_on": []},
			{"id": "s3", "query": "part three", "depends_on": []}
		]}`,
	)
	tracker := &concurrencyTracker{}
	worker := newScriptedClient("partial answer")
	worker.delay = 20 * time.Millisecond
	worker.tracker = tracker

	source := newFakeSource(testDescriptor("worker")).client("worker", worker)

	cfg := routerConfig()
	cfg.SmartRouter.MaxConcurrent = 1
	router := newTestRouter(cfg, source, plannerClient, newScriptedClient("assembled"))
	resp, err := router.Execute(context.Background(), testRequest("three parts"))
	require.NoError(t, err)

	assert.Equal(t, "assembled", resp.Answer)
	assert.EqualValues(t, 3, worker.calls.Load())
	assert.Equal(t, 1, tracker.observedPeak())
}

func TestSmartRouterCancelledMidExecution(t *testing.T) {
	plannerClient := newScriptedClient(interpWhole)
	slow := newScriptedClient("never delivered")
	slow.delay = 5 * time.Second
	source := newFakeSource(testDescriptor("slow")).client("slow", slow)

	router := newTestRouter(routerConfig(), source, plannerClient, newScriptedClient("unused"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := router.Execute(ctx, testRequest("query"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSmartRouterNoEnabledExperts(t *testing.T) {
	cfg := routerConfig()
	planner := newScriptedClient(interpWhole)
	router := newTestRouter(cfg, newFakeSource(), planner, newScriptedClient("unused"))

	resp, err := router.Execute(context.Background(), testRequest("query"))
	require.NoError(t, err)

	assert.Equal(t, cfg.SmartRouter.FallbackText, resp.Answer)
	assert.True(t, resp.Trace.Fallback)
	assert.Greater(t, resp.Trace.LatencyMS, int64(0))
	assert.EqualValues(t, 0, planner.calls.Load(), "planner must not run without experts")
}
