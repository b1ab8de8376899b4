package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/cache"
	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/guardrail"
	"github.com/mosaic-ai/mosaic/pkg/stream"
	"github.com/mosaic-ai/mosaic/pkg/trace"
)

func newTestMoE(cfg *config.Config, source WorkerSource, resultCache *cache.Cache) *MoE {
	return NewMoE(cfg, source, expert.NewRunner(nil, nil), resultCache, nil)
}

func findAttempt(t *testing.T, tr *trace.Trace, expertID string) trace.ExpertAttempt {
	t.Helper()
	for _, a := range tr.Experts {
		if a.ExpertID == expertID {
			return a
		}
	}
	t.Fatalf("no attempt recorded for expert %q", expertID)
	return trace.ExpertAttempt{}
}

func phaseByName(tr *trace.Trace, name trace.Phase) (trace.PhaseRecord, bool) {
	for _, p := range tr.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return trace.PhaseRecord{}, false
}

func TestMoESelectsWeighsAndSynthesizes(t *testing.T) {
	alphaClient := newScriptedClient("alpha: roll out with a deployment", "combined answer")
	alphaClient.usage = &agent.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	betaClient := newScriptedClient("beta: check the invoice")
	gammaClient := newScriptedClient("gamma: search results")

	source := newFakeSource(
		testDescriptor("alpha", "deploy", "kubernetes"),
		testDescriptor("beta", "billing"),
		testDescriptor("gamma", "search", "web"),
	).client("alpha", alphaClient).client("beta", betaClient).client("gamma", gammaClient)

	moe := newTestMoE(testConfig(), source, nil)
	resp, err := moe.Execute(context.Background(), testRequest("How do I deploy to kubernetes?"))
	require.NoError(t, err)

	// Synthesis runs through the highest-weight expert, so alpha answers
	// twice: once as expert, once as synthesizer.
	assert.Equal(t, "combined answer", resp.Answer)
	assert.EqualValues(t, 2, alphaClient.calls.Load())
	assert.EqualValues(t, 1, betaClient.calls.Load())

	tr := resp.Trace
	require.NotNil(t, tr)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, tr.SelectedExperts)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, tr.ExpertsUsed)
	assert.False(t, tr.CacheHit)
	assert.False(t, tr.Fallback)
	assert.Greater(t, tr.LatencyMS, int64(0))

	// "deploy" and "kubernetes" both hit alpha's capabilities.
	assert.InDelta(t, 3.0, findAttempt(t, tr, "alpha").Weight, 0.001)
	assert.InDelta(t, 1.0, findAttempt(t, tr, "beta").Weight, 0.001)

	for _, name := range []trace.Phase{
		trace.PhaseSelection, trace.PhaseCacheLookup, trace.PhaseExecution,
		trace.PhaseMixing, trace.PhaseSynthesis, trace.PhaseGuardrail,
	} {
		_, ok := phaseByName(tr, name)
		assert.True(t, ok, "missing phase %s", name)
	}

	// Usage counts only alpha's two calls: the scripted beta and gamma
	// clients emit no usage chunks.
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
	assert.Equal(t, false, resp.Metadata["cache-hit"])
}

func TestMoESingleSuccessSkipsSynthesis(t *testing.T) {
	okClient := newScriptedClient("the only good answer")
	badClient := newScriptedClient("")
	badClient.errMsg = "backend exploded"

	cfg := testConfig()
	cfg.MoE.SelectionCount = 2
	source := newFakeSource(
		testDescriptor("ok"),
		testDescriptor("bad"),
	).client("ok", okClient).client("bad", badClient)

	moe := newTestMoE(cfg, source, nil)
	resp, err := moe.Execute(context.Background(), testRequest("anything at all"))
	require.NoError(t, err)

	assert.Equal(t, "the only good answer", resp.Answer)
	assert.Equal(t, []string{"ok"}, resp.Trace.ExpertsUsed)
	_, hasSynthesis := phaseByName(resp.Trace, trace.PhaseSynthesis)
	assert.False(t, hasSynthesis)

	bad := findAttempt(t, resp.Trace, "bad")
	assert.Equal(t, trace.AttemptFailed, bad.Status)
	assert.Contains(t, bad.Error, "backend exploded")
	assert.InDelta(t, 0.5, bad.Weight, 0.001)
}

func TestMoEFallbackWhenAllExpertsFail(t *testing.T) {
	boom := newScriptedClient("")
	boom.errMsg = "no backend"

	cfg := testConfig()
	cfg.MoE.SelectionCount = 2
	source := newFakeSource(
		testDescriptor("one"),
		testDescriptor("two"),
	).client("one", boom).client("two", boom)

	moe := newTestMoE(cfg, source, nil)
	resp, err := moe.Execute(context.Background(), testRequest("hello"))
	require.NoError(t, err)

	assert.Equal(t, cfg.MoE.FallbackText, resp.Answer)
	assert.True(t, resp.Trace.Fallback)
	assert.Empty(t, resp.Trace.ExpertsUsed)
	assert.Equal(t, true, resp.Metadata["fallback"])
}

func TestMoECacheHitSkipsExecution(t *testing.T) {
	client := newScriptedClient("cached answer")
	source := newFakeSource(testDescriptor("solo")).client("solo", client)

	cfg := testConfig()
	cfg.MoE.SelectionCount = 1
	moe := newTestMoE(cfg, source, cache.New(8, time.Minute))

	first, err := moe.Execute(context.Background(), testRequest("what is mosaic?"))
	require.NoError(t, err)
	require.Equal(t, "cached answer", first.Answer)
	require.False(t, first.Trace.CacheHit)
	callsAfterFirst := client.calls.Load()

	second, err := moe.Execute(context.Background(), &Request{Query: "  What is MOSAIC?  ", RequestID: "req-2"})
	require.NoError(t, err)

	assert.Equal(t, "cached answer", second.Answer)
	assert.True(t, second.Trace.CacheHit)
	assert.Equal(t, "req-2", second.Trace.RequestID)
	assert.Equal(t, true, second.Metadata["cache-hit"])
	assert.Equal(t, callsAfterFirst, client.calls.Load(), "cache hit must not run experts")
	assert.Greater(t, second.Trace.LatencyMS, int64(0))
}

func TestMoEFailedRunsAreNotCached(t *testing.T) {
	cfg := testConfig()
	cfg.MoE.SelectionCount = 1
	resultCache := cache.New(8, time.Minute)
	source := newFakeSource(testDescriptor("solo"))

	moe := newTestMoE(cfg, source, resultCache)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := moe.Execute(ctx, testRequest("query"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, resultCache.Len())
}

func TestMoEFallbackIsNotCached(t *testing.T) {
	boom := newScriptedClient("")
	boom.errMsg = "no backend"

	cfg := testConfig()
	cfg.MoE.SelectionCount = 1
	resultCache := cache.New(8, time.Minute)
	source := newFakeSource(testDescriptor("solo")).client("solo", boom)

	moe := newTestMoE(cfg, source, resultCache)
	first, err := moe.Execute(context.Background(), testRequest("hello"))
	require.NoError(t, err)
	require.Equal(t, cfg.MoE.FallbackText, first.Answer)
	require.True(t, first.Trace.Fallback)
	assert.Equal(t, 0, resultCache.Len(), "degraded answers must not enter the cache")

	// The backend recovers: the identical query runs the expert again
	// instead of serving the stale fallback text.
	source.client("solo", newScriptedClient("recovered answer"))
	second, err := moe.Execute(context.Background(), testRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "recovered answer", second.Answer)
	assert.False(t, second.Trace.Fallback)
	assert.False(t, second.Trace.CacheHit)
	assert.Equal(t, 1, resultCache.Len())
}

func TestMoESharedBuildIsNotReportedAsHit(t *testing.T) {
	slow := newScriptedClient("shared answer")
	slow.delay = 150 * time.Millisecond

	cfg := testConfig()
	cfg.MoE.SelectionCount = 1
	source := newFakeSource(testDescriptor("solo")).client("solo", slow)
	moe := newTestMoE(cfg, source, cache.New(8, time.Minute))

	type outcome struct {
		resp *Response
		err  error
	}
	results := make(chan outcome, 2)
	run := func() {
		resp, err := moe.Execute(context.Background(), testRequest("same question"))
		results <- outcome{resp, err}
	}
	go run()
	time.Sleep(20 * time.Millisecond) // second call joins the in-flight build
	go run()

	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		assert.Equal(t, "shared answer", out.resp.Answer)
		assert.False(t, out.resp.Trace.CacheHit, "sharing a fresh build is not a hit")
		assert.Equal(t, false, out.resp.Metadata["cache-hit"])
	}
	assert.Equal(t, int32(1), slow.calls.Load(), "identical in-flight queries share one run")
}

func TestMoECancelledContext(t *testing.T) {
	slow := newScriptedClient("never delivered")
	slow.delay = 5 * time.Second

	cfg := testConfig()
	cfg.MoE.SelectionCount = 1
	source := newFakeSource(testDescriptor("slow")).client("slow", slow)
	moe := newTestMoE(cfg, source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := moe.Execute(ctx, testRequest("query"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMoEExpertTimeoutDoesNotSinkTheRun(t *testing.T) {
	slow := newScriptedClient("too late")
	slow.delay = 2 * time.Second
	fast := newScriptedClient("fast answer")

	cfg := testConfig()
	cfg.MoE.SelectionCount = 2
	cfg.MoE.ExpertTimeout = config.Duration(30 * time.Millisecond)
	source := newFakeSource(
		testDescriptor("fast"),
		testDescriptor("slow"),
	).client("fast", fast).client("slow", slow)

	moe := newTestMoE(cfg, source, nil)
	start := time.Now()
	resp, err := moe.Execute(context.Background(), testRequest("query"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, "fast answer", resp.Answer)
	slowAttempt := findAttempt(t, resp.Trace, "slow")
	assert.Equal(t, trace.AttemptFailed, slowAttempt.Status)
	assert.InDelta(t, 0.5, slowAttempt.Weight, 0.001)
}

func TestMoESynthesisFailureDegradesToHighestWeight(t *testing.T) {
	strong := newScriptedClient("strong answer")
	weak := newScriptedClient("weak answer")

	cfg := testConfig()
	cfg.MoE.SelectionCount = 2
	cfg.MoE.Synthesizer = "missing-synth"
	source := newFakeSource(
		testDescriptor("strong", "deploy"),
		testDescriptor("weak"),
	).client("strong", strong).client("weak", weak)

	moe := newTestMoE(cfg, source, nil)
	resp, err := moe.Execute(context.Background(), testRequest("deploy the service"))
	require.NoError(t, err)

	assert.Equal(t, "strong answer", resp.Answer)
	phase, ok := phaseByName(resp.Trace, trace.PhaseSynthesis)
	require.True(t, ok)
	assert.Equal(t, true, phase.Detail["degraded"])
}

func TestMoEGuardrailRepairsFinalAnswer(t *testing.T) {
	offTopic := newScriptedClient("Bananas are yellow and grow in bunches on tropical plants.")
	checker := newScriptedClient(`{"relevant": false, "grounded_enough": false, "risk": "high", "reason": "off topic", "safe_repair": "I do not have a grounded answer to that."}`)

	gcfg := config.DefaultGuardrailConfig()
	gcfg.Deadline = config.Duration(time.Second)
	guard := guardrail.NewWithClient(gcfg, checker, "check-model")

	cfg := testConfig()
	cfg.MoE.SelectionCount = 1
	source := newFakeSource(testDescriptor("drifty")).client("drifty", offTopic)
	moe := NewMoE(cfg, source, expert.NewRunner(nil, nil), nil, guard)

	resp, err := moe.Execute(context.Background(), testRequest("What is the capital city of the France country?"))
	require.NoError(t, err)

	assert.Equal(t, "I do not have a grounded answer to that.", resp.Answer)
	phase, ok := phaseByName(resp.Trace, trace.PhaseGuardrail)
	require.True(t, ok)
	assert.Equal(t, true, phase.Detail["triggered"])
	require.Contains(t, resp.Metadata, "guardrails")
}

func TestMoENoEnabledExperts(t *testing.T) {
	cfg := testConfig()
	moe := newTestMoE(cfg, newFakeSource(), nil)

	resp, err := moe.Execute(context.Background(), testRequest("query"))
	require.NoError(t, err)

	assert.Equal(t, cfg.MoE.FallbackText, resp.Answer)
	assert.True(t, resp.Trace.Fallback)
	assert.Empty(t, resp.Trace.ExpertsUsed)
	assert.Greater(t, resp.Trace.LatencyMS, int64(0))
}

func TestMoEExecuteStreamed(t *testing.T) {
	cfg := testConfig()
	cfg.MoE.SelectionCount = 1
	source := newFakeSource(testDescriptor("solo")).client("solo", newScriptedClient("streamed answer"))
	moe := newTestMoE(cfg, source, nil)

	var chunks []stream.Chunk
	for chunk := range moe.ExecuteStreamed(context.Background(), testRequest("query")) {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, stream.KindMetadata, chunks[0].Kind)
	assert.Equal(t, "moe", chunks[0].Metadata["expert-id"])
	assert.Equal(t, stream.KindToken, chunks[1].Kind)
	assert.Equal(t, "streamed answer", chunks[1].Content)
	assert.Equal(t, stream.KindDone, chunks[2].Kind)
}

func TestMoESharesSessionAcrossExperts(t *testing.T) {
	cfg := testConfig()
	cfg.MoE.SelectionCount = 2
	source := newFakeSource(testDescriptor("a"), testDescriptor("b"))
	moe := newTestMoE(cfg, source, nil)

	req := &Request{Query: "query", RequestID: "req-1", SessionID: "moe-fixed"}
	_, err := moe.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"moe-fixed"}, source.sessionIDs("a"))
	assert.Equal(t, []string{"moe-fixed"}, source.sessionIDs("b"))
}
