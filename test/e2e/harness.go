// Package e2e boots a complete MOSAIC instance over scripted LLM backends
// and drives it through the real HTTP surface: gin routing, orchestrators,
// result cache, guardrail, session stores, and run history all run as in
// production, with only the LLM provider calls replaced by scripts.
package e2e

import (
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/api"
	"github.com/mosaic-ai/mosaic/pkg/cache"
	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/guardrail"
	"github.com/mosaic-ai/mosaic/pkg/history"
	"github.com/mosaic-ai/mosaic/pkg/llm"
	"github.com/mosaic-ai/mosaic/pkg/orchestrator"
	"github.com/mosaic-ai/mosaic/pkg/services"
	"github.com/mosaic-ai/mosaic/pkg/session"
)

// TestApp boots a complete MOSAIC instance for e2e testing.
type TestApp struct {
	Config  *config.Config
	Source  *ScriptedSource
	Server  *api.Server
	History *history.Store

	// BaseURL is the listening httptest server, e.g. "http://127.0.0.1:54321".
	BaseURL string
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	experts    []testExpert
	cacheTTL   time.Duration
	checker    agent.LLMClient
	planner    agent.LLMClient
	synth      agent.LLMClient
	history    bool
	maxQuery   int
	selectionK int
}

type testExpert struct {
	id           string
	capabilities []string
	client       agent.LLMClient
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithExpert registers one expert with its scripted client and capability
// tags. client may be nil for an expert whose answers do not matter.
func WithExpert(id string, client agent.LLMClient, capabilities ...string) TestAppOption {
	return func(c *testAppConfig) {
		c.experts = append(c.experts, testExpert{id: id, capabilities: capabilities, client: client})
	}
}

// WithResultCache enables the MoE result cache with the given TTL.
func WithResultCache(ttl time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.cacheTTL = ttl }
}

// WithGuardrailChecker enables the guardrail with a scripted checker client.
func WithGuardrailChecker(checker agent.LLMClient) TestAppOption {
	return func(c *testAppConfig) { c.checker = checker }
}

// WithPlanner sets the smart router's planner client.
func WithPlanner(client agent.LLMClient) TestAppOption {
	return func(c *testAppConfig) { c.planner = client }
}

// WithSynthesizer sets the smart router's synthesis client.
func WithSynthesizer(client agent.LLMClient) TestAppOption {
	return func(c *testAppConfig) { c.synth = client }
}

// WithHistory enables the run history store on a temp database.
func WithHistory() TestAppOption {
	return func(c *testAppConfig) { c.history = true }
}

// WithMaxQueryChars overrides the request length bound.
func WithMaxQueryChars(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxQuery = n }
}

// WithSelectionCount overrides the MoE top-k.
func WithSelectionCount(k int) TestAppOption {
	return func(c *testAppConfig) { c.selectionK = k }
}

// NewTestApp boots the full stack. The returned app is torn down with the
// test.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	o := &testAppConfig{}
	for _, opt := range opts {
		opt(o)
	}
	require.NotEmpty(t, o.experts, "NewTestApp requires at least one WithExpert")

	descriptors := make([]*expert.Descriptor, 0, len(o.experts))
	clients := make(map[string]agent.LLMClient, len(o.experts))
	for _, te := range o.experts {
		descriptors = append(descriptors, &expert.Descriptor{
			ID:           te.id,
			DisplayName:  te.id,
			Capabilities: te.capabilities,
			Model:        "scripted-model",
			MaxSteps:     expert.DefaultMaxSteps,
		})
		client := te.client
		if client == nil {
			client = NewScriptedLLMClient(TextEntry(te.id + " answer"))
		}
		clients[te.id] = client
	}

	cfg := buildConfig(descriptors)
	if o.maxQuery > 0 {
		cfg.Server.MaxQueryChars = o.maxQuery
	}
	if o.selectionK > 0 {
		cfg.MoE.SelectionCount = o.selectionK
	}

	source := NewScriptedSource(t.TempDir(), descriptors, clients)
	runner := expert.NewRunner(nil, nil)

	var resultCache *cache.Cache
	if o.cacheTTL > 0 {
		resultCache = cache.New(64, o.cacheTTL)
	}

	var guard *guardrail.Guardrail
	if o.checker != nil {
		enabled := true
		guard = guardrail.NewWithClient(&config.GuardrailConfig{
			Enabled:  &enabled,
			Deadline: config.Duration(2 * time.Second),
		}, o.checker, "checker-model")
	}

	planner := o.planner
	if planner == nil {
		planner = llm.NewMockClient("planner")
	}
	synth := o.synth
	if synth == nil {
		synth = llm.NewMockClient("synthesizer")
	}

	moe := orchestrator.NewMoE(cfg, source, runner, resultCache, guard)
	smart := orchestrator.NewSmartRouterWithClients(cfg, source, runner, guard,
		planner, "planner-model", synth, "synth-model")

	srv := api.NewServer(cfg, source, runner, guard, moe, smart)
	srv.SetWarningsService(services.NewSystemWarningsService())

	app := &TestApp{Config: cfg, Source: source, Server: srv}

	if o.history {
		store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		srv.SetHistoryStore(store)
		app.History = store
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(source.Close)
	app.BaseURL = ts.URL

	return app
}

// buildConfig assembles a config snapshot matching the given descriptors,
// with built-in defaults for everything else.
func buildConfig(descriptors []*expert.Descriptor) *config.Config {
	experts := make(map[string]*config.ExpertConfig, len(descriptors))
	for _, d := range descriptors {
		experts[d.ID] = &config.ExpertConfig{
			DisplayName:  d.DisplayName,
			Capabilities: d.Capabilities,
		}
	}
	return &config.Config{
		Defaults:       &config.Defaults{LLMProvider: "scripted"},
		Server:         config.DefaultServerConfig(),
		MoE:            config.DefaultMoEConfig(),
		SmartRouter:    config.DefaultSmartRouterConfig(),
		Cache:          config.DefaultCacheConfig(),
		Guardrail:      config.DefaultGuardrailConfig(),
		ExpertRegistry: config.NewExpertRegistry(experts),
	}
}

// ScriptedSource is an orchestrator.WorkerSource over a fixed descriptor
// set and scripted clients, backed by a real session cache: in-memory
// stores for plain sessions and SQLite files under sessionDir for
// persistent ones. Repeated lookups with the same session ID observe the
// same history, exactly as the production factory guarantees.
type ScriptedSource struct {
	mu          sync.Mutex
	descriptors []*expert.Descriptor
	clients     map[string]agent.LLMClient
	sessions    *session.Cache
	sessionDir  string
}

var _ orchestrator.WorkerSource = (*ScriptedSource)(nil)

// NewScriptedSource creates a source over the given descriptors and their
// clients.
func NewScriptedSource(sessionDir string, descriptors []*expert.Descriptor, clients map[string]agent.LLMClient) *ScriptedSource {
	return &ScriptedSource{
		descriptors: descriptors,
		clients:     clients,
		sessions:    session.NewCache(session.DefaultCacheSize),
		sessionDir:  sessionDir,
	}
}

// Client returns the scripted client registered for an expert.
func (s *ScriptedSource) Client(id string) *ScriptedLLMClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, _ := s.clients[id].(*ScriptedLLMClient)
	return client
}

// Close releases the cached session stores.
func (s *ScriptedSource) Close() {
	s.sessions.Clear()
}

// Worker implements orchestrator.WorkerSource.
func (s *ScriptedSource) Worker(id string, instructions ...string) (*expert.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, desc := range s.descriptors {
		if desc.ID != id {
			continue
		}
		text := desc.Instructions
		if len(instructions) > 0 && instructions[0] != "" {
			text = strings.Join(instructions, "\n\n")
		}
		worker := &expert.Worker{Descriptor: desc, Instructions: text}
		return worker.WithClient(s.clients[id]), nil
	}
	return nil, fmt.Errorf("worker %q: %w", id, config.ErrExpertNotFound)
}

// WorkerWithSession implements orchestrator.WorkerSource with an in-memory
// session store shared across calls with the same session ID.
func (s *ScriptedSource) WorkerWithSession(id, sessionID string, instructions ...string) (*expert.Worker, session.Store, error) {
	worker, err := s.Worker(id, instructions...)
	if err != nil {
		return nil, nil, err
	}
	if sessionID == "" {
		sessionID = session.NewID(id)
	}
	store, err := s.sessions.Get(session.MemoryKey(sessionID))
	if err != nil {
		return nil, nil, err
	}
	return worker, store, nil
}

// WorkerWithPersistentSession implements orchestrator.WorkerSource with a
// file-backed store under the harness session directory.
func (s *ScriptedSource) WorkerWithPersistentSession(id, sessionID, dbPath string) (*expert.Worker, session.Store, error) {
	worker, err := s.Worker(id)
	if err != nil {
		return nil, nil, err
	}
	if sessionID == "" {
		sessionID = session.NewID(id)
	}
	if dbPath == "" {
		dbPath = filepath.Join(s.sessionDir, id+".db")
	}
	store, err := s.sessions.Get(session.FileKey(sessionID, dbPath))
	if err != nil {
		return nil, nil, err
	}
	return worker, store, nil
}

// Descriptors implements orchestrator.WorkerSource.
func (s *ScriptedSource) Descriptors() []*expert.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptors
}
