package expert

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/llm"
	"github.com/mosaic-ai/mosaic/pkg/services"
	"github.com/mosaic-ai/mosaic/pkg/session"
)

// Factory produces (worker, session) pairs from expert IDs. Descriptor
// resolution and LLM client construction happen lazily on first use and are
// memoized per config snapshot; session stores are shared through a
// close-on-evict cache keyed by (mode, session ID, path).
type Factory struct {
	cfg      *config.Config
	warnings *services.SystemWarningsService
	sessions *session.Cache
	logger   *slog.Logger

	mu       sync.Mutex
	resolved map[string]*resolvedExpert
}

// resolvedExpert memoizes one descriptor with its constructed LLM client.
type resolvedExpert struct {
	descriptor *Descriptor
	client     agent.LLMClient
}

// NewFactory creates a factory over one config snapshot. warnings may be nil
// in tests; broken descriptors are then only logged.
func NewFactory(cfg *config.Config, warnings *services.SystemWarningsService) *Factory {
	return &Factory{
		cfg:      cfg,
		warnings: warnings,
		sessions: session.NewCache(session.DefaultCacheSize),
		logger:   slog.Default(),
		resolved: make(map[string]*resolvedExpert),
	}
}

// Worker builds a worker bound to the descriptor for id. A variadic
// instructions argument overrides the descriptor's own instruction text when
// supplied and non-empty. Fails with config.ErrExpertNotFound or
// config.ErrExpertDisabled.
func (f *Factory) Worker(id string, instructions ...string) (*Worker, error) {
	r, err := f.resolve(id)
	if err != nil {
		return nil, err
	}

	worker := &Worker{
		Descriptor:   r.descriptor,
		Instructions: r.descriptor.Instructions,
		llm:          r.client,
	}
	if len(instructions) > 0 && instructions[0] != "" {
		worker.Instructions = instructions[0]
	}
	return worker, nil
}

// WorkerWithSession builds a worker and resolves a session store per the
// descriptor's session policy. A "none" policy yields a nil store even when
// a session ID is given. An empty session ID gets a generated one; the
// caller reads it back from the store.
func (f *Factory) WorkerWithSession(id, sessionID string, instructions ...string) (*Worker, session.Store, error) {
	worker, err := f.Worker(id, instructions...)
	if err != nil {
		return nil, nil, err
	}

	store, err := f.sessionFor(worker.Descriptor, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return worker, store, nil
}

// WorkerWithPersistentSession builds a worker whose session is file-backed
// regardless of the descriptor's policy. Orchestrators use this to guarantee
// multi-turn memory. An empty dbPath defaults to the expert's database under
// the sessions directory.
func (f *Factory) WorkerWithPersistentSession(id, sessionID, dbPath string) (*Worker, session.Store, error) {
	worker, err := f.Worker(id)
	if err != nil {
		return nil, nil, err
	}

	if sessionID == "" {
		sessionID = session.NewID(id)
	}
	if dbPath == "" {
		dbPath = f.defaultDBPath(id)
	}

	store, err := f.sessions.Get(session.FileKey(sessionID, dbPath))
	if err != nil {
		return nil, nil, f.sessionError(id, sessionID, err)
	}
	return worker, store, nil
}

// ClearSessionCache closes every cached session store best-effort, then
// empties the cache. File-backed stores reopen from disk on next use.
func (f *Factory) ClearSessionCache() {
	f.sessions.Clear()
}

// Descriptors resolves every enabled expert, skipping broken ones with a
// warning so one bad entry does not hide the rest. Order follows the sorted
// expert IDs.
func (f *Factory) Descriptors() []*Descriptor {
	ids := f.cfg.ExpertRegistry.EnabledIDs()
	out := make([]*Descriptor, 0, len(ids))
	for _, id := range ids {
		r, err := f.resolve(id)
		if err != nil {
			f.logger.Warn("Skipping expert with broken configuration",
				"expert_id", id,
				"error", err)
			if f.warnings != nil {
				f.warnings.AddWarning(services.WarningCategoryExpertConfig,
					fmt.Sprintf("Expert %q could not be resolved", id),
					err.Error(), id)
			}
			continue
		}
		out = append(out, r.descriptor)
	}
	return out
}

// Close releases every memoized LLM client and closes cached session stores.
func (f *Factory) Close() error {
	f.mu.Lock()
	for id, r := range f.resolved {
		if err := r.client.Close(); err != nil {
			f.logger.Warn("Failed to close LLM client",
				"expert_id", id,
				"error", err)
		}
	}
	f.resolved = make(map[string]*resolvedExpert)
	f.mu.Unlock()

	f.sessions.Clear()
	return nil
}

// resolve returns the memoized descriptor+client pair for id, building it on
// first use. Failures are not memoized: a later call retries, and the
// warnings service deduplicates by subject.
func (f *Factory) resolve(id string) (*resolvedExpert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.resolved[id]; ok {
		return r, nil
	}

	desc, err := ResolveDescriptor(f.cfg, id)
	if err != nil {
		return nil, err
	}

	client, err := llm.NewClient(desc.ProviderName, *desc.Provider)
	if err != nil {
		return nil, fmt.Errorf("expert %q: %w", id, err)
	}

	r := &resolvedExpert{descriptor: desc, client: client}
	f.resolved[id] = r
	return r, nil
}

// sessionFor resolves a session store per the descriptor's policy.
func (f *Factory) sessionFor(desc *Descriptor, sessionID string) (session.Store, error) {
	switch desc.SessionPolicy {
	case config.SessionPolicyNone:
		return nil, nil
	case config.SessionPolicyFileBacked:
		if sessionID == "" {
			sessionID = session.NewID(desc.ID)
		}
		store, err := f.sessions.Get(session.FileKey(sessionID, f.defaultDBPath(desc.ID)))
		if err != nil {
			return nil, f.sessionError(desc.ID, sessionID, err)
		}
		return store, nil
	case config.SessionPolicyPostgres:
		if f.cfg.SessionsDSN == "" {
			return nil, f.sessionError(desc.ID, sessionID,
				fmt.Errorf("postgres session policy without a sessions DSN"))
		}
		if sessionID == "" {
			sessionID = session.NewID(desc.ID)
		}
		store, err := f.sessions.Get(session.PostgresKey(sessionID, f.cfg.SessionsDSN))
		if err != nil {
			return nil, f.sessionError(desc.ID, sessionID, err)
		}
		return store, nil
	default:
		if sessionID == "" {
			sessionID = session.NewID(desc.ID)
		}
		return f.sessions.Get(session.MemoryKey(sessionID))
	}
}

// sessionError records a store-open failure in the warnings service and
// wraps it with the expert and session identity.
func (f *Factory) sessionError(expertID, sessionID string, err error) error {
	if f.warnings != nil {
		f.warnings.AddWarning(services.WarningCategorySessionStore,
			fmt.Sprintf("Failed to open session store for expert %q", expertID),
			err.Error(), expertID)
	}
	return fmt.Errorf("expert %s (session %s): failed to open session store: %w", expertID, sessionID, err)
}

// defaultDBPath is the per-expert session database under the data directory.
func (f *Factory) defaultDBPath(expertID string) string {
	return filepath.Join(f.cfg.SessionsDir(), expertID+".db")
}
