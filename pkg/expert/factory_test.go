package expert

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaic-ai/mosaic/pkg/config"
	"github.com/mosaic-ai/mosaic/pkg/services"
)

func TestFactoryWorker(t *testing.T) {
	f := NewFactory(testConfig(t), nil)

	worker, err := f.Worker("chitchat")
	require.NoError(t, err)
	assert.Equal(t, "chitchat", worker.Descriptor.ID)
	assert.Equal(t, "Answer briefly.", worker.Instructions)
	require.NotNil(t, worker.llm)
}

func TestFactoryWorkerInstructionsOverride(t *testing.T) {
	f := NewFactory(testConfig(t), nil)

	worker, err := f.Worker("chitchat", "Be formal.")
	require.NoError(t, err)
	assert.Equal(t, "Be formal.", worker.Instructions)

	// Empty override keeps the descriptor's own text.
	worker, err = f.Worker("chitchat", "")
	require.NoError(t, err)
	assert.Equal(t, "Answer briefly.", worker.Instructions)
}

func TestFactoryWorkerUnknownAndDisabled(t *testing.T) {
	f := NewFactory(testConfig(t), nil)

	_, err := f.Worker("nope")
	require.ErrorIs(t, err, config.ErrExpertNotFound)

	_, err = f.Worker("offline")
	require.ErrorIs(t, err, config.ErrExpertDisabled)
}

func TestFactoryMemoizesDescriptors(t *testing.T) {
	f := NewFactory(testConfig(t), nil)

	first, err := f.Worker("chitchat")
	require.NoError(t, err)
	second, err := f.Worker("chitchat")
	require.NoError(t, err)

	assert.Same(t, first.Descriptor, second.Descriptor)
	assert.Same(t, first.llm, second.llm)
}

func TestFactoryWorkerWithSessionSharesHandle(t *testing.T) {
	f := NewFactory(testConfig(t), nil)

	_, store1, err := f.WorkerWithSession("chitchat", "chitchat-aabb")
	require.NoError(t, err)
	require.NotNil(t, store1)

	_, store2, err := f.WorkerWithSession("chitchat", "chitchat-aabb")
	require.NoError(t, err)

	// Same session ID, same handle.
	assert.Same(t, store1, store2)

	_, other, err := f.WorkerWithSession("chitchat", "chitchat-ccdd")
	require.NoError(t, err)
	assert.NotSame(t, store1, other)
}

func TestFactoryWorkerWithSessionNonePolicy(t *testing.T) {
	f := NewFactory(testConfig(t), nil)

	_, store, err := f.WorkerWithSession("stateless", "stateless-aabb")
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestFactoryWorkerWithSessionGeneratesID(t *testing.T) {
	f := NewFactory(testConfig(t), nil)

	_, store, err := f.WorkerWithSession("chitchat", "")
	require.NoError(t, err)
	require.NotNil(t, store)
	assert.Regexp(t, `^chitchat-[0-9a-f]+$`, store.SessionID())
}

func TestFactoryWorkerWithSessionFileBackedPolicy(t *testing.T) {
	cfg := testConfig(t)
	f := NewFactory(cfg, nil)

	_, store, err := f.WorkerWithSession("researcher", "researcher-aabb")
	require.NoError(t, err)
	require.NotNil(t, store)

	_, statErr := os.Stat(filepath.Join(cfg.SessionsDir(), "researcher.db"))
	assert.NoError(t, statErr)
}

func TestFactoryWorkerWithPersistentSessionForcesFileBacked(t *testing.T) {
	cfg := testConfig(t)
	f := NewFactory(cfg, nil)

	// chitchat's policy is in-memory; the persistent variant overrides it.
	_, store, err := f.WorkerWithPersistentSession("chitchat", "chitchat-aabb", "")
	require.NoError(t, err)
	require.NotNil(t, store)

	_, statErr := os.Stat(filepath.Join(cfg.SessionsDir(), "chitchat.db"))
	assert.NoError(t, statErr)
}

func TestFactoryWorkerWithPersistentSessionCustomPath(t *testing.T) {
	cfg := testConfig(t)
	f := NewFactory(cfg, nil)
	dbPath := filepath.Join(t.TempDir(), "custom.db")

	_, store, err := f.WorkerWithPersistentSession("chitchat", "chitchat-aabb", dbPath)
	require.NoError(t, err)
	require.NotNil(t, store)

	_, statErr := os.Stat(dbPath)
	assert.NoError(t, statErr)
}

func TestFactoryClearSessionCache(t *testing.T) {
	f := NewFactory(testConfig(t), nil)

	_, store1, err := f.WorkerWithSession("chitchat", "chitchat-aabb")
	require.NoError(t, err)

	f.ClearSessionCache()

	_, store2, err := f.WorkerWithSession("chitchat", "chitchat-aabb")
	require.NoError(t, err)
	assert.NotSame(t, store1, store2)
}

func TestFactoryDescriptorsSkipsBroken(t *testing.T) {
	warnings := services.NewSystemWarningsService()
	f := NewFactory(testConfig(t), warnings)

	descriptors := f.Descriptors()

	ids := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		ids = append(ids, d.ID)
	}
	// "offline" is disabled, "broken" points at a missing provider.
	assert.Equal(t, []string{"chitchat", "researcher", "stateless"}, ids)

	var found bool
	for _, w := range warnings.GetWarnings() {
		if w.Category == services.WarningCategoryExpertConfig && strings.Contains(w.Message, "broken") {
			found = true
		}
	}
	assert.True(t, found, "expected a warning for the broken expert")
}

func TestFactoryClose(t *testing.T) {
	f := NewFactory(testConfig(t), nil)

	_, err := f.Worker("chitchat")
	require.NoError(t, err)
	_, store, err := f.WorkerWithSession("chitchat", "chitchat-aabb")
	require.NoError(t, err)
	require.NotNil(t, store)

	require.NoError(t, f.Close())

	// The factory stays usable: descriptors re-resolve on demand.
	_, err = f.Worker("chitchat")
	require.NoError(t, err)
}
