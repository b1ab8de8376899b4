package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaic-ai/mosaic/pkg/agent"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore("session-1")
	defer store.Close()

	assert.Equal(t, "session-1", store.SessionID())

	ctx := context.Background()
	err := store.Append(ctx,
		agent.ConversationMessage{Role: agent.RoleUser, Content: "hello"},
		agent.ConversationMessage{Role: agent.RoleAssistant, Content: "hi there"},
	)
	require.NoError(t, err)

	history, err := store.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, agent.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, agent.RoleAssistant, history[1].Role)
	assert.Equal(t, "hi there", history[1].Content)
}

func TestMemoryStoreHistoryIsACopy(t *testing.T) {
	store := NewMemoryStore("session-1")
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, agent.ConversationMessage{Role: agent.RoleUser, Content: "original"}))

	first, err := store.History(ctx)
	require.NoError(t, err)
	first[0].Content = "mutated"

	second, err := store.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, "original", second[0].Content)
}

func TestMemoryStoreAppendNothing(t *testing.T) {
	store := NewMemoryStore("session-1")
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Append(ctx))

	history, err := store.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore("session-1")
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	ctx := context.Background()
	_, err := store.History(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)

	err = store.Append(ctx, agent.ConversationMessage{Role: agent.RoleUser, Content: "late"})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experts", "researcher.db")
	ctx := context.Background()

	store, err := NewSQLiteStore("session-1", path)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx,
		agent.ConversationMessage{Role: agent.RoleUser, Content: "what is WAL mode?"},
		agent.ConversationMessage{Role: agent.RoleAssistant, Content: "a journaling mode"},
	))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore("session-1", path)
	require.NoError(t, err)
	defer reopened.Close()

	history, err := reopened.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "what is WAL mode?", history[0].Content)
	assert.Equal(t, "a journaling mode", history[1].Content)
}

func TestSQLiteStoreSessionIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	first, err := NewSQLiteStore("session-a", path)
	require.NoError(t, err)
	defer first.Close()

	second, err := NewSQLiteStore("session-b", path)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Append(ctx, agent.ConversationMessage{Role: agent.RoleUser, Content: "for a"}))
	require.NoError(t, second.Append(ctx, agent.ConversationMessage{Role: agent.RoleUser, Content: "for b"}))

	historyA, err := first.History(ctx)
	require.NoError(t, err)
	require.Len(t, historyA, 1)
	assert.Equal(t, "for a", historyA[0].Content)

	historyB, err := second.History(ctx)
	require.NoError(t, err)
	require.Len(t, historyB, 1)
	assert.Equal(t, "for b", historyB[0].Content)
}

func TestSQLiteStoreToolCallsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.db")
	ctx := context.Background()

	store, err := NewSQLiteStore("session-1", path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(ctx,
		agent.ConversationMessage{
			Role: agent.RoleAssistant,
			ToolCalls: []agent.ToolCall{
				{ID: "call-1", Name: "search", Arguments: `{"query":"golang"}`},
			},
		},
		agent.ConversationMessage{
			Role:       agent.RoleTool,
			Content:    "3 results",
			ToolCallID: "call-1",
			ToolName:   "search",
		},
	))

	history, err := store.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)

	require.Len(t, history[0].ToolCalls, 1)
	assert.Equal(t, "call-1", history[0].ToolCalls[0].ID)
	assert.Equal(t, "search", history[0].ToolCalls[0].Name)
	assert.Equal(t, `{"query":"golang"}`, history[0].ToolCalls[0].Arguments)

	assert.Empty(t, history[1].ToolCalls)
	assert.Equal(t, "call-1", history[1].ToolCallID)
	assert.Equal(t, "search", history[1].ToolName)
}

func TestSQLiteStoreClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.db")

	store, err := NewSQLiteStore("session-1", path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	ctx := context.Background()
	_, err = store.History(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)

	err = store.Append(ctx, agent.ConversationMessage{Role: agent.RoleUser, Content: "late"})
	assert.ErrorIs(t, err, ErrStoreClosed)
}
