package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaic-ai/mosaic/pkg/stream"
)

func TestStreamFraming(t *testing.T) {
	app := NewTestApp(t,
		WithExpert("chitchat", NewScriptedLLMClient(TextEntry("streamed answer"))),
	)

	frames := app.ChatStream(t, "chitchat", map[string]any{"input": "hello there"})
	require.GreaterOrEqual(t, len(frames), 3)

	first := frames[0]
	assert.Equal(t, stream.KindMetadata, first.Kind)
	assert.Equal(t, "chitchat", first.Metadata["expert-id"])
	assert.Regexp(t, `^chitchat-[0-9a-f]{16}$`, first.Metadata["session-id"])

	var text string
	for _, frame := range frames[1 : len(frames)-1] {
		require.Equal(t, stream.KindToken, frame.Kind)
		text += frame.Content
	}
	assert.Equal(t, "streamed answer", text)

	last := frames[len(frames)-1]
	assert.Equal(t, stream.KindDone, last.Kind)
	assert.Equal(t, "streamed answer", last.Metadata["final-text"])
}

func TestStreamMoEEmitsWholeAnswer(t *testing.T) {
	app := NewTestApp(t,
		WithExpert("food", NewScriptedLLMClient(TextEntry("a full answer")), "food"),
	)

	frames := app.ChatStream(t, "moe", map[string]any{"input": "where should I eat tonight?"})
	require.Len(t, frames, 3)
	assert.Equal(t, stream.KindMetadata, frames[0].Kind)
	assert.Equal(t, "moe", frames[0].Metadata["expert-id"])
	assert.Equal(t, "Mixture of Experts", frames[0].Metadata["display-name"])
	assert.Equal(t, stream.KindToken, frames[1].Kind)
	assert.Equal(t, "a full answer", frames[1].Content)
	assert.Equal(t, stream.KindDone, frames[2].Kind)
}

func TestStreamMoEClientDisconnectCancelsExperts(t *testing.T) {
	onCancel := make(chan struct{}, 1)
	onBlock := make(chan struct{}, 1)
	client := NewScriptedLLMClient(ScriptEntry{
		BlockUntilCancelled: true,
		OnBlock:             onBlock,
		OnCancel:            onCancel,
	})
	app := NewTestApp(t, WithExpert("food", client, "food"))

	ctx, cancel := context.WithCancel(context.Background())
	reader := app.OpenStream(t, ctx, "moe", map[string]any{"input": "where should I eat?"})

	first := reader.Next(t)
	require.Equal(t, stream.KindMetadata, first.Kind)

	select {
	case <-onBlock:
	case <-time.After(2 * time.Second):
		t.Fatal("expert never reached its LLM call")
	}

	// Dropping the connection fans out through the orchestrator to every
	// in-flight expert run.
	cancel()
	select {
	case <-onCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("expert run was not cancelled after the client disconnected")
	}
}

func TestStreamClientDisconnectCancelsRun(t *testing.T) {
	onCancel := make(chan struct{}, 1)
	onBlock := make(chan struct{}, 1)
	client := NewScriptedLLMClient(ScriptEntry{
		BlockUntilCancelled: true,
		OnBlock:             onBlock,
		OnCancel:            onCancel,
	})
	app := NewTestApp(t, WithExpert("chitchat", client))

	ctx, cancel := context.WithCancel(context.Background())
	reader := app.OpenStream(t, ctx, "chitchat", map[string]any{"input": "hello there"})

	// The metadata frame arrives before the expert blocks inside its LLM
	// call.
	first := reader.Next(t)
	require.Equal(t, stream.KindMetadata, first.Kind)

	select {
	case <-onBlock:
	case <-time.After(2 * time.Second):
		t.Fatal("expert never reached its LLM call")
	}

	// Dropping the connection must propagate to the in-flight run.
	cancel()
	select {
	case <-onCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not cancelled after the client disconnected")
	}
}
