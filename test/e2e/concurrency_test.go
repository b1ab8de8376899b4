package e2e

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Identical MoE queries issued while the first is still in flight share a
// single expert run through the result cache's single-flight build.
func TestConcurrentIdenticalQueriesSingleFlight(t *testing.T) {
	release := make(chan struct{})
	onBlock := make(chan struct{}, 1)
	solo := NewScriptedLLMClient(ScriptEntry{
		Text:    "forty-two",
		WaitCh:  release,
		OnBlock: onBlock,
	})

	app := NewTestApp(t,
		WithExpert("solo", solo, "math"),
		WithResultCache(time.Minute),
	)

	payload, err := json.Marshal(map[string]any{"input": "what is six times seven?"})
	require.NoError(t, err)

	const callers = 4
	type outcome struct {
		status int
		answer string
		err    error
	}

	var wg sync.WaitGroup
	outcomes := make([]outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			resp, postErr := http.Post(app.BaseURL+"/agents/moe/chat",
				"application/json", bytes.NewReader(payload))
			if postErr != nil {
				outcomes[i].err = postErr
				return
			}
			defer resp.Body.Close()

			var body struct {
				Response string `json:"response"`
			}
			outcomes[i].status = resp.StatusCode
			outcomes[i].err = json.NewDecoder(resp.Body).Decode(&body)
			outcomes[i].answer = body.Response
		}(i)
	}

	// Wait for the leader to reach its LLM call, then release it. The
	// remaining callers are coalesced onto the same build and never get a
	// turn of their own.
	select {
	case <-onBlock:
	case <-time.After(2 * time.Second):
		t.Fatal("no request reached the expert")
	}
	close(release)
	wg.Wait()

	require.Equal(t, 1, solo.CallCount())
	for i, got := range outcomes {
		require.NoError(t, got.err, "caller %d", i)
		assert.Equal(t, http.StatusOK, got.status, "caller %d", i)
		assert.Equal(t, "forty-two", got.answer, "caller %d", i)
	}
}
