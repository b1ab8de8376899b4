package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mosaic-ai/mosaic/pkg/stream"
)

// post sends a JSON body and returns the raw response.
func (a *TestApp) post(t *testing.T, path string, body map[string]any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(a.BaseURL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

// postJSON sends a JSON body and returns the status with the decoded body.
func (a *TestApp) postJSON(t *testing.T, path string, body map[string]any) (int, map[string]any) {
	t.Helper()

	resp := a.post(t, path, body)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	return resp.StatusCode, decoded
}

// Chat posts to /agents/{id}/chat.
func (a *TestApp) Chat(t *testing.T, id string, body map[string]any) (int, map[string]any) {
	t.Helper()
	return a.postJSON(t, "/agents/"+id+"/chat", body)
}

// ChatOK posts to /agents/{id}/chat and requires a 200.
func (a *TestApp) ChatOK(t *testing.T, id string, body map[string]any) map[string]any {
	t.Helper()
	status, decoded := a.Chat(t, id, body)
	require.Equal(t, http.StatusOK, status, "chat response: %v", decoded)
	return decoded
}

// Simulate posts to /agents/{id}/simulate.
func (a *TestApp) Simulate(t *testing.T, id string, body map[string]any) (int, map[string]any) {
	t.Helper()
	return a.postJSON(t, "/agents/"+id+"/simulate", body)
}

// ChatStream posts to /agents/{id}/chat/stream and returns every frame after
// the stream ends.
func (a *TestApp) ChatStream(t *testing.T, id string, body map[string]any) []stream.Chunk {
	t.Helper()

	resp := a.post(t, "/agents/"+id+"/chat/stream", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return parseFrames(t, string(raw))
}

// OpenStream starts a streaming chat bound to ctx and returns a frame
// reader. Cancelling ctx aborts the request mid-stream, which is how the
// client-disconnect path is exercised.
func (a *TestApp) OpenStream(t *testing.T, ctx context.Context, id string, body map[string]any) *StreamReader {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.BaseURL+"/agents/"+id+"/chat/stream", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	t.Cleanup(func() { _ = resp.Body.Close() })
	return &StreamReader{scanner: bufio.NewScanner(resp.Body)}
}

// StreamReader reads SSE frames one at a time from a live response body.
type StreamReader struct {
	scanner *bufio.Scanner
}

// Next blocks until the next frame arrives and decodes it.
func (r *StreamReader) Next(t *testing.T) stream.Chunk {
	t.Helper()

	var payload string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if payload != "" {
				break
			}
			continue
		}
		payload += strings.TrimPrefix(line, "data: ")
	}
	require.NotEmpty(t, payload, "stream ended before a frame arrived")

	var chunk stream.Chunk
	require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
	return chunk
}

// parseFrames splits a complete SSE body into its decoded chunks.
func parseFrames(t *testing.T, body string) []stream.Chunk {
	t.Helper()

	var frames []stream.Chunk
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		payload := strings.TrimPrefix(frame, "data: ")
		var chunk stream.Chunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		frames = append(frames, chunk)
	}
	return frames
}
