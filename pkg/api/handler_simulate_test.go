package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulateSingleExpert(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/agents/alpha/simulate",
		ChatRequest{Input: "ping"})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	body := decodeBody(t, rec)
	response, _ := body["response"].(string)
	assert.True(t, strings.HasPrefix(response, "[MOCK] alpha:"), "response: %q", response)

	metadata := body["metadata"].(map[string]any)
	assert.Equal(t, "mock", metadata["mode"])
}

func TestSimulateIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)

	first := doRequest(t, srv, http.MethodPost, "/agents/alpha/simulate",
		ChatRequest{Input: "same question, same answer"})
	second := doRequest(t, srv, http.MethodPost, "/agents/alpha/simulate",
		ChatRequest{Input: "same question, same answer"})
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t,
		decodeBody(t, first)["response"],
		decodeBody(t, second)["response"])
}

func TestSimulateMoE(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/agents/moe/simulate",
		ChatRequest{Input: "mix it up"})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	body := decodeBody(t, rec)
	response, _ := body["response"].(string)
	assert.Contains(t, response, "[MOCK]")

	metadata := body["metadata"].(map[string]any)
	assert.Equal(t, "mock", metadata["mode"])
	assert.Equal(t, "moe", metadata["orchestrator"])
	assert.Contains(t, metadata, "trace")
}

func TestSimulateUnknownExpert(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/agents/ghost/simulate",
		ChatRequest{Input: "hello?"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeUnknownExpert, decodeBody(t, rec)["error_code"])
}

func TestSimulateDoesNotRecordHistory(t *testing.T) {
	srv, _ := newTestServer(t)
	store := withHistory(t, srv)

	rec := doRequest(t, srv, http.MethodPost, "/agents/alpha/simulate",
		ChatRequest{Input: "leave no trace"})
	require.Equal(t, http.StatusOK, rec.Code)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
