package guardrail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuspiciousDetourPhrase(t *testing.T) {
	query := "how does kubernetes scheduling work"
	answer := "Let's change the subject. Scheduling is boring, here is a poem."

	assert.True(t, suspicious(query, answer))
}

func TestSuspiciousNoTokenOverlap(t *testing.T) {
	query := "how does kubernetes scheduling decide pod placement"
	answer := "The weather in Paris is lovely this time of year."

	assert.True(t, suspicious(query, answer))
}

func TestNotSuspiciousWithTokenOverlap(t *testing.T) {
	query := "how does kubernetes scheduling decide pod placement"
	answer := "Kubernetes scheduling filters nodes, then scores the survivors."

	assert.False(t, suspicious(query, answer))
}

func TestNotSuspiciousCaseFolded(t *testing.T) {
	query := "explain KUBERNETES networking layers"
	answer := "kubernetes networking stacks CNI plugins under kube-proxy."

	assert.False(t, suspicious(query, answer))
}

func TestShortQueryNeverSuspiciousOnOverlap(t *testing.T) {
	// Only one token of qualifying length, below the gate minimum.
	query := "hi there"
	answer := "Completely unrelated text about gardening."

	assert.False(t, suspicious(query, answer))
}

func TestTopQueryTokens(t *testing.T) {
	tokens := topQueryTokens("Deploy, deploy, DEPLOY the staging cluster now (cluster v2)!")

	// "deploy" appears three times, "cluster" twice; short words are dropped.
	assert.Equal(t, []string{"deploy", "cluster", "staging"}, tokens)
}

func TestTopQueryTokensCapped(t *testing.T) {
	query := "alpha bravo charlie delta echos foxtrot golfs hotel india juliet kilos limas mikes november"
	tokens := topQueryTokens(query)

	assert.Len(t, tokens, maxGateTokens)
}

func TestTopQueryTokensEmptyQuery(t *testing.T) {
	assert.Empty(t, topQueryTokens("a an of to"))
}
