package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaic-ai/mosaic/pkg/expert"
)

func TestSelectExpertsRanksByCapabilityOverlap(t *testing.T) {
	pool := []*expert.Descriptor{
		testDescriptor("billing", "billing", "invoices"),
		testDescriptor("deployer", "deploy", "kubernetes"),
		testDescriptor("searcher", "search"),
	}

	selected := selectExperts("deploy the billing service to kubernetes", pool, 2)
	require.Len(t, selected, 2)
	assert.Equal(t, "deployer", selected[0].Descriptor.ID)
	assert.InDelta(t, 3.0, selected[0].Score, 0.001)
	assert.Equal(t, "billing", selected[1].Descriptor.ID)
	assert.InDelta(t, 2.0, selected[1].Score, 0.001)
}

func TestSelectExpertsTieBreaksOnID(t *testing.T) {
	pool := []*expert.Descriptor{
		testDescriptor("zulu"),
		testDescriptor("alpha"),
		testDescriptor("mike"),
	}

	selected := selectExperts("nothing matches any capability", pool, 3)
	require.Len(t, selected, 3)
	assert.Equal(t, []string{"alpha", "mike", "zulu"}, selectionIDs(selected))
	for _, sel := range selected {
		assert.InDelta(t, 1.0, sel.Score, 0.001, "base weight keeps unmatched experts positive")
	}
}

func TestSelectExpertsKLargerThanPool(t *testing.T) {
	pool := []*expert.Descriptor{testDescriptor("only")}
	selected := selectExperts("whatever", pool, 5)
	require.Len(t, selected, 1)
}

func TestSelectExpertsZeroKKeepsAll(t *testing.T) {
	pool := []*expert.Descriptor{testDescriptor("a"), testDescriptor("b")}
	assert.Len(t, selectExperts("query", pool, 0), 2)
}

func TestSelectExpertsFoldsCase(t *testing.T) {
	pool := []*expert.Descriptor{
		testDescriptor("deployer", "Deploy", "Kubernetes"),
		testDescriptor("other"),
	}
	selected := selectExperts("DEPLOY to KUBERNETES now", pool, 1)
	require.Len(t, selected, 1)
	assert.Equal(t, "deployer", selected[0].Descriptor.ID)
	assert.InDelta(t, 3.0, selected[0].Score, 0.001)
}

func TestScoreCapabilitiesMultiWordTags(t *testing.T) {
	tokens := queryTokenSet("set up continuous integration for the repo")
	score := scoreCapabilities(tokens, []string{"continuous integration"})
	assert.InDelta(t, 2.0, score, 0.001, "each word of a multi-word tag scores separately")
}

func TestRouteToExpertPicksTopMatch(t *testing.T) {
	pool := []*expert.Descriptor{
		testDescriptor("websearch", "search", "web"),
		testDescriptor("coder", "code", "golang"),
	}

	routed, ok := routeToExpert("write golang code", pool)
	require.True(t, ok)
	assert.Equal(t, "coder", routed.Descriptor.ID)

	routed, ok = routeToExpert("search the web", pool)
	require.True(t, ok)
	assert.Equal(t, "websearch", routed.Descriptor.ID)
}

func TestRouteToExpertEmptyPool(t *testing.T) {
	_, ok := routeToExpert("anything", nil)
	assert.False(t, ok)
}
