package orchestrator

import (
	"sort"
	"strings"
	"unicode"

	"github.com/mosaic-ai/mosaic/pkg/expert"
)

// scoredExpert pairs a descriptor with its selection score. The score doubles
// as the expert's mixing weight.
type scoredExpert struct {
	Descriptor *expert.Descriptor
	Score      float64
}

// selectExperts scores every descriptor's capability tags against the query
// and returns the top k, highest score first, ties broken by expert ID so
// traces are reproducible. Every expert starts from base weight 1 and gains
// one point per capability token present in the query, which keeps weights
// positive even when nothing matches.
func selectExperts(query string, descriptors []*expert.Descriptor, k int) []scoredExpert {
	tokens := queryTokenSet(query)

	scored := make([]scoredExpert, 0, len(descriptors))
	for _, desc := range descriptors {
		scored = append(scored, scoredExpert{
			Descriptor: desc,
			Score:      1 + scoreCapabilities(tokens, desc.Capabilities),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Descriptor.ID < scored[j].Descriptor.ID
	})

	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// routeToExpert picks the single best-matching descriptor for a sub-query.
func routeToExpert(subQuery string, descriptors []*expert.Descriptor) (scoredExpert, bool) {
	top := selectExperts(subQuery, descriptors, 1)
	if len(top) == 0 {
		return scoredExpert{}, false
	}
	return top[0], true
}

// scoreCapabilities counts capability tokens present in the query token set.
// Multi-word tags score one point per matched word.
func scoreCapabilities(queryTokens map[string]bool, capabilities []string) float64 {
	var score float64
	for _, capability := range capabilities {
		for _, token := range splitTokens(capability) {
			if queryTokens[token] {
				score++
			}
		}
	}
	return score
}

// queryTokenSet folds and splits the query into a membership set.
func queryTokenSet(query string) map[string]bool {
	tokens := splitTokens(query)
	set := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		set[token] = true
	}
	return set
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// selectionIDs extracts the expert IDs of a selection in order.
func selectionIDs(selected []scoredExpert) []string {
	ids := make([]string, len(selected))
	for i, sel := range selected {
		ids[i] = sel.Descriptor.ID
	}
	return ids
}
