package guardrail

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Gate thresholds. The checker only runs when the gate marks an answer
// suspicious, so most answers never pay for an extra LLM call.
const (
	minGateTokens  = 3
	minTokenLength = 4
	maxGateTokens  = 12
)

// detourPhrases are giveaway fragments of an answer that wandered away from
// the question. Matched case-folded.
var detourPhrases = []string{
	"as an ai language model",
	"i cannot assist with",
	"i can't assist with",
	"i am unable to help with",
	"i'm unable to help with",
	"let's change the subject",
	"on a completely different note",
	"that is outside my area",
	"that's outside my area",
}

// suspicious reports whether answer looks like it may not address query:
// either the answer contains a detour phrase, or the query carries at least
// minGateTokens significant tokens and none of its top tokens appear in the
// answer. Queries too short to judge are never suspicious on token overlap
// alone.
func suspicious(query, answer string) bool {
	folded := strings.ToLower(answer)
	for _, phrase := range detourPhrases {
		if strings.Contains(folded, phrase) {
			return true
		}
	}

	tokens := topQueryTokens(query)
	if len(tokens) < minGateTokens {
		return false
	}
	for _, token := range tokens {
		if strings.Contains(folded, token) {
			return false
		}
	}
	return true
}

// topQueryTokens returns up to maxGateTokens distinct tokens of the query
// with at least minTokenLength runes, most frequent first. Ties order longer
// tokens before shorter ones, then lexicographically.
func topQueryTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	counts := make(map[string]int, len(fields))
	for _, field := range fields {
		if utf8.RuneCountInString(field) < minTokenLength {
			continue
		}
		counts[field]++
	}

	tokens := make([]string, 0, len(counts))
	for token := range counts {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})

	if len(tokens) > maxGateTokens {
		tokens = tokens[:maxGateTokens]
	}
	return tokens
}
