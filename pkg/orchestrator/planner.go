package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/mosaic-ai/mosaic/pkg/agent"
)

// maxSubQueries caps how far the planner may split a query. Anything past
// this is noise that burns expert budget.
const maxSubQueries = 8

const plannerMaxTokens = 1024

// Complexity buckets the planner assigns to a query.
const (
	complexitySimple   = "simple"
	complexityModerate = "moderate"
	complexityComplex  = "complex"
)

// interpretation is the planner's read of a query before routing.
type interpretation struct {
	Domains    []string `json:"domains"`
	Complexity string   `json:"complexity"`
	Decompose  bool     `json:"decompose"`
	Reason     string   `json:"reason"`
}

// subQuery is one routable unit of a decomposed query. DependsOn names
// sub-queries whose answers this one needs as context.
type subQuery struct {
	ID        string   `json:"id"`
	Query     string   `json:"query"`
	DependsOn []string `json:"depends_on"`
}

// planner wraps the LLM that interprets and decomposes queries for the
// smart router.
type planner struct {
	client agent.LLMClient
	model  string
	logger *slog.Logger
}

func newPlanner(client agent.LLMClient, model string) *planner {
	return &planner{client: client, model: model, logger: slog.Default()}
}

const interpretSystemPrompt = `You analyze user queries for a routing layer. Classify the query's domains and complexity, and decide whether it should be split into smaller sub-queries. Respond with a single JSON object and no prose:
{"domains": ["..."], "complexity": "simple|moderate|complex", "decompose": false, "reason": "..."}
Set "decompose" to true only when the query contains separable questions or tasks that would benefit from different specialists.`

// interpret classifies the query. The returned interpretation always has a
// valid complexity bucket.
func (p *planner) interpret(ctx context.Context, requestID, query string) (*interpretation, error) {
	raw, err := p.call(ctx, requestID, interpretSystemPrompt, "Query:\n"+query)
	if err != nil {
		return nil, fmt.Errorf("interpretation call failed: %w", err)
	}

	var interp interpretation
	if err := parsePlannerJSON(raw, &interp); err != nil {
		return nil, err
	}
	switch interp.Complexity {
	case complexitySimple, complexityModerate, complexityComplex:
	default:
		interp.Complexity = complexityModerate
	}
	return &interp, nil
}

const decomposeSystemPromptFmt = `You split a user query into at most %d self-contained sub-queries for specialist experts. Respond with a single JSON object and no prose:
{"sub_queries": [{"id": "s1", "query": "...", "depends_on": []}]}
Each sub-query must stand alone. Use "depends_on" only when a sub-query needs another's answer, listing the ids it depends on. Ids must be unique and may only reference earlier entries.`

// decompose splits the query into sub-queries. The result is always a valid
// dependency DAG: normalizeSubQueries drops forward and unknown references.
func (p *planner) decompose(ctx context.Context, requestID, query string, interp *interpretation) ([]subQuery, error) {
	system := fmt.Sprintf(decomposeSystemPromptFmt, maxSubQueries)
	user := fmt.Sprintf("Domains: %s\nQuery:\n%s", strings.Join(interp.Domains, ", "), query)

	raw, err := p.call(ctx, requestID, system, user)
	if err != nil {
		return nil, fmt.Errorf("decomposition call failed: %w", err)
	}

	var wrapped struct {
		SubQueries []subQuery `json:"sub_queries"`
	}
	if err := parsePlannerJSON(raw, &wrapped); err != nil {
		// Some models skip the wrapper and return the bare array.
		var bare []subQuery
		if bareErr := parsePlannerJSON(raw, &bare); bareErr != nil {
			return nil, err
		}
		wrapped.SubQueries = bare
	}
	return normalizeSubQueries(wrapped.SubQueries, query), nil
}

func (p *planner) call(ctx context.Context, requestID, system, user string) (string, error) {
	chunks, err := p.client.Generate(ctx, &agent.GenerateInput{
		RequestID: requestID,
		Messages: []agent.ConversationMessage{
			{Role: agent.RoleSystem, Content: system},
			{Role: agent.RoleUser, Content: user},
		},
		Params: agent.GenerationParams{Model: p.model, MaxTokens: plannerMaxTokens},
	})
	if err != nil {
		return "", err
	}
	return collectText(ctx, chunks)
}

// collectText drains a chunk stream into its text content, honoring ctx so
// a cancelled call never blocks on a stalled stream.
func collectText(ctx context.Context, chunks <-chan agent.Chunk) (string, error) {
	var b strings.Builder
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return b.String(), nil
			}
			switch c := chunk.(type) {
			case *agent.TextChunk:
				b.WriteString(c.Content)
			case *agent.ErrorChunk:
				return "", errors.New(c.Message)
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// normalizeSubQueries turns planner output into a well-formed plan: trimmed
// non-empty queries, unique ids, dependencies that only point at earlier
// entries, and at most maxSubQueries items. An unusable plan degrades to a
// single sub-query carrying the original text.
func normalizeSubQueries(subs []subQuery, original string) []subQuery {
	out := make([]subQuery, 0, len(subs))
	seen := make(map[string]bool, len(subs))

	for _, sub := range subs {
		if len(out) == maxSubQueries {
			break
		}
		sub.Query = strings.TrimSpace(sub.Query)
		if sub.Query == "" {
			continue
		}

		sub.ID = strings.TrimSpace(sub.ID)
		if sub.ID == "" || seen[sub.ID] {
			sub.ID = fmt.Sprintf("s%d", len(out)+1)
		}
		for seen[sub.ID] {
			sub.ID += "x"
		}

		deps := sub.DependsOn[:0]
		for _, dep := range sub.DependsOn {
			if seen[dep] && dep != sub.ID {
				deps = append(deps, dep)
			}
		}
		sub.DependsOn = deps

		seen[sub.ID] = true
		out = append(out, sub)
	}

	if len(out) == 0 {
		return []subQuery{{ID: "s1", Query: original}}
	}
	return out
}

// parsePlannerJSON decodes model output into v, stripping code fences and
// repairing sloppy JSON before giving up.
func parsePlannerJSON(raw string, v any) error {
	text := stripCodeFences(strings.TrimSpace(raw))
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	repaired, repErr := jsonrepair.JSONRepair(text)
	if repErr != nil {
		return fmt.Errorf("planner returned unparsable JSON: %w", repErr)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("planner returned unparsable JSON: %w", err)
	}
	return nil
}

func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "" || !strings.ContainsAny(first, "{[") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
