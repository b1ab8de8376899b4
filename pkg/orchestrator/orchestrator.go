// Package orchestrator combines experts into answers. Three orchestrators
// share one contract: SingleExpert proxies a run to one expert, MoE fans a
// query out to a scored top-k of experts in parallel and mixes the results,
// and SmartRouter plans with an LLM, decomposes the query into routed
// sub-queries, and synthesizes their answers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mosaic-ai/mosaic/pkg/agent"
	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/session"
	"github.com/mosaic-ai/mosaic/pkg/stream"
	"github.com/mosaic-ai/mosaic/pkg/trace"
)

// Orchestrator tags used in traces, cache keys, and generated session IDs.
const (
	TagSingle      = "expert"
	TagMoE         = "moe"
	TagSmartRouter = "smartrouter"
)

// Request is one orchestration request after transport-level validation.
// SessionID may be empty; orchestrators mint one and echo it in the
// response metadata.
type Request struct {
	Query     string
	Context   map[string]any
	SessionID string
	MaxSteps  int
	RequestID string
}

// ContextBlock renders the caller-supplied context map as a deterministic
// text block for prompt injection, or "" when there is no context.
func (r *Request) ContextBlock() string {
	if len(r.Context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r.Context))
	for k := range r.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Caller-provided context:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %v", k, r.Context[k])
	}
	return b.String()
}

// Response is one finished orchestration. Turns carries per-turn records for
// the single-expert path; Trace carries the phase-level orchestration trace
// for MoE and SmartRouter.
type Response struct {
	Answer   string
	Trace    *trace.Trace
	Turns    []trace.TurnRecord
	Usage    *agent.Usage
	Metadata map[string]any
}

// Orchestrator executes one query end to end.
type Orchestrator interface {
	// Name returns the orchestrator tag ("expert", "moe", "smartrouter").
	Name() string
	// DisplayName returns the human-readable name for stream metadata.
	DisplayName() string
	// Execute runs the query to completion and returns the buffered result.
	Execute(ctx context.Context, req *Request) (*Response, error)
	// ExecuteStreamed runs the query and emits stream chunks: metadata
	// first, done or error last.
	ExecuteStreamed(ctx context.Context, req *Request) <-chan stream.Chunk
}

// WorkerSource hands out workers and sessions. *expert.Factory is the
// production implementation; tests substitute scripted clients.
type WorkerSource interface {
	Worker(id string, instructions ...string) (*expert.Worker, error)
	WorkerWithSession(id, sessionID string, instructions ...string) (*expert.Worker, session.Store, error)
	WorkerWithPersistentSession(id, sessionID, dbPath string) (*expert.Worker, session.Store, error)
	Descriptors() []*expert.Descriptor
}

var _ WorkerSource = (*expert.Factory)(nil)

// ensureSessionID mints a session ID tagged with the orchestrator name when
// the request does not carry one, and returns the ID in use.
func ensureSessionID(req *Request, tag string) string {
	if req.SessionID == "" {
		req.SessionID = session.NewID(tag)
	}
	return req.SessionID
}

// streamExecution adapts a buffered orchestration into the chunk contract.
// Mixed and synthesized output would mislead as incremental tokens, so the
// whole answer is emitted as a single token chunk between metadata and done.
func streamExecution(ctx context.Context, o Orchestrator, req *Request) <-chan stream.Chunk {
	out := make(chan stream.Chunk, 4)
	go func() {
		defer close(out)

		send := func(chunk stream.Chunk) {
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}

		send(stream.Metadata(map[string]any{
			"expert-id":       o.Name(),
			"display-name":    o.DisplayName(),
			"session-enabled": true,
			"session-id":      ensureSessionID(req, o.Name()),
			"max-steps":       req.MaxSteps,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		}))

		resp, err := o.Execute(ctx, req)
		if err != nil {
			send(stream.Error(err.Error(), errorCode(err)))
			return
		}

		send(stream.Token(resp.Answer))

		done := map[string]any{
			"expert-id":  o.Name(),
			"final-text": resp.Answer,
		}
		if resp.Usage != nil {
			done["usage"] = resp.Usage
		}
		send(stream.Done(done))
	}()
	return out
}

// errorCode maps an orchestration error to the wire error-code vocabulary.
func errorCode(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, expert.ErrMaxTurnsExceeded):
		return "max_turns_exceeded"
	default:
		return "orchestrator_error"
	}
}

// sumUsage folds b into a, allocating a on first use. Returns the
// accumulated total, nil when nothing reported usage.
func sumUsage(a *agent.Usage, b *agent.Usage) *agent.Usage {
	if b == nil {
		return a
	}
	if a == nil {
		a = &agent.Usage{}
	}
	a.Add(*b)
	return a
}
