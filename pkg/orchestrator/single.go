package orchestrator

import (
	"context"
	"time"

	"github.com/mosaic-ai/mosaic/pkg/expert"
	"github.com/mosaic-ai/mosaic/pkg/guardrail"
	"github.com/mosaic-ai/mosaic/pkg/stream"
	"github.com/mosaic-ai/mosaic/pkg/trace"
)

// SingleExpert routes every request to one named expert. It is the direct
// path behind /agents/{expert-id}: no selection, no mixing, just the expert
// and the guardrail.
type SingleExpert struct {
	desc   *expert.Descriptor
	source WorkerSource
	runner *expert.Runner
	guard  *guardrail.Guardrail
}

// NewSingleExpert wraps one expert descriptor as an orchestrator.
func NewSingleExpert(desc *expert.Descriptor, source WorkerSource, runner *expert.Runner, guard *guardrail.Guardrail) *SingleExpert {
	return &SingleExpert{desc: desc, source: source, runner: runner, guard: guard}
}

func (s *SingleExpert) Name() string        { return s.desc.ID }
func (s *SingleExpert) DisplayName() string { return s.desc.DisplayName }

// Execute runs the expert once with session history and checks the answer
// against the guardrail.
func (s *SingleExpert) Execute(ctx context.Context, req *Request) (*Response, error) {
	sessionID := ensureSessionID(req, s.desc.ID)

	worker, store, err := s.source.WorkerWithSession(s.desc.ID, sessionID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := s.runner.Run(ctx, worker, req.Query, expert.RunOptions{
		Context:   req.ContextBlock(),
		Session:   store,
		MaxSteps:  req.MaxSteps,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"expert-id":  s.desc.ID,
		"session-id": sessionID,
		"latency-ms": trace.LatencyMS(started),
	}
	if result.Usage != nil {
		metadata["usage"] = result.Usage
	}

	checked := s.guard.Check(ctx, req.RequestID, req.Query, result.FinalOutput)
	if checked.Triggered {
		metadata["guardrails"] = map[string]any{"hallucination": checked.Metadata()}
	}

	return &Response{
		Answer:   checked.Answer,
		Turns:    result.Trace,
		Usage:    result.Usage,
		Metadata: metadata,
	}, nil
}

// ExecuteStreamed streams the expert's tokens as they arrive. Streamed text
// is already on the wire when the run completes, so the guardrail does not
// apply here.
func (s *SingleExpert) ExecuteStreamed(ctx context.Context, req *Request) <-chan stream.Chunk {
	sessionID := ensureSessionID(req, s.desc.ID)

	worker, store, err := s.source.WorkerWithSession(s.desc.ID, sessionID)
	if err != nil {
		// The stream still opens with a metadata chunk before the error,
		// so clients see the same framing as a run that fails later.
		ch := make(chan stream.Chunk, 2)
		ch <- stream.Metadata(map[string]any{
			"expert-id":       s.desc.ID,
			"display-name":    s.desc.DisplayName,
			"session-enabled": true,
			"session-id":      sessionID,
			"max-steps":       s.desc.ClampMaxSteps(req.MaxSteps),
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		})
		ch <- stream.Error(err.Error(), errorCode(err))
		close(ch)
		return ch
	}

	return s.runner.RunStreamed(ctx, worker, req.Query, expert.RunOptions{
		Context:   req.ContextBlock(),
		Session:   store,
		MaxSteps:  req.MaxSteps,
		RequestID: req.RequestID,
	})
}
