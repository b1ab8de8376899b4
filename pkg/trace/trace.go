// Package trace holds the structured execution records built during an
// orchestration run and serialized into response metadata.
//
// A Trace is append-only and NOT safe for concurrent use: orchestrators
// collect results from parallel experts over a channel and append from the
// collection loop only.
package trace

import "time"

// Phase names appearing in Trace.Phases.
type Phase string

const (
	PhaseSelection      Phase = "selection"
	PhaseCacheLookup    Phase = "cache-lookup"
	PhaseExecution      Phase = "execution"
	PhaseMixing         Phase = "mixing"
	PhaseSynthesis      Phase = "synthesis"
	PhaseInterpretation Phase = "interpretation"
	PhaseDecomposition  Phase = "decomposition"
	PhaseRouting        Phase = "routing"
	PhaseEvaluation     Phase = "evaluation"
	PhaseGuardrail      Phase = "guardrail"
)

// Attempt status values.
const (
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
	AttemptCancelled = "cancelled"
	AttemptSkipped   = "skipped"
)

// Trace is the structured record of one orchestration run.
type Trace struct {
	Orchestrator    string          `json:"orchestrator"`
	RequestID       string          `json:"request-id"`
	SessionID       string          `json:"session-id,omitempty"`
	Phases          []PhaseRecord   `json:"phases"`
	Experts         []ExpertAttempt `json:"experts,omitempty"`
	SelectedExperts []string        `json:"selected-experts"`
	ExpertsUsed     []string        `json:"experts-used,omitempty"`
	CacheHit        bool            `json:"cache-hit"`
	Fallback        bool            `json:"fallback"`
	LatencyMS       int64           `json:"latency-ms"`

	startedAt time.Time
}

// PhaseRecord is one timed phase within a run. SmartRouter emits one routing
// record per sub-query, so the same phase name may repeat.
type PhaseRecord struct {
	Name      Phase          `json:"name"`
	StartedAt time.Time      `json:"started-at"`
	LatencyMS int64          `json:"latency-ms"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// ExpertAttempt records one expert execution within a run. SmartRouter sets
// SubQuery to the sub-query the expert was dispatched for; MoE leaves it
// empty because every expert answers the original query.
type ExpertAttempt struct {
	ExpertID  string    `json:"expert-id"`
	SubQuery  string    `json:"sub-query,omitempty"`
	Weight    float64   `json:"weight"`
	Status    string    `json:"status"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started-at"`
	EndedAt   time.Time `json:"ended-at"`
	LatencyMS int64     `json:"latency-ms"`
}

// New creates a Trace for one run. SelectedExperts starts as an empty (never
// nil) slice so it serializes as [] rather than null.
func New(orchestrator, requestID string) *Trace {
	return &Trace{
		Orchestrator:    orchestrator,
		RequestID:       requestID,
		Phases:          []PhaseRecord{},
		SelectedExperts: []string{},
		startedAt:       time.Now(),
	}
}

// AddPhase appends a phase record measured from startedAt to now.
func (t *Trace) AddPhase(name Phase, startedAt time.Time, detail map[string]any) {
	t.Phases = append(t.Phases, PhaseRecord{
		Name:      name,
		StartedAt: startedAt,
		LatencyMS: LatencyMS(startedAt),
		Detail:    detail,
	})
}

// AddExpert appends one expert attempt.
func (t *Trace) AddExpert(a ExpertAttempt) {
	t.Experts = append(t.Experts, a)
}

// Finish stamps the total run latency. Call exactly once, just before the
// trace is handed off.
func (t *Trace) Finish() {
	t.LatencyMS = LatencyMS(t.startedAt)
}

// Snapshot returns an independent deep copy suitable for caching: mutations
// of the original after Snapshot do not leak into cached entries.
func (t *Trace) Snapshot() *Trace {
	cp := *t
	cp.Phases = make([]PhaseRecord, len(t.Phases))
	copy(cp.Phases, t.Phases)
	cp.Experts = make([]ExpertAttempt, len(t.Experts))
	copy(cp.Experts, t.Experts)
	cp.SelectedExperts = append([]string{}, t.SelectedExperts...)
	cp.ExpertsUsed = append([]string(nil), t.ExpertsUsed...)
	return &cp
}

// LatencyMS returns elapsed wall time since start in milliseconds, clamped
// to a minimum of 1 so consumers can rely on positive latencies.
func LatencyMS(start time.Time) int64 {
	ms := time.Since(start).Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}
