// Package observe provides the service's observability primitives:
// OpenTelemetry metric instruments bridged to Prometheus, and the provider
// wiring that registers them globally.
//
// A package-level default Metrics instance (DefaultMetrics) is provided for
// the server path; tests should use NewMetrics with their own
// metric.MeterProvider to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all service metrics.
const meterName = "github.com/mosaic-ai/mosaic"

// Metrics holds the metric instruments for the orchestration service. All
// fields are safe for concurrent use.
type Metrics struct {
	// OrchestrationDuration tracks end-to-end orchestrated run latency.
	// Attributes: orchestrator, status.
	OrchestrationDuration metric.Float64Histogram

	// ExpertRunDuration tracks single expert run latency.
	// Attributes: expert.
	ExpertRunDuration metric.Float64Histogram

	// ExpertRuns counts expert executions. Attributes: expert, status.
	ExpertRuns metric.Int64Counter

	// LLMTokens counts tokens consumed. Attribute: direction (input|output).
	LLMTokens metric.Int64Counter

	// CacheLookups counts result cache lookups. Attribute: result (hit|miss).
	CacheLookups metric.Int64Counter

	// GuardrailTriggers counts answers the guardrail repaired.
	// Attribute: risk.
	GuardrailTriggers metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram

	// ActiveRequests tracks in-flight HTTP requests.
	ActiveRequests metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds, sized for LLM-backed
// request latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates every instrument on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.OrchestrationDuration, err = m.Float64Histogram("mosaic.orchestration.duration",
		metric.WithDescription("End-to-end orchestrated run latency by orchestrator and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExpertRunDuration, err = m.Float64Histogram("mosaic.expert.run.duration",
		metric.WithDescription("Single expert run latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExpertRuns, err = m.Int64Counter("mosaic.expert.runs",
		metric.WithDescription("Total expert executions by expert and status."),
	); err != nil {
		return nil, err
	}
	if met.LLMTokens, err = m.Int64Counter("mosaic.llm.tokens",
		metric.WithDescription("Total LLM tokens by direction."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("mosaic.cache.lookups",
		metric.WithDescription("Result cache lookups by outcome."),
	); err != nil {
		return nil, err
	}
	if met.GuardrailTriggers, err = m.Int64Counter("mosaic.guardrail.triggers",
		metric.WithDescription("Answers repaired by the relevance guardrail, by risk."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("mosaic.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path, and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.ActiveRequests, err = m.Int64UpDownCounter("mosaic.active_requests",
		metric.WithDescription("In-flight HTTP requests."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics instance, created on
// first call from the global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordOrchestration records one orchestrated run.
func (m *Metrics) RecordOrchestration(ctx context.Context, orchestrator, status string, seconds float64) {
	m.OrchestrationDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("orchestrator", orchestrator),
			attribute.String("status", status),
		),
	)
}

// RecordExpertRun records one expert execution.
func (m *Metrics) RecordExpertRun(ctx context.Context, expert, status string, seconds float64) {
	m.ExpertRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("expert", expert),
			attribute.String("status", status),
		),
	)
	m.ExpertRunDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("expert", expert)),
	)
}

// RecordTokens records token consumption for one run.
func (m *Metrics) RecordTokens(ctx context.Context, input, output int) {
	if input > 0 {
		m.LLMTokens.Add(ctx, int64(input),
			metric.WithAttributes(attribute.String("direction", "input")))
	}
	if output > 0 {
		m.LLMTokens.Add(ctx, int64(output),
			metric.WithAttributes(attribute.String("direction", "output")))
	}
}

// RecordCacheLookup records a result cache lookup outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordGuardrailTrigger records one repaired answer.
func (m *Metrics) RecordGuardrailTrigger(ctx context.Context, risk string) {
	m.GuardrailTriggers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("risk", risk)))
}
