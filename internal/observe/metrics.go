// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks the latency of one assembled inference call,
	// retries included.
	LLMDuration metric.Float64Histogram

	// TurnDuration tracks the wall time of one conversation turn.
	TurnDuration metric.Float64Histogram

	// SummaryDuration tracks the latency of summary window compaction.
	SummaryDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("speaker", ...)
	Turns metric.Int64Counter

	// MalformedReplies counts replies whose structured fields could not be
	// parsed. Use with attribute attribute.String("speaker", ...).
	MalformedReplies metric.Int64Counter

	// Summaries counts compaction attempts. Use with attribute:
	//   attribute.String("status", ...)
	Summaries metric.Int64Counter

	// Runs counts finished runs. Use with attribute:
	//   attribute.String("outcome", ...)
	Runs metric.Int64Counter

	// --- Distributions ---

	// Satisfaction records every parsed satisfaction score (0-100).
	Satisfaction metric.Int64Histogram

	// PromptTokens records the estimated prompt size of every inference
	// request. Use with attribute attribute.String("provider", ...).
	PromptTokens metric.Int64Histogram

	// --- Gauges ---

	// ActiveRuns tracks the number of conversations currently in progress.
	ActiveRuns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks metrics listener latency. Attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for model
// inference, which on local hardware runs from sub-second to minutes.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// tokenBuckets spans prompt sizes from a fresh conversation to a full
// long-context window.
var tokenBuckets = []float64{
	256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072,
}

// scoreBuckets splits the 0-100 satisfaction range.
var scoreBuckets = []float64{
	10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 100,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("parley.llm.duration",
		metric.WithDescription("Latency of an assembled LLM inference call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("Wall time of one conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummaryDuration, err = m.Float64Histogram("parley.summary.duration",
		metric.WithDescription("Latency of summary window compaction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Satisfaction, err = m.Int64Histogram("parley.satisfaction",
		metric.WithDescription("Satisfaction scores reported by agents."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}

	if met.PromptTokens, err = m.Int64Histogram("parley.llm.prompt_tokens",
		metric.WithDescription("Estimated prompt tokens per inference request."),
		metric.WithUnit("{token}"),
		metric.WithExplicitBucketBoundaries(tokenBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.turns",
		metric.WithDescription("Total completed conversation turns by speaker."),
	); err != nil {
		return nil, err
	}
	if met.MalformedReplies, err = m.Int64Counter("parley.malformed_replies",
		metric.WithDescription("Total replies without parseable structured fields by speaker."),
	); err != nil {
		return nil, err
	}
	if met.Summaries, err = m.Int64Counter("parley.summaries",
		metric.WithDescription("Total summary compactions by status."),
	); err != nil {
		return nil, err
	}
	if met.Runs, err = m.Int64Counter("parley.runs",
		metric.WithDescription("Total finished runs by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRuns, err = m.Int64UpDownCounter("parley.active_runs",
		metric.WithDescription("Number of conversations in progress."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordLLMDuration records the latency of one inference call.
func (m *Metrics) RecordLLMDuration(ctx context.Context, provider string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordPromptTokens records the estimated prompt size of one request.
func (m *Metrics) RecordPromptTokens(ctx context.Context, provider string, n int) {
	m.PromptTokens.Record(ctx, int64(n),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordTurn records a completed turn. score is nil when the reply carried
// no usable satisfaction value.
func (m *Metrics) RecordTurn(ctx context.Context, speaker string, d time.Duration, score *int) {
	attrs := metric.WithAttributes(attribute.String("speaker", speaker))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
	if score == nil {
		m.MalformedReplies.Add(ctx, 1, attrs)
		return
	}
	m.Satisfaction.Record(ctx, int64(*score), attrs)
}

// RecordSummary records one compaction attempt.
func (m *Metrics) RecordSummary(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Summaries.Add(ctx, 1, attrs)
	m.SummaryDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRun records a finished run by its terminal state.
func (m *Metrics) RecordRun(ctx context.Context, outcome string) {
	m.Runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
