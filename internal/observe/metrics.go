// Package observe provides application-wide observability primitives for
// storyturn: OpenTelemetry metrics, distributed tracing, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all storyturn metrics.
const meterName = "github.com/MrWong99/storyturn"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Turn pipeline ---

	// TurnDuration tracks end-to-end turn processing time. Use with attribute:
	//   attribute.String("outcome", ...)
	TurnDuration metric.Float64Histogram

	// PhaseDuration tracks time spent in each turn phase. Use with attribute:
	//   attribute.String("phase", ...)
	PhaseDuration metric.Float64Histogram

	// Turns counts processed turns. Use with attribute:
	//   attribute.String("outcome", ...) (completed, rejected, failed)
	Turns metric.Int64Counter

	// VADRejections counts utterances rejected as silent. Use with attribute:
	//   attribute.String("stage", ...) (amplitude, ratio)
	VADRejections metric.Int64Counter

	// AudioConversions counts normalizer runs. Use with attributes:
	//   attribute.String("format", ...), attribute.String("status", ...)
	AudioConversions metric.Int64Counter

	// --- Remote collaborators ---

	// InferenceRequests counts inference calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	InferenceRequests metric.Int64Counter

	// InferenceDuration tracks inference call latency. Use with attribute:
	//   attribute.String("op", ...)
	InferenceDuration metric.Float64Histogram

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Sessions ---

	// SessionsStarted counts opened sessions.
	SessionsStarted metric.Int64Counter

	// SessionsEnded counts sessions reaching a terminal status. Use with
	// attribute: attribute.String("status", ...)
	SessionsEnded metric.Int64Counter

	// SessionsExpired counts sessions failed by the expiry sweeper.
	SessionsExpired metric.Int64Counter

	// --- Feedback ---

	// FeedbackJobs counts feedback dispatches. Use with attribute:
	//   attribute.String("outcome", ...) (completed, failed, skipped)
	FeedbackJobs metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// sub-second phases up to slow inference round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("storyturn.turn.duration",
		metric.WithDescription("End-to-end latency of a dialogue turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PhaseDuration, err = m.Float64Histogram("storyturn.turn.phase.duration",
		metric.WithDescription("Latency of each turn phase."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("storyturn.inference.duration",
		metric.WithDescription("Latency of inference service calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("storyturn.turns",
		metric.WithDescription("Total dialogue turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.VADRejections, err = m.Int64Counter("storyturn.vad.rejections",
		metric.WithDescription("Utterances rejected as silent, by detector stage."),
	); err != nil {
		return nil, err
	}
	if met.AudioConversions, err = m.Int64Counter("storyturn.audio.conversions",
		metric.WithDescription("Audio normalizations by input format and status."),
	); err != nil {
		return nil, err
	}
	if met.InferenceRequests, err = m.Int64Counter("storyturn.inference.requests",
		metric.WithDescription("Inference service calls by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("storyturn.circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("storyturn.sessions.started",
		metric.WithDescription("Total dialogue sessions opened."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("storyturn.sessions.ended",
		metric.WithDescription("Sessions reaching a terminal status, by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionsExpired, err = m.Int64Counter("storyturn.sessions.expired",
		metric.WithDescription("Sessions failed by the expiry sweeper."),
	); err != nil {
		return nil, err
	}
	if met.FeedbackJobs, err = m.Int64Counter("storyturn.feedback.jobs",
		metric.WithDescription("Feedback generation jobs by outcome."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("storyturn.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordTurn records the outcome and total latency of one turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordPhase records the latency of one turn phase.
func (m *Metrics) RecordPhase(ctx context.Context, phase string, d time.Duration) {
	m.PhaseDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("phase", phase)),
	)
}

// RecordVADRejection records an utterance rejected by the given detector
// stage.
func (m *Metrics) RecordVADRejection(ctx context.Context, stage string) {
	m.VADRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordConversion records one audio normalization.
func (m *Metrics) RecordConversion(ctx context.Context, format, status string) {
	m.AudioConversions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("format", format),
			attribute.String("status", status),
		),
	)
}

// RecordInference records one inference call.
func (m *Metrics) RecordInference(ctx context.Context, op, status string, d time.Duration) {
	m.InferenceRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.InferenceDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordBreakerTransition records a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}

// RecordSessionEnded records a session reaching a terminal status.
func (m *Metrics) RecordSessionEnded(ctx context.Context, status string) {
	m.SessionsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionsExpired records n sessions failed by the sweeper.
func (m *Metrics) RecordSessionsExpired(ctx context.Context, n int) {
	m.SessionsExpired.Add(ctx, int64(n))
	m.SessionsEnded.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("status", "FAILED")),
	)
}

// RecordFeedbackJob records the outcome of one feedback dispatch.
func (m *Metrics) RecordFeedbackJob(ctx context.Context, outcome string) {
	m.FeedbackJobs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
