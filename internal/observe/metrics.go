// Package observe provides application-wide observability primitives for the
// simulcast interpretation engine: OpenTelemetry metrics, distributed
// tracing, structured logging, and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all simulcast metrics.
const meterName = "github.com/voxbridge/simulcast"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SegmentLatency tracks the time from capture of a segment's first frame
	// to the Conductor emitting its result envelope to the UI — the end-to-end
	// budget spec.md targets at ≤500ms.
	SegmentLatency metric.Float64Histogram

	// ResponseLatency tracks the time from response.create to response.done
	// for a single ResponseRequest.
	ResponseLatency metric.Float64Histogram

	// AECConvergence tracks the measured signal-to-echo ratio improvement
	// (dB). The echo canceller does not report this value, and no component
	// in this module records to it.
	AECConvergence metric.Float64Histogram

	// --- Counters ---

	// SegmentsProcessed counts segments released by the SegmentQueue, by
	// outcome: attribute.String("outcome", "ok"|"text_error"|"voice_error"|"cancelled").
	SegmentsProcessed metric.Int64Counter

	// SchedulerRetries counts Scheduler retry attempts.
	SchedulerRetries metric.Int64Counter

	// SoftErrors counts Protocol.Transient server errors absorbed without
	// failing the session.
	SoftErrors metric.Int64Counter

	// VADSpeechEvents counts VAD SpeechStart/SpeechEnd transitions. Use with
	// attribute.String("event", "start"|"end").
	VADSpeechEvents metric.Int64Counter

	// SegmentsDropped counts segments dropped because the SegmentQueue was
	// full or because the detected speech span was shorter than min_speech_ms.
	SegmentsDropped metric.Int64Counter

	// --- Gauges ---

	// InFlightResponses tracks the Scheduler's in-flight response count. It
	// must never observe a value greater than 1 (spec.md §8 property 5).
	InFlightResponses metric.Int64UpDownCounter

	// PlaybackQueueDepth tracks the number of PlaybackChunks waiting to be
	// rendered.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time (health/ready
	// endpoints). Use with attributes: attribute.String("method", ...),
	// attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for sub-second interpretation-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SegmentLatency, err = m.Float64Histogram("simulcast.segment.latency",
		metric.WithDescription("End-to-end latency from capture to result envelope."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("simulcast.response.latency",
		metric.WithDescription("Latency from response.create to response.done."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AECConvergence, err = m.Float64Histogram("simulcast.aec.convergence_db",
		metric.WithDescription("Measured signal-to-echo ratio improvement in dB."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}

	if met.SegmentsProcessed, err = m.Int64Counter("simulcast.segments.processed",
		metric.WithDescription("Total segments released by the SegmentQueue, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SchedulerRetries, err = m.Int64Counter("simulcast.scheduler.retries",
		metric.WithDescription("Total Scheduler retry attempts after a response timeout."),
	); err != nil {
		return nil, err
	}
	if met.SoftErrors, err = m.Int64Counter("simulcast.protocol.soft_errors",
		metric.WithDescription("Total Protocol.Transient errors absorbed without failing the session."),
	); err != nil {
		return nil, err
	}
	if met.VADSpeechEvents, err = m.Int64Counter("simulcast.vad.speech_events",
		metric.WithDescription("Total VAD SpeechStart/SpeechEnd events."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("simulcast.segments.dropped",
		metric.WithDescription("Total segments dropped (queue full or below min_speech_ms)."),
	); err != nil {
		return nil, err
	}

	if met.InFlightResponses, err = m.Int64UpDownCounter("simulcast.scheduler.in_flight",
		metric.WithDescription("Number of in-flight ResponseRequests. Must never exceed 1."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("simulcast.playback.queue_depth",
		metric.WithDescription("Number of PlaybackChunks waiting to be rendered."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("simulcast.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordSegmentOutcome is a convenience method recording a segment-processed
// counter increment with the standard attribute set.
func (m *Metrics) RecordSegmentOutcome(ctx context.Context, outcome string) {
	m.SegmentsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordVADEvent is a convenience method recording a VAD speech-event
// counter increment.
func (m *Metrics) RecordVADEvent(ctx context.Context, event string) {
	m.VADSpeechEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
