// Package observe provides application-wide observability primitives for
// Scribeflow: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Scribeflow metrics.
const meterName = "github.com/MrWong99/scribeflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation. The convenience methods tolerate a nil receiver
// so pipeline components can treat metrics as optional.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks per-frame speech recognition latency.
	InferenceDuration metric.Float64Histogram

	// ModelLoadDuration tracks whisper model load time.
	ModelLoadDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksProcessed counts audio frames that reached the inference stage.
	ChunksProcessed metric.Int64Counter

	// ResultsFiltered counts recognition results rejected by the stability
	// filter. Use with attribute: attribute.String("reason", ...)
	ResultsFiltered metric.Int64Counter

	// SaveAttempts counts transcript delta persistence attempts. Use with
	// attribute: attribute.String("status", ...)
	SaveAttempts metric.Int64Counter

	// EngineRestarts counts automatic restarts of the cloud engine after
	// transient failures.
	EngineRestarts metric.Int64Counter

	// VoiceCommands counts recognized voice commands. Use with attribute:
	//   attribute.String("command", ...)
	VoiceCommands metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live dictation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// batch whisper inference on 5-second frames.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InferenceDuration, err = m.Float64Histogram("scribeflow.inference.duration",
		metric.WithDescription("Latency of per-frame speech recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("scribeflow.model_load.duration",
		metric.WithDescription("Whisper model load time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksProcessed, err = m.Int64Counter("scribeflow.chunks.processed",
		metric.WithDescription("Audio frames that reached the inference stage."),
	); err != nil {
		return nil, err
	}
	if met.ResultsFiltered, err = m.Int64Counter("scribeflow.results.filtered",
		metric.WithDescription("Recognition results rejected by the stability filter, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SaveAttempts, err = m.Int64Counter("scribeflow.saves.attempts",
		metric.WithDescription("Transcript delta persistence attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.EngineRestarts, err = m.Int64Counter("scribeflow.engine.restarts",
		metric.WithDescription("Automatic cloud engine restarts after transient failures."),
	); err != nil {
		return nil, err
	}
	if met.VoiceCommands, err = m.Int64Counter("scribeflow.voice_commands",
		metric.WithDescription("Recognized voice commands by name."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("scribeflow.active_sessions",
		metric.WithDescription("Number of live dictation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("scribeflow.http.request.duration",
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

func statusAttr(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("status", "ok")
	}
	return attribute.String("status", "error")
}

// RecordInference records one inference duration with its outcome.
func (m *Metrics) RecordInference(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.InferenceDuration.Record(ctx, d.Seconds(), metric.WithAttributes(statusAttr(ok)))
}

// RecordModelLoad records one model load duration with its outcome.
func (m *Metrics) RecordModelLoad(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.ModelLoadDuration.Record(ctx, d.Seconds(), metric.WithAttributes(statusAttr(ok)))
}

// ChunkProcessed increments the processed frame counter.
func (m *Metrics) ChunkProcessed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ChunksProcessed.Add(ctx, 1)
}

// ResultFiltered increments the filtered result counter for a reason.
func (m *Metrics) ResultFiltered(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ResultsFiltered.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// SaveAttempt increments the persistence attempt counter with its outcome.
func (m *Metrics) SaveAttempt(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.SaveAttempts.Add(ctx, 1, metric.WithAttributes(statusAttr(ok)))
}

// EngineRestart increments the cloud engine restart counter.
func (m *Metrics) EngineRestart(ctx context.Context) {
	if m == nil {
		return
	}
	m.EngineRestarts.Add(ctx, 1)
}

// VoiceCommand increments the voice command counter for a command name.
func (m *Metrics) VoiceCommand(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.VoiceCommands.Add(ctx, 1, metric.WithAttributes(Attr("command", name)))
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
