// Package observe provides application-wide observability primitives for
// umebot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all umebot metrics.
const meterName = "github.com/Eden-sudo/umebot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ResponseDuration tracks end-to-end input processing time, from the
	// moment an input is accepted until the spoken reply finishes. Use with
	// attribute: attribute.String("source", ...)
	ResponseDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Inputs counts user inputs by outcome. Use with attributes:
	//   attribute.String("source", ...), attribute.String("status", ...)
	// where status is "processed" or "dropped_busy".
	Inputs metric.Int64Counter

	// Transcripts counts recognition results. Use with attribute:
	//   attribute.String("kind", ...) — "partial" or "final".
	Transcripts metric.Int64Counter

	// VelocityCommands counts velocity commands sent to the robot base.
	VelocityCommands metric.Int64Counter

	// EmergencyStops counts hardware emergency stop triggers.
	EmergencyStops metric.Int64Counter

	// --- Gauges ---

	// ConnectedClients tracks the number of connected tablet clients.
	ConnectedClients metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// a voice round trip: recognition, completion and speech playback.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ResponseDuration, err = m.Float64Histogram("umebot.response.duration",
		metric.WithDescription("End-to-end latency from accepted input to finished speech."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Inputs, err = m.Int64Counter("umebot.inputs",
		metric.WithDescription("User inputs by source and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("umebot.transcripts",
		metric.WithDescription("Recognition results by kind."),
	); err != nil {
		return nil, err
	}
	if met.VelocityCommands, err = m.Int64Counter("umebot.motion.velocity_commands",
		metric.WithDescription("Velocity commands sent to the robot base."),
	); err != nil {
		return nil, err
	}
	if met.EmergencyStops, err = m.Int64Counter("umebot.motion.emergency_stops",
		metric.WithDescription("Hardware emergency stop triggers."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ConnectedClients, err = m.Int64UpDownCounter("umebot.gateway.clients",
		metric.WithDescription("Currently connected tablet clients."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance backed by the
// global OTel meter provider. The instance is created lazily on first use.
// Instrument creation against the global provider cannot fail.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// The no-op and SDK providers never fail instrument creation;
			// fall back to an empty instance rather than panic.
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr is shorthand for a string attribute.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordResponse records one completed input round trip.
func (m *Metrics) RecordResponse(ctx context.Context, source string, elapsed time.Duration) {
	if m.ResponseDuration == nil {
		return
	}
	m.ResponseDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(Attr("source", source)))
}

// RecordInput counts one user input with its outcome status.
func (m *Metrics) RecordInput(ctx context.Context, source, status string) {
	if m.Inputs == nil {
		return
	}
	m.Inputs.Add(ctx, 1,
		metric.WithAttributes(Attr("source", source), Attr("status", status)))
}

// RecordTranscript counts one recognition result of the given kind.
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	if m.Transcripts == nil {
		return
	}
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordVelocityCommand counts one velocity command.
func (m *Metrics) RecordVelocityCommand(ctx context.Context) {
	if m.VelocityCommands == nil {
		return
	}
	m.VelocityCommands.Add(ctx, 1)
}

// RecordEmergencyStop counts one hardware emergency stop.
func (m *Metrics) RecordEmergencyStop(ctx context.Context) {
	if m.EmergencyStops == nil {
		return
	}
	m.EmergencyStops.Add(ctx, 1)
}

// ClientConnected bumps the connected-clients gauge.
func (m *Metrics) ClientConnected(ctx context.Context) {
	if m.ConnectedClients == nil {
		return
	}
	m.ConnectedClients.Add(ctx, 1)
}

// ClientDisconnected decrements the connected-clients gauge.
func (m *Metrics) ClientDisconnected(ctx context.Context) {
	if m.ConnectedClients == nil {
		return
	}
	m.ConnectedClients.Add(ctx, -1)
}
