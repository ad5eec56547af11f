// Package observe provides application-wide observability primitives for
// partyhost: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all partyhost metrics.
const meterName = "github.com/MrWong99/partyhost"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long a connect attempt takes, from the
	// credential fetch to the transport handshake. Use with attribute:
	//   attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// ToolExecutionDuration tracks agent tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// TurnDuration tracks how long the push-to-talk button was held. Use with
	// attribute:
	//   attribute.String("backend", ...)
	TurnDuration metric.Float64Histogram

	// GameDuration tracks time from game start to finish. Use with attributes:
	//   attribute.String("game", ...), attribute.String("outcome", ...)
	GameDuration metric.Float64Histogram

	// --- Counters ---

	// CredentialRequests counts ephemeral key fetches. Use with attribute:
	//   attribute.String("status", ...)
	CredentialRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Turns counts push-to-talk turns. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	Turns metric.Int64Counter

	// AudioChunks counts PCM chunks forwarded by native capture.
	AudioChunks metric.Int64Counter

	// GameEvents counts lifecycle events. Use with attributes:
	//   attribute.String("game", ...), attribute.String("event", ...)
	GameEvents metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveGames tracks the number of games in progress.
	ActiveGames metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips and tool calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// longBuckets covers human-scale durations: push-to-talk turns and games.
var longBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("partyhost.session.connect.duration",
		metric.WithDescription("Latency of a connect attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("partyhost.tool_execution.duration",
		metric.WithDescription("Latency of agent tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("partyhost.ptt.turn.duration",
		metric.WithDescription("Time the push-to-talk button was held."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(longBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GameDuration, err = m.Float64Histogram("partyhost.game.duration",
		metric.WithDescription("Time from game start to finish."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(longBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CredentialRequests, err = m.Int64Counter("partyhost.credential.requests",
		metric.WithDescription("Total ephemeral key fetches by status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("partyhost.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("partyhost.ptt.turns",
		metric.WithDescription("Total push-to-talk turns by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("partyhost.audio.chunks",
		metric.WithDescription("Total PCM chunks forwarded by native capture."),
	); err != nil {
		return nil, err
	}
	if met.GameEvents, err = m.Int64Counter("partyhost.game.events",
		metric.WithDescription("Total game lifecycle events by game and event."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("partyhost.active_sessions",
		metric.WithDescription("Number of connected sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveGames, err = m.Int64UpDownCounter("partyhost.active_games",
		metric.WithDescription("Number of games in progress."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("partyhost.http.request.duration",
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

// RecordConnect records the outcome and latency of a connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCredentialRequest records an ephemeral key fetch.
func (m *Metrics) RecordCredentialRequest(ctx context.Context, status string) {
	m.CredentialRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment and its latency with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolExecutionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordTurn records a completed or failed push-to-talk turn. d is zero for
// turns that never started.
func (m *Metrics) RecordTurn(ctx context.Context, backend, status string, d time.Duration) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
	if d > 0 {
		m.TurnDuration.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.String("backend", backend)),
		)
	}
}

// RecordGameEvent records a lifecycle event for game.
func (m *Metrics) RecordGameEvent(ctx context.Context, game, event string) {
	m.GameEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("game", game),
			attribute.String("event", event),
		),
	)
}

// RecordGameDuration records the length of a finished game.
func (m *Metrics) RecordGameDuration(ctx context.Context, game, outcome string, d time.Duration) {
	m.GameDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("game", game),
			attribute.String("outcome", outcome),
		),
	)
}
