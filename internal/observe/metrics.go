// Package observe provides the observability primitives of FGZ: OpenTelemetry
// metrics for tool server connections and tool calls, tracing helpers, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]. Library code receives a [*Metrics] through
// dependency injection; [DefaultMetrics] exists for callers that have none.
// Tests should use [NewMetrics] with a dedicated [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all FGZ metrics.
const meterName = "github.com/Bellamy509/FGZ"

// Metrics holds all OpenTelemetry instruments of the application. The OTel
// types handle their own synchronisation.
type Metrics struct {
	// ToolCallDuration tracks tool call latency. Attributes: server, tool, status.
	ToolCallDuration metric.Float64Histogram

	// ToolCalls counts tool invocations. Attributes: server, tool, status.
	ToolCalls metric.Int64Counter

	// ConnectDuration tracks how long connect plus discovery took.
	// Attributes: server, transport, status.
	ConnectDuration metric.Float64Histogram

	// ConnectFailures counts failed connects. Attributes: server, reason.
	ConnectFailures metric.Int64Counter

	// ActiveClients tracks clients currently in the manager registry.
	ActiveClients metric.Int64UpDownCounter

	// DiscoveredTools tracks the number of tools exposed across all
	// connected clients.
	DiscoveredTools metric.Int64UpDownCounter

	// IdleDisconnects counts transports closed by the idle timer.
	IdleDisconnects metric.Int64Counter

	// HTTPRequestDuration tracks API latency. Attributes: method, route.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for tool calls
// and cold starts of child processes.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 90,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCallDuration, err = m.Float64Histogram("fgz.tool_call.duration",
		metric.WithDescription("Latency of MCP tool calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("fgz.tool.calls",
		metric.WithDescription("Total tool invocations by server, tool and status."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("fgz.connect.duration",
		metric.WithDescription("Latency of transport open plus tool discovery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectFailures, err = m.Int64Counter("fgz.connect.failures",
		metric.WithDescription("Total failed connects by server and reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveClients, err = m.Int64UpDownCounter("fgz.active_clients",
		metric.WithDescription("Number of clients in the manager registry."),
	); err != nil {
		return nil, err
	}
	if met.DiscoveredTools, err = m.Int64UpDownCounter("fgz.discovered_tools",
		metric.WithDescription("Number of tools discovered on connected servers."),
	); err != nil {
		return nil, err
	}
	if met.IdleDisconnects, err = m.Int64Counter("fgz.idle_disconnects",
		metric.WithDescription("Total transports closed after the idle window."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("fgz.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a lazily created [Metrics] on the global
// [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records one tool call with its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, server, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordConnect records one connect attempt. reason is empty on success.
func (m *Metrics) RecordConnect(ctx context.Context, server, transport, reason string, d time.Duration) {
	status := "ok"
	if reason != "" {
		status = "error"
		m.ConnectFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("reason", reason),
		))
	}
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("transport", transport),
		attribute.String("status", status),
	))
}

// RecordIdleDisconnect counts one idle disconnect of server.
func (m *Metrics) RecordIdleDisconnect(ctx context.Context, server string) {
	m.IdleDisconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}
