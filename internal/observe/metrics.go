// Package observe provides the observability primitives for wyostream:
// OpenTelemetry metric instruments and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter is installed by [InitProvider] so that metrics can be scraped via
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all wyostream metrics.
const meterName = "github.com/mvarner/wyostream"

// Metrics holds all OpenTelemetry metric instruments for the streaming core.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ChunksSent counts audio chunks handed to the transport.
	ChunksSent metric.Int64Counter

	// BytesSent counts audio payload bytes handed to the transport.
	BytesSent metric.Int64Counter

	// ChunksBuffered counts chunks diverted to the disconnection buffer.
	ChunksBuffered metric.Int64Counter

	// ChunksDropped counts chunks discarded because the buffer was full.
	ChunksDropped metric.Int64Counter

	// Reconnects counts scheduled reconnect attempts.
	Reconnects metric.Int64Counter

	// ConnectDuration tracks how long it takes to reach an open connection.
	ConnectDuration metric.Float64Histogram

	// FlushDuration tracks how long post-reconnect buffer flushes take.
	FlushDuration metric.Float64Histogram
}

// NewMetrics creates all instruments on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.ChunksSent, err = meter.Int64Counter("wyostream_chunks_sent_total",
		metric.WithDescription("Audio chunks handed to the transport"),
	); err != nil {
		return nil, err
	}
	if m.BytesSent, err = meter.Int64Counter("wyostream_bytes_sent_total",
		metric.WithDescription("Audio payload bytes handed to the transport"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.ChunksBuffered, err = meter.Int64Counter("wyostream_chunks_buffered_total",
		metric.WithDescription("Chunks diverted to the disconnection buffer"),
	); err != nil {
		return nil, err
	}
	if m.ChunksDropped, err = meter.Int64Counter("wyostream_chunks_dropped_total",
		metric.WithDescription("Chunks discarded because the buffer was full"),
	); err != nil {
		return nil, err
	}
	if m.Reconnects, err = meter.Int64Counter("wyostream_reconnects_total",
		metric.WithDescription("Scheduled reconnect attempts"),
	); err != nil {
		return nil, err
	}
	if m.ConnectDuration, err = meter.Float64Histogram("wyostream_connect_duration_seconds",
		metric.WithDescription("Time to reach an open connection"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.FlushDuration, err = meter.Float64Histogram("wyostream_flush_duration_seconds",
		metric.WithDescription("Post-reconnect buffer flush duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns the package-level [Metrics] built on the global
// meter provider. Instruments are no-ops until [InitProvider] (or another
// global provider) is installed.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// A real provider failing instrument creation leaves metrics
			// disabled rather than crashing the stream.
			m, _ = NewMetrics(noop.NewMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
