package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName      = "github.com/yuuki/actorvm"
	exportInterval = 10 * time.Second
)

// Metrics contains all the metrics instruments for a worker.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	// Message pool
	bulkAllocCounter metric.Int64Counter
	leasedMessages   metric.Int64UpDownCounter

	// Scheduler
	dispatchedCounter metric.Int64Counter
	instrErrorCounter metric.Int64Counter
	instrLatencyHisto metric.Float64Histogram

	// Transport
	sentCounter           metric.Int64Counter
	receivedCounter       metric.Int64Counter
	transportErrorCounter metric.Int64Counter
}

// NewMetrics creates a new metrics instance exporting over OTLP to collectorAddr.
// collectorAddr is host:port (gRPC, insecure) or a URL whose scheme is one of
// grpc, grpcs, http or https.
func NewMetrics(ctx context.Context, workerID, collectorAddr string) (*Metrics, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	exporter, err := newExporter(ctx, scheme, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter for %s://%s: %w", scheme, endpoint, err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("actorvm-worker"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(workerID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter(meterName))
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	m.provider = provider
	return m, nil
}

// parseCollectorAddr splits collectorAddr into a lower-case scheme and a
// host:port endpoint. A bare host:port means grpc.
func parseCollectorAddr(collectorAddr string) (string, string, error) {
	if !strings.Contains(collectorAddr, "://") {
		if _, _, err := net.SplitHostPort(collectorAddr); err != nil {
			return "", "", fmt.Errorf("invalid otel collector address %q: %w", collectorAddr, err)
		}
		return "grpc", collectorAddr, nil
	}

	u, err := url.Parse(collectorAddr)
	if err != nil {
		return "", "", fmt.Errorf("invalid otel collector address %q: %w", collectorAddr, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("otel collector address %q has no host", collectorAddr)
	}
	return strings.ToLower(u.Scheme), u.Host, nil
}

func newExporter(ctx context.Context, scheme, endpoint string) (sdkmetric.Exporter, error) {
	switch scheme {
	case "grpc", "grpcs":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
		if scheme == "grpc" {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case "http", "https":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if scheme == "http" {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme %q (use grpc, grpcs, http or https)", scheme)
	}
}

// NewMetricsWithProvider builds the instruments on an existing meter provider.
// The caller keeps ownership of the provider.
func NewMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	return newMetrics(provider.Meter(meterName))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.bulkAllocCounter, err = meter.Int64Counter(
		"actorvm.msgpool.bulk_allocations",
		metric.WithDescription("Number of registered memory regions allocated by the message pool"),
		metric.WithUnit("{region}"),
	); err != nil {
		return nil, err
	}
	if m.leasedMessages, err = meter.Int64UpDownCounter(
		"actorvm.msgpool.leased",
		metric.WithDescription("Message buffers currently leased from the pool"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if m.dispatchedCounter, err = meter.Int64Counter(
		"actorvm.vm.dispatched",
		metric.WithDescription("Instructions dispatched by the scheduler"),
		metric.WithUnit("{instruction}"),
	); err != nil {
		return nil, err
	}
	if m.instrErrorCounter, err = meter.Int64Counter(
		"actorvm.vm.errors",
		metric.WithDescription("Instructions whose body returned an error"),
		metric.WithUnit("{instruction}"),
	); err != nil {
		return nil, err
	}
	if m.instrLatencyHisto, err = meter.Float64Histogram(
		"actorvm.vm.latency",
		metric.WithDescription("Time from submission to completion in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.sentCounter, err = meter.Int64Counter(
		"actorvm.transport.sent",
		metric.WithDescription("Actor messages posted for sending"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if m.receivedCounter, err = meter.Int64Counter(
		"actorvm.transport.received",
		metric.WithDescription("Actor messages received"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if m.transportErrorCounter, err = meter.Int64Counter(
		"actorvm.transport.errors",
		metric.WithDescription("Fatal queue pair errors"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordBulkAllocation records one bulk allocation of a registered region
func (m *Metrics) RecordBulkAllocation(ctx context.Context) {
	if m == nil {
		return
	}
	m.bulkAllocCounter.Add(ctx, 1)
}

// RecordLease adjusts the number of leased message buffers by delta
func (m *Metrics) RecordLease(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.leasedMessages.Add(ctx, delta)
}

// RecordInstruction records a completed instruction and its latency
func (m *Metrics) RecordInstruction(ctx context.Context, latency time.Duration, failed bool, attributes ...metric.AddOption) {
	if m == nil {
		return
	}
	m.dispatchedCounter.Add(ctx, 1, attributes...)
	if failed {
		m.instrErrorCounter.Add(ctx, 1, attributes...)
	}
	m.instrLatencyHisto.Record(ctx, float64(latency.Nanoseconds())/1_000_000.0)
}

// RecordSent records a message posted for sending
func (m *Metrics) RecordSent(ctx context.Context, attributes ...metric.AddOption) {
	if m == nil {
		return
	}
	m.sentCounter.Add(ctx, 1, attributes...)
}

// RecordReceived records a received message
func (m *Metrics) RecordReceived(ctx context.Context, attributes ...metric.AddOption) {
	if m == nil {
		return
	}
	m.receivedCounter.Add(ctx, 1, attributes...)
}

// RecordTransportError records a fatal queue pair error
func (m *Metrics) RecordTransportError(ctx context.Context, attributes ...metric.AddOption) {
	if m == nil {
		return
	}
	m.transportErrorCounter.Add(ctx, 1, attributes...)
}

// Shutdown stops the metrics provider if this instance owns one
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
