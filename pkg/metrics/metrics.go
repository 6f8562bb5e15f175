// Package metrics records OpenTelemetry instruments for the relay and
// exports them via a Prometheus bridge.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/lokutor-ai/lokutor-relay"

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every instrument the relay records against.
type Metrics struct {
	RecognizeDuration  metric.Float64Histogram
	TranslateDuration  metric.Float64Histogram
	SynthesizeDuration metric.Float64Histogram
	PipelineDuration   metric.Float64Histogram

	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	ChunksDropped    metric.Int64Counter

	ActiveSessions     metric.Int64UpDownCounter
	ActiveParticipants metric.Int64UpDownCounter
}

// New creates a fully initialized Metrics using mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.RecognizeDuration, err = m.Float64Histogram("lokutor_relay.recognize.duration",
		metric.WithDescription("Latency of speech-to-text recognition."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("lokutor_relay.translate.duration",
		metric.WithDescription("Latency of text translation."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.SynthesizeDuration, err = m.Float64Histogram("lokutor_relay.synthesize.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("lokutor_relay.pipeline.duration",
		metric.WithDescription("End-to-end utterance-to-delivery latency."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("lokutor_relay.provider.requests",
		metric.WithDescription("Total external provider calls by provider, op, and status.")); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("lokutor_relay.provider.errors",
		metric.WithDescription("Total external provider errors by provider, op, and class.")); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("lokutor_relay.tts_cache.hits",
		metric.WithDescription("TTS cache hits.")); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("lokutor_relay.tts_cache.misses",
		metric.WithDescription("TTS cache misses.")); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("lokutor_relay.ingest.chunks_dropped",
		metric.WithDescription("PCM chunks dropped by the Ingest Stream due to backpressure.")); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("lokutor_relay.active_sessions",
		metric.WithDescription("Number of live sessions.")); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("lokutor_relay.active_participants",
		metric.WithDescription("Number of connected participants across all calls.")); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordProviderRequest increments ProviderRequests with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, op, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
		attribute.String("status", status),
	))
}

// RecordProviderError increments ProviderErrors with the standard attribute
// set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, op, class string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
		attribute.String("class", class),
	))
}

// InitProvider initializes the OTel metrics SDK with a Prometheus exporter
// bridge so instruments created against mp are scrapeable at /metrics.
// Returns a shutdown function to call during graceful shutdown.
func InitProvider(ctx context.Context, serviceName string) (mp metric.MeterProvider, shutdown func(context.Context) error, err error) {
	if serviceName == "" {
		serviceName = "lokutor-relay"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(provider)

	return provider, provider.Shutdown, nil
}
