// Package observability provides OpenTelemetry-based tracing and RED
// metrics for the governance engine. It is deliberately lighter than a
// full collector setup: the engine runs inside someone else's process, so
// every exporter is optional and disabled by default.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	Endpoint string
	Enabled  bool
	Insecure bool
}

// Provider exposes a tracer, meter, and the RED metrics the governance
// components share.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	decisionCounter  metric.Int64Counter
	auditFlushCount  metric.Int64Counter
	auditBufferGauge metric.Int64UpDownCounter
	durationHist     metric.Float64Histogram
}

// New creates a Provider. When cfg.Enabled is false, every method is a
// harmless no-op so components don't need to branch on whether telemetry
// is configured.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if !cfg.Enabled {
		p.tracer = otel.Tracer("clawforge.sentinel")
		p.meter = otel.Meter("clawforge.sentinel")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("clawforge-sentinel"),
			attribute.String("sentinel.component", "governance-engine"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: building resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}

	p.tracer = otel.Tracer("clawforge.sentinel")
	p.meter = otel.Meter("clawforge.sentinel")

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("observability: metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized", "endpoint", cfg.Endpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.Endpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.Endpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	p.decisionCounter, err = p.meter.Int64Counter("clawforge.enforcer.decisions",
		metric.WithDescription("Tool-call authorization decisions"), metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.auditFlushCount, err = p.meter.Int64Counter("clawforge.audit.flushes",
		metric.WithDescription("Audit pipeline flush attempts"), metric.WithUnit("{flush}"))
	if err != nil {
		return err
	}
	p.auditBufferGauge, err = p.meter.Int64UpDownCounter("clawforge.audit.buffer_length",
		metric.WithDescription("Current in-memory audit buffer length"), metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("clawforge.request.duration",
		metric.WithDescription("Background task round-trip duration"), metric.WithUnit("s"))
	return err
}

// StartSpan starts a span; a no-op tracer is used when telemetry is disabled.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}

// RecordDecision increments the Enforcer decision counter.
func (p *Provider) RecordDecision(ctx context.Context, outcome, reason string) {
	if p.decisionCounter == nil {
		return
	}
	p.decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	))
}

// RecordAuditFlush increments the flush counter and sets the buffer gauge delta.
func (p *Provider) RecordAuditFlush(ctx context.Context, outcome string, bufferDelta int64) {
	if p.auditFlushCount != nil {
		p.auditFlushCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if p.auditBufferGauge != nil && bufferDelta != 0 {
		p.auditBufferGauge.Add(ctx, bufferDelta)
	}
}

// TrackDuration records how long a background task round-trip took.
func (p *Provider) TrackDuration(ctx context.Context, task string, d time.Duration) {
	if p.durationHist == nil {
		return
	}
	p.durationHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("task", task)))
}

// Shutdown drains exporters. Safe to call even when telemetry is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}
