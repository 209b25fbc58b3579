// Package observability provides OpenTelemetry tracing and RED metrics for
// the rewards service.
package observability

import (
	"context"
	"errors"
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

const instrumentationName = "rewards.claims"

// Config configures the OTLP exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC, e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "rewardsd",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider records claim spans and metrics.
type Provider struct {
	tracer   trace.Tracer
	shutdown []func(context.Context) error
	logger   *slog.Logger

	operations    metric.Int64Counter
	failures      metric.Int64Counter
	duration      metric.Float64Histogram
	inflight      metric.Int64UpDownCounter
	claimOutcomes metric.Int64Counter
}

// New creates a provider. A disabled provider is a valid no-op: spans go to
// the global tracer and no instruments are registered.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		tracer: otel.Tracer(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	p.shutdown = append(p.shutdown, tp.Shutdown, mp.Shutdown)

	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.register(mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))); err != nil {
		return nil, fmt.Errorf("failed to register instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	), nil
}

// register creates the RED instruments and the claim outcome counter.
func (p *Provider) register(meter metric.Meter) error {
	var errs [5]error
	p.operations, errs[0] = meter.Int64Counter("rewards.operations.total",
		metric.WithDescription("Operations started"), metric.WithUnit("{operation}"))
	p.failures, errs[1] = meter.Int64Counter("rewards.errors.total",
		metric.WithDescription("Operations that returned an error"), metric.WithUnit("{error}"))
	// Claims include on-chain confirmation, so buckets reach past a minute.
	p.duration, errs[2] = meter.Float64Histogram("rewards.operation.duration",
		metric.WithDescription("Operation duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120))
	p.inflight, errs[3] = meter.Int64UpDownCounter("rewards.operations.active",
		metric.WithDescription("Operations in flight"), metric.WithUnit("{operation}"))
	p.claimOutcomes, errs[4] = meter.Int64Counter("rewards.claims.outcomes",
		metric.WithDescription("Claim results by status and reason"), metric.WithUnit("{claim}"))
	return errors.Join(errs[:]...)
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// RecordClaimOutcome counts a finished claim.
func (p *Provider) RecordClaimOutcome(ctx context.Context, status, reason string) {
	if p.claimOutcomes == nil {
		return
	}
	p.claimOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("claim.status", status),
		attribute.String("claim.reason", reason),
	))
}

// TrackOperation starts a span and RED measurements for name. The returned
// function ends them and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))

	set := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)...)
	if p.operations != nil {
		p.operations.Add(ctx, 1, set)
		p.inflight.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		defer span.End()
		if err != nil {
			span.RecordError(err)
		}
		if p.operations == nil {
			return
		}
		p.inflight.Add(ctx, -1, set)
		p.duration.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			p.failures.Add(ctx, 1, set)
		}
	}
}
