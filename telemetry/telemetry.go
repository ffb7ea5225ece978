// Package telemetry provides OpenTelemetry tracing and metrics for
// executions and WAL appends.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/goliatone/go-intent"

var (
	AttrIntentType  = attribute.Key("intent.type")
	AttrTenantID    = attribute.Key("intent.tenant_id")
	AttrExecutionID = attribute.Key("intent.execution_id")
	AttrStatus      = attribute.Key("intent.status")
	AttrErrorKind   = attribute.Key("intent.error_kind")
	AttrWALKind     = attribute.Key("intent.wal.kind")
	AttrAdmitted    = attribute.Key("intent.admitted")
)

// Config configures the OTLP exporters.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ServiceName:    "intentd",
		ServiceVersion: "0.1.0",
		Endpoint:       "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

// Provider owns the tracer and the execution instruments. A nil Provider
// is valid and records nothing.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	executions      metric.Int64Counter
	executionErrors metric.Int64Counter
	duration        metric.Float64Histogram
	active          metric.Int64UpDownCounter
	walAppends      metric.Int64Counter
	walFailures     metric.Int64Counter
	admissions      metric.Int64Counter
}

// New sets up OTLP gRPC exporters. When cfg.Enabled is false the returned
// provider uses no-op instruments.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return NewWithProviders(noop.NewTracerProvider(), nil)
	}
	def := DefaultConfig()
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = def.MetricInterval
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(cfg.MetricInterval),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := NewWithProviders(tp, mp)
	if err != nil {
		return nil, err
	}
	p.tracerProvider = tp
	p.meterProvider = mp
	return p, nil
}

// NewWithProviders builds a Provider on caller owned providers. A nil
// meter provider falls back to the global one.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	p := &Provider{
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
	}
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (p *Provider) initInstruments() error {
	var err error
	if p.executions, err = p.meter.Int64Counter("intent.executions.total",
		metric.WithDescription("Executions that reached a terminal status"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return err
	}
	if p.executionErrors, err = p.meter.Int64Counter("intent.executions.errors",
		metric.WithDescription("Executions that ended failed or cancelled"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("intent.execution.duration",
		metric.WithDescription("Handler execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	); err != nil {
		return err
	}
	if p.active, err = p.meter.Int64UpDownCounter("intent.executions.active",
		metric.WithDescription("Executions currently running"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return err
	}
	if p.walAppends, err = p.meter.Int64Counter("intent.wal.appends",
		metric.WithDescription("WAL entries appended"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return err
	}
	if p.walFailures, err = p.meter.Int64Counter("intent.wal.failures",
		metric.WithDescription("WAL appends that failed"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return err
	}
	if p.admissions, err = p.meter.Int64Counter("intent.admissions",
		metric.WithDescription("Admission decisions by tenant"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes exporters owned by the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// ExecutionAttrs builds the common attribute set for an execution.
func ExecutionAttrs(executionID, intentType, tenantID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrExecutionID.String(executionID),
		AttrIntentType.String(intentType),
		AttrTenantID.String(tenantID),
	}
}

// TrackExecution starts a span for one handler run and returns the
// function that closes it with the terminal status.
func (p *Provider) TrackExecution(ctx context.Context, executionID, intentType, tenantID string) (context.Context, func(status, errorKind string, err error)) {
	if p == nil {
		return ctx, func(string, string, error) {}
	}
	start := time.Now()
	attrs := ExecutionAttrs(executionID, intentType, tenantID)
	ctx, span := p.Tracer().Start(ctx, "intent.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	metricAttrs := metric.WithAttributes(AttrIntentType.String(intentType), AttrTenantID.String(tenantID))
	p.active.Add(ctx, 1, metricAttrs)

	return ctx, func(status, errorKind string, err error) {
		p.active.Add(ctx, -1, metricAttrs)
		statusAttrs := metric.WithAttributes(
			AttrIntentType.String(intentType),
			AttrTenantID.String(tenantID),
			AttrStatus.String(status),
		)
		p.executions.Add(ctx, 1, statusAttrs)
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(AttrIntentType.String(intentType)))

		span.SetAttributes(AttrStatus.String(status))
		if errorKind != "" {
			span.SetAttributes(AttrErrorKind.String(errorKind))
			p.executionErrors.Add(ctx, 1, metric.WithAttributes(
				AttrIntentType.String(intentType),
				AttrErrorKind.String(errorKind),
			))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, errorKind)
		}
		span.End()
	}
}

// RecordWALAppend counts one append attempt by entry kind.
func (p *Provider) RecordWALAppend(ctx context.Context, kind string, err error) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(AttrWALKind.String(kind))
	if err != nil {
		p.walFailures.Add(ctx, 1, attrs)
		trace.SpanFromContext(ctx).AddEvent("wal.append.failed", trace.WithAttributes(AttrWALKind.String(kind)))
		return
	}
	p.walAppends.Add(ctx, 1, attrs)
}

// RecordAdmission counts admission decisions.
func (p *Provider) RecordAdmission(ctx context.Context, tenantID string, admitted bool) {
	if p == nil {
		return
	}
	p.admissions.Add(ctx, 1, metric.WithAttributes(
		AttrTenantID.String(tenantID),
		AttrAdmitted.Bool(admitted),
	))
}
