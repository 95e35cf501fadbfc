// Package obs bridges the engine's internal eventbus to OpenTelemetry
// traces/metrics and, optionally, a Redis Pub/Sub fan-out for external
// dashboards. None of this package participates in scheduling decisions;
// it is pure observability, grounded on gomind/pkg/telemetry's
// zero-configuration OTEL setup.
package obs

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the tracer/meter used for one orchestration run.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	meter  metric.Meter

	batchesStarted   metric.Int64Counter
	specsCompleted   metric.Int64Counter
	specsFailed      metric.Int64Counter
	rateLimitSignals metric.Int64Counter
	parallelCurrent  metric.Int64UpDownCounter
}

// NewProvider configures tracing/metrics for runID. When otlpEndpoint is
// empty, BATCHORCH_OTLP_ENDPOINT is used instead; when both are empty,
// spans are written to stdout (development default); otherwise they are
// shipped via OTLP/gRPC.
func NewProvider(ctx context.Context, runID, otlpEndpoint string) (*Provider, error) {
	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(
			semconv.ServiceNameKey.String("batchorchd"),
			attribute.String("batchorch.run_id", runID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: build resource: %w", err)
	}

	tp, err := buildTracerProvider(ctx, res, otlpEndpoint)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	meter := otel.GetMeterProvider().Meter("batchorch")

	p := &Provider{tp: tp, tracer: tp.Tracer("batchorch/engine"), meter: meter}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func buildTracerProvider(ctx context.Context, res *sdkresource.Resource, otlpEndpoint string) (*sdktrace.TracerProvider, error) {
	if otlpEndpoint == "" {
		otlpEndpoint = os.Getenv("BATCHORCH_OTLP_ENDPOINT")
	}
	if otlpEndpoint == "" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("obs: stdout exporter: %w", err)
		}
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		), nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: otlp exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.batchesStarted, err = p.meter.Int64Counter("batchorch.batches.started"); err != nil {
		return err
	}
	if p.specsCompleted, err = p.meter.Int64Counter("batchorch.specs.completed"); err != nil {
		return err
	}
	if p.specsFailed, err = p.meter.Int64Counter("batchorch.specs.failed"); err != nil {
		return err
	}
	if p.rateLimitSignals, err = p.meter.Int64Counter("batchorch.rate_limit.signals"); err != nil {
		return err
	}
	if p.parallelCurrent, err = p.meter.Int64UpDownCounter("batchorch.rategate.effective_parallel"); err != nil {
		return err
	}
	return nil
}

// StartSpan opens a span named name as a child of ctx's span, if any.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and releases exporter resources. Call once per run.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}
