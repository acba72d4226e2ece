// Package otelx wraps OpenTelemetry trace and metric provider setup,
// wiring the daemon's tick spans (internal/coordinator's global tracer,
// installed here via otel.SetTracerProvider) and the budget tracker's
// token counters to a real exporter when configured, and to a no-op
// provider otherwise. Attributes carry pilot's
// task/session/budget domain.
package otelx

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/pilot-run/pilot/internal/budget"
)

const (
	tracerName = "github.com/pilot-run/pilot"
	meterName  = "github.com/pilot-run/pilot"
)

// Config selects the exporter backing a Provider.
type Config struct {
	// Exporter is one of "otlp-http" (default when Endpoint is set),
	// "stdout", or "none". Empty with an empty Endpoint disables
	// telemetry entirely (Setup returns a no-op Provider).
	Exporter    string
	Endpoint    string
	ServiceName string
}

// Provider owns the trace/metric SDK objects and the instruments the
// rest of pilot records against.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  metric.MeterProvider
	reader         *sdkmetric.ManualReader

	tracer trace.Tracer
	meter  metric.Meter

	tokensCounter metric.Int64Counter
	costHistogram metric.Float64Histogram

	shutdown func(context.Context) error
}

// Setup builds a Provider from cfg. An empty Endpoint and Exporter
// disables telemetry: Setup returns a Provider backed by the no-op
// trace/metric SDKs, so every call site can instrument unconditionally.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" && cfg.Exporter == "" {
		return noopProvider(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "pilot"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("otelx: build resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otelx: create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)
	tokensCounter, err := meter.Int64Counter("pilot.budget.tokens",
		metric.WithDescription("tokens recorded by the budget tracker"))
	if err != nil {
		return nil, fmt.Errorf("otelx: create tokens counter: %w", err)
	}
	costHistogram, err := meter.Float64Histogram("pilot.cost.usd",
		metric.WithDescription("per-publish cost summary in USD"))
	if err != nil {
		return nil, fmt.Errorf("otelx: create cost histogram: %w", err)
	}

	return &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		reader:         reader,
		tracer:         tp.Tracer(tracerName),
		meter:          meter,
		tokensCounter:  tokensCounter,
		costHistogram:  costHistogram,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

func noopProvider() *Provider {
	return &Provider{
		tracer:        nooptrace.NewTracerProvider().Tracer(tracerName),
		meterProvider: noop.NewMeterProvider(),
		meter:         noop.NewMeterProvider().Meter(meterName),
		tokensCounter: noop.Int64Counter{},
		costHistogram: noop.Float64Histogram{},
		shutdown:      func(context.Context) error { return nil },
	}
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type noopExporter struct{}

func (e *noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (e *noopExporter) Shutdown(context.Context) error                            { return nil }

// Tracer returns the provider's tracer; coordinator.Daemon.Tick uses the
// global tracer installed by Setup instead, so this is for components
// that start their own sub-spans explicitly.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordTokens implements budget.Recorder.
func (p *Provider) RecordTokens(taskID, sessionID string, tokens int64, status budget.Status) {
	p.tokensCounter.Add(context.Background(), tokens, metric.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("session_id", sessionID),
		attribute.String("status", string(status)),
	))
}

// Publish implements coordinator.CostPublisher: records a cost-summary
// histogram observation for the task/session pair.
func (p *Provider) Publish(ctx context.Context, summary budget.CheckResult, taskID, sessionID string) error {
	p.costHistogram.Record(ctx, float64(summary.TaskTokens), metric.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("session_id", sessionID),
		attribute.String("status", string(summary.Status)),
	))
	return nil
}

// CollectSnapshot pulls the ManualReader's current aggregation. Only a
// trace exporter is configured here, so a periodic caller (cmd/pilot's
// daemon loop) logs the snapshot itself rather than an OTel-native
// metrics backend receiving it directly.
func (p *Provider) CollectSnapshot(ctx context.Context) (metricdata.ResourceMetrics, error) {
	if p.reader == nil {
		return metricdata.ResourceMetrics{}, nil
	}
	var rm metricdata.ResourceMetrics
	err := p.reader.Collect(ctx, &rm)
	return rm, err
}

// Shutdown flushes and releases the provider's SDK resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
