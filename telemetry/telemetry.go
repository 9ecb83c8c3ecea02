// Package telemetry wires up the router's metrics and tracing providers,
// following cmd/gateway/main.go's initTelemetry: a Prometheus exporter is
// always installed as a metric reader, and an OTLP gRPC exporter is added
// for metrics and/or traces when an endpoint is configured.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName identifies this process in exported telemetry resources.
const ServiceName = "gocbrouter"

// Options configures Setup. OTLPEndpoint left empty disables OTLP export
// entirely; metrics still flow to the always-on Prometheus reader.
type Options struct {
	Logger *zap.Logger

	OTLPEndpoint    string
	EnableTraces    bool
	EnableMetrics   bool
	TraceEverything bool
}

// Providers holds the constructed SDK providers. TracerProvider is nil when
// tracing was not enabled, matching the shutdown-is-a-no-op caller pattern.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// Shutdown flushes and tears down whichever providers were constructed.
func (p *Providers) Shutdown(ctx context.Context) {
	if p.TracerProvider != nil {
		_ = p.TracerProvider.Shutdown(ctx)
	}
	if p.MeterProvider != nil {
		_ = p.MeterProvider.Shutdown(ctx)
	}
}

// Setup builds the tracer and meter providers described by opts. A
// Prometheus reader is always attached to the meter provider; the caller is
// responsible for serving its registry over HTTP (see Server in this
// package, or an embedding cmd's own mux).
func Setup(ctx context.Context, opts Options) (*Providers, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
		),
	)
	if err != nil {
		if res == nil {
			return nil, err
		}
		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !opts.EnableMetrics || opts.OTLPEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(opts.OTLPEndpoint))
		if err != nil {
			return nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if opts.EnableTraces && opts.OTLPEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(opts.OTLPEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, err
		}

		baseSampler := sdktrace.NeverSample()
		if opts.TraceEverything {
			baseSampler = sdktrace.AlwaysSample()
		}

		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseSampler)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExp)),
		)
	}

	return &Providers{TracerProvider: tracerProvider, MeterProvider: meterProvider}, nil
}
