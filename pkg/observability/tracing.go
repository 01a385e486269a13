package observability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/statorio/stator/pkg/core"
)

// TracingConfig selects the span exporter and its settings
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exporter is one of jaeger, zipkin, stdout or none
	Exporter string

	// Endpoint is the collector URL for jaeger and zipkin
	Endpoint string

	// SampleRate is the trace sampling ratio in [0, 1]
	SampleRate float64
}

var (
	tracingMu       sync.Mutex
	tracerProvider  *sdktrace.TracerProvider
	tracingShutdown func(context.Context) error
)

// InitTracing installs a global tracer provider for the configured
// exporter. Exporter "none" (or empty) leaves tracing uninitialized.
func InitTracing(ctx context.Context, cfg TracingConfig) error {
	exporterName := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporterName == "" || exporterName == "none" {
		return nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stator"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}

	tracingMu.Lock()
	defer tracingMu.Unlock()
	if tracerProvider != nil {
		return core.NewError(core.CodeInvalidState, "tracing already initialized")
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch exporterName {
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	case "zipkin":
		exporter, err = zipkin.New(cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return core.NewError(core.CodeConfig,
			fmt.Sprintf("unknown trace exporter %q", cfg.Exporter))
	}
	if err != nil {
		return core.WrapError(core.CodeConfig,
			fmt.Sprintf("cannot create %s exporter", exporterName), err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return core.WrapError(core.CodeConfig, "cannot build trace resource", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	tracerProvider = tp
	tracingShutdown = tp.Shutdown
	return nil
}

// TracingInitialized reports whether a tracer provider is installed
func TracingInitialized() bool {
	tracingMu.Lock()
	defer tracingMu.Unlock()
	return tracerProvider != nil
}

// ShutdownTracing flushes pending spans and releases the provider
func ShutdownTracing(ctx context.Context) error {
	tracingMu.Lock()
	shutdown := tracingShutdown
	tracerProvider = nil
	tracingShutdown = nil
	tracingMu.Unlock()

	if shutdown == nil {
		return nil
	}
	return shutdown(ctx)
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
