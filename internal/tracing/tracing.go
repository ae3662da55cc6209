// Package tracing provides opt-in OpenTelemetry tracing support for the
// variantz server. Tracing is enabled only when the OTEL_EXPORTER_OTLP_ENDPOINT
// environment variable is set; otherwise [Init] returns a no-op shutdown
// function and [StartEvaluation] produces non-recording spans.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultServiceName  = "variantz"
	instrumentationName = "github.com/matt-riley/variantz"
)

// Init configures the global OpenTelemetry tracer provider with an OTLP HTTP
// exporter. If OTEL_EXPORTER_OTLP_ENDPOINT is not set, tracing is disabled and
// a no-op shutdown function is returned.
//
// The returned function should be called on server shutdown to flush pending
// spans.
func Init(ctx context.Context) (shutdown func(context.Context) error, err error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceNameFromEnv()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func serviceNameFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}

// StartEvaluation starts a span for a single feature or experiment
// evaluation. The caller ends the span.
func StartEvaluation(ctx context.Context, kind, key string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "variantz."+kind,
		trace.WithAttributes(
			attribute.String("variantz.kind", kind),
			attribute.String("variantz.key", key),
		),
	)
}

// AnnotateFeature records the resolved source on span.
func AnnotateFeature(span trace.Span, source string) {
	span.SetAttributes(attribute.String("variantz.source", source))
}

// AnnotateExperiment records the assignment outcome on span.
func AnnotateExperiment(span trace.Span, variationID int, inExperiment bool) {
	span.SetAttributes(
		attribute.Int("variantz.variation_id", variationID),
		attribute.Bool("variantz.in_experiment", inExperiment),
	)
}
