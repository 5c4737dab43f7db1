// Package telemetry wires the OpenTelemetry tracing pipeline. Tracing
// is optional: without a configured OTLP endpoint nothing is set up and
// the tracers used around the codebase stay no-ops.
package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/stagewire/stagewire/pkg/config"
)

const serviceName = "stagewire"

// Setup installs the global tracer provider exporting over OTLP HTTP.
// Returns nil without error when no endpoint is configured.
func Setup(ctx context.Context, cfg config.Telemetry) (*tracesdk.TracerProvider, error) {
	if cfg.OTLPHost == "" {
		return nil, nil
	}

	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPHost)}
	if !cfg.OTLPSecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		return nil, err
	}

	res, err := newResource()
	if err != nil {
		return nil, err
	}

	provider := tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider, nil
}

// newResource identifies this service instance in the exported traces.
func newResource() (*resource.Resource, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		attribute.String("ID", id.String()),
	), nil
}
