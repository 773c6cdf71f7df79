package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TracerConfig selects the span sinks of a tracer provider.
type TracerConfig struct {
	ServiceName string
	// OTLPEndpoint, when set, adds a batched OTLP/gRPC exporter.
	OTLPEndpoint string
	// Stdout adds a pretty-printed stdout exporter for debugging.
	Stdout bool
}

// NewTracerProvider builds a tracer provider whose spans are written
// synchronously through exporter when they end, plus any optional sinks.
// The provider is not installed globally.
func NewTracerProvider(ctx context.Context, cfg TracerConfig, exporter sdktrace.SpanExporter, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	}

	if cfg.Stdout {
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(stdout))
	}

	if cfg.OTLPEndpoint != "" {
		otlp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(otlp))
		logger.Info("otlp trace export enabled", slog.String("endpoint", cfg.OTLPEndpoint))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}
