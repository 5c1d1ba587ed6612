// Package tracing installs the OpenTelemetry provider used for run and task
// attempt spans.
package tracing

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes pending spans and releases the exporter.
type Shutdown func(ctx context.Context) error

// Init exports spans as JSON to outputFile, or to stdout when outputFile is
// empty.
func Init(serviceName, serviceVersion, outputFile string) (Shutdown, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return nil, errors.Wrap(err, "create trace output")
		}
		w, closer = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	shutdown, err := InitWithExporter(serviceName, serviceVersion, exporter)
	if err != nil {
		return nil, err
	}
	if closer == nil {
		return shutdown, nil
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

// InitWithExporter registers exporter behind the global tracer provider.
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (Shutdown, error) {
	if exporter == nil {
		return func(context.Context) error { return nil }, nil
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
