package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opencode-ai/sequencer/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// traceShutdownTimeout bounds the final span flush.
const traceShutdownTimeout = 5 * time.Second

// newTracerProvider exports every span as JSON to w once the span ends.
func newTracerProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "sequencer"),
		attribute.String("service.version", Version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
	), nil
}

func shutdownTracerProvider(tp *sdktrace.TracerProvider) {
	ctx, cancel := context.WithTimeout(context.Background(), traceShutdownTimeout)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger := logging.Component("trace")
		logger.Warn().Err(err).Msg("span exporter shutdown failed")
	}
}
