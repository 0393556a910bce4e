package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "replbox"

// Tracer wraps OpenTelemetry tracing for executions.
// Without a configured TracerProvider the global no-op provider is used.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, fmt.Sprintf("replbox.%s", name),
		trace.WithAttributes(attrs...),
	)
}

// Common attribute keys for execution tracing.
var (
	AttrJobID       = attribute.Key("replbox.job.id")
	AttrSessionID   = attribute.Key("replbox.session.id")
	AttrLanguage    = attribute.Key("replbox.language")
	AttrImage       = attribute.Key("replbox.image")
	AttrContainerID = attribute.Key("replbox.container.id")
	AttrState       = attribute.Key("replbox.state")
	AttrOutputBytes = attribute.Key("replbox.output_bytes")
)
