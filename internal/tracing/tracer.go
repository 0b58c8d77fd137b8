package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "go-automations"

// StartInstanceSpan starts the span that covers one execution run of a workflow instance. Runs
// are split at suspension points, a resumed instance starts a new span.
func StartInstanceSpan(ctx context.Context, tracer trace.Tracer, name, instanceID, workflow string, resumed bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(InstanceID, instanceID),
			attribute.String(Workflow, workflow),
			attribute.Bool("resumed", resumed),
		),
	)
}
