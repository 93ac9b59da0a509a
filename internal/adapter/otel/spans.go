package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "docflow"

// StartSubmitSpan starts a span for one extraction job submission.
func StartSubmitSpan(ctx context.Context, executionID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "job.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.Int("execution.attempt", attempt),
		),
	)
}

// StartEventSpan starts a span for routing one completion event.
func StartEventSpan(ctx context.Context, eventID, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "event.route",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("event.kind", kind),
		),
	)
}

// StartFinalizeSpan starts a span for writing an execution's final output.
func StartFinalizeSpan(ctx context.Context, executionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "execution.finalize",
		trace.WithAttributes(attribute.String("execution.id", executionID)),
	)
}
