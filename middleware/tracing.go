package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// tracerName is the instrumentation scope name for firelancer tracing.
const tracerName = "github.com/MohamedSaeedBekhit/firelancer"

// Tracing returns middleware that wraps job execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
//
// Span attributes include: firelancer.job.id, firelancer.queue and
// firelancer.job.attempt. On error, the span status is set to codes.Error
// with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, rec *job.Record, next Handler) error {
		ctx, span := tracer.Start(ctx, "firelancer.job.execute",
			trace.WithAttributes(
				attribute.String("firelancer.job.id", rec.ID.String()),
				attribute.String("firelancer.queue", rec.QueueName),
				attribute.Int("firelancer.job.attempt", rec.Attempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
