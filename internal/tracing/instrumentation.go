package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "process-herder"

// StartSpawnSpan wraps one spawn attempt.
func StartSpawnSpan(ctx context.Context, name, role string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, "spawner.spawn", trace.WithAttributes(
		attribute.String("process.name", name),
		attribute.String("process.role", role),
	))
}

// StartReadinessSpan wraps one readiness evaluation.
func StartReadinessSpan(ctx context.Context, processID, kind string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, "readiness.evaluate", trace.WithAttributes(
		attribute.String("process.id", processID),
		attribute.String("readiness.kind", kind),
	))
}

// StartRecoverySpan wraps one recovery action chain.
func StartRecoverySpan(ctx context.Context, strategy, processID string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, "recovery.fire", trace.WithAttributes(
		attribute.String("recovery.strategy", strategy),
		attribute.String("process.id", processID),
	))
}

// StartTestRunSpan wraps one test run phase.
func StartTestRunSpan(ctx context.Context, runID, phase string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, "testrun."+phase, trace.WithAttributes(
		attribute.String("testrun.id", runID),
	))
}

// StartRPCSpan wraps one JSON-RPC method dispatch.
func StartRPCSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, "rpc."+method)
}

// RecordError marks the span failed with err.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
