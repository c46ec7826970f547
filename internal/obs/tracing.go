// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/config"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/job"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "workflow-dispatch-pool"

// MaybeInitTracing wires an OTLP/HTTP exporter when tracing is enabled in
// config, exactly as the teacher's obs.MaybeInitTracing does. It returns a
// shutdown func that is always safe to call, even when tracing is disabled.
func MaybeInitTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(tracerName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch cfg.SamplingStrategy {
	case "always":
		sampler = sdktrace.AlwaysSample()
	case "never":
		sampler = sdktrace.NeverSample()
	default:
		rate := cfg.SamplingRate
		if rate <= 0 {
			rate = 0.1
		}
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

type jobSpanKey struct{}

// ContextWithJobSpan stashes the active span so later helpers can record
// events against it without threading a span value through every call.
func ContextWithJobSpan(ctx context.Context, span trace.Span) context.Context {
	return context.WithValue(ctx, jobSpanKey{}, span)
}

func spanFromContext(ctx context.Context) trace.Span {
	if s, ok := ctx.Value(jobSpanKey{}).(trace.Span); ok {
		return s
	}
	return trace.SpanFromContext(ctx)
}

// StartEnqueueSpan opens a span covering a job's time in the queue, from
// enqueue to reservation.
func StartEnqueueSpan(ctx context.Context, j *job.Job) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "job.enqueue", trace.WithAttributes(
		attribute.String("job.id", j.JobID),
		attribute.String("job.fingerprint", j.Fingerprint),
		attribute.Int("job.priority", j.Priority),
	))
	return ContextWithJobSpan(ctx, span), span
}

// StartSubmitSpan opens a span covering one submission attempt to a backend.
func StartSubmitSpan(ctx context.Context, j *job.Job, backendID string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "job.submit", trace.WithAttributes(
		attribute.String("job.id", j.JobID),
		attribute.String("backend.id", backendID),
		attribute.Int("job.attempts", j.Attempts),
	))
	return ContextWithJobSpan(ctx, span), span
}

// AddEvent records a named event on the context's active span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	spanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// AddSpanAttributes attaches attributes to the context's active span.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	spanFromContext(ctx).SetAttributes(attrs...)
}

// KeyValue is a thin re-export so call sites don't need to import
// go.opentelemetry.io/otel/attribute directly for the common string case.
func KeyValue(k, v string) attribute.KeyValue {
	return attribute.String(k, v)
}

// RecordError marks the context's active span as failed with err.
func RecordError(ctx context.Context, err error) {
	span := spanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the context's active span as successfully completed
// and ends it.
func SetSpanSuccess(ctx context.Context) {
	span := spanFromContext(ctx)
	span.SetStatus(codes.Ok, "")
	span.End()
}

// GetTraceAndSpanID returns the active trace and span IDs for log
// correlation, or two empty strings when tracing is disabled.
func GetTraceAndSpanID(ctx context.Context) (string, string) {
	sc := spanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
