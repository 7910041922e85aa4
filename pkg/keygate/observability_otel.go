package keygate

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OTelObserver implements Observer using OpenTelemetry for traces and metrics.
// This provides automatic integration with OTLP exporters (Jaeger, Tempo, Datadog, etc.).
//
// Example:
//
//	tracer := otel.Tracer("keygate")
//	meter := otel.Meter("keygate")
//	observer, _ := keygate.NewOTelObserver(tracer, meter)
//	mw, _ := keygate.New(store, keygate.WithObserver(observer))
type OTelObserver struct {
	tracer trace.Tracer

	// Metrics
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	executionTime   metric.Float64Histogram
	leaseAttempts   metric.Int64Counter
	cleanupRemoved  metric.Int64Counter
}

// NewOTelObserver creates an OpenTelemetry observer.
func NewOTelObserver(tracer trace.Tracer, meter metric.Meter) (*OTelObserver, error) {
	requestDuration, err := meter.Float64Histogram(
		"keygate.request.duration",
		metric.WithDescription("End-to-end duration of keyed request processing in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	requestsTotal, err := meter.Int64Counter(
		"keygate.requests",
		metric.WithDescription("Number of keyed requests by resolution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	executionTime, err := meter.Float64Histogram(
		"keygate.execution.duration",
		metric.WithDescription("Handler wall-clock time for fresh executions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution time histogram: %w", err)
	}

	leaseAttempts, err := meter.Int64Counter(
		"keygate.lease.attempts",
		metric.WithDescription("Number of lease acquisition attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease attempts counter: %w", err)
	}

	cleanupRemoved, err := meter.Int64Counter(
		"keygate.cleanup.removed",
		metric.WithDescription("Number of expired records removed by sweeps"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanup counter: %w", err)
	}

	return &OTelObserver{
		tracer:          tracer,
		requestDuration: requestDuration,
		requestsTotal:   requestsTotal,
		executionTime:   executionTime,
		leaseAttempts:   leaseAttempts,
		cleanupRemoved:  cleanupRemoved,
	}, nil
}

func (o *OTelObserver) OnRequestStart(ctx context.Context, event *RequestStartEvent) {
	_, span := o.tracer.Start(ctx, "keygate.process",
		trace.WithAttributes(
			attribute.String("idempotency.key", event.Key),
			attribute.String("http.method", event.Method),
			attribute.String("http.path", event.Path),
		),
	)
	// Note: in real usage, the span should be stored in context and ended in
	// OnRequestEnd; users wanting full lifecycle should use trace.SpanFromContext.
	_ = span
}

func (o *OTelObserver) OnRequestEnd(ctx context.Context, event *RequestEndEvent) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		if event.Error != nil {
			span.SetStatus(codes.Error, event.Error.Error())
			span.RecordError(event.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(
			attribute.String("idempotency.result", event.Result),
			attribute.Bool("idempotency.replayed", event.Replayed),
			attribute.Int("http.status_code", event.Status),
		)
		span.End()
	}

	attrs := []attribute.KeyValue{
		attribute.String("result", event.Result),
		attribute.Bool("replayed", event.Replayed),
	}
	o.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	o.requestDuration.Record(ctx, event.Duration.Seconds(), metric.WithAttributes(attrs...))

	if event.ExecutionTimeMS >= 0 && !event.Replayed {
		o.executionTime.Record(ctx, float64(event.ExecutionTimeMS)/1000, metric.WithAttributes(
			attribute.String("result", event.Result),
		))
	}
}

func (o *OTelObserver) OnLeaseAttempt(ctx context.Context, event *LeaseAttemptEvent) {
	o.leaseAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("acquired", event.Acquired),
	))

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("lease_attempt", trace.WithAttributes(
			attribute.Bool("acquired", event.Acquired),
			attribute.String("existing_state", string(event.ExistingState)),
		))
	}
}

func (o *OTelObserver) OnCleanup(ctx context.Context, event *CleanupEvent) {
	o.cleanupRemoved.Add(ctx, int64(event.Removed))
}
