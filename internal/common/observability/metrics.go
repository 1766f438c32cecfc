package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Observability owns the OpenTelemetry meter and tracer used by the dispatcher and the consent gate.
type Observability struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          otelmetric.Meter
	eventDuration  otelmetric.Float64Histogram
	consentChecks  otelmetric.Int64Counter
	triggerLatency otelmetric.Float64Histogram
}

// New registers global meter and tracer providers. Span exporters are
// attached through traceOpts.
func New(serviceName string, traceOpts ...sdktrace.TracerProviderOption) *Observability {
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)
	tracer := tracerProvider.Tracer(serviceName)

	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return &Observability{tracerProvider: tracerProvider, tracer: tracer}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	eventDuration, _ := meter.Float64Histogram(
		"events.processing.duration",
		otelmetric.WithDescription("Event processing duration"),
		otelmetric.WithUnit("ms"),
	)

	triggerLatency, _ := meter.Float64Histogram(
		"triggers.processing.duration",
		otelmetric.WithDescription("Single trigger processing duration"),
		otelmetric.WithUnit("ms"),
	)

	consentChecks, _ := meter.Int64Counter(
		"consent.checks",
		otelmetric.WithDescription("Number of consent checks performed"),
	)

	return &Observability{
		meterProvider:  provider,
		tracerProvider: tracerProvider,
		tracer:         tracer,
		meter:          meter,
		eventDuration:  eventDuration,
		consentChecks:  consentChecks,
		triggerLatency: triggerLatency,
	}
}

// NewNoop returns an Observability whose recorders are all no-ops.
func NewNoop() *Observability {
	return &Observability{}
}

// StartSpan starts a span under ctx. A nil or no-op Observability returns
// the span already in ctx, which is non-recording when there is none.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if o == nil || o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *Observability) RecordEventDuration(ctx context.Context, eventType string, duration time.Duration, state string) {
	if o == nil || o.eventDuration == nil {
		return
	}
	o.eventDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("state", state),
	))
}

func (o *Observability) RecordTriggerDuration(ctx context.Context, triggerID string, duration time.Duration) {
	if o == nil || o.triggerLatency == nil {
		return
	}
	o.triggerLatency.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("trigger_id", triggerID),
	))
}

func (o *Observability) RecordConsentCheck(ctx context.Context, category, decision string) {
	if o == nil || o.consentChecks == nil {
		return
	}
	o.consentChecks.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("category", category),
		attribute.String("decision", decision),
	))
}

func (o *Observability) Shutdown() {
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.tracerProvider != nil {
		o.tracerProvider.Shutdown(ctx)
	}
	if o.meterProvider != nil {
		o.meterProvider.Shutdown(ctx)
	}
}
