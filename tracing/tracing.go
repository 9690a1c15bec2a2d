// Package tracing bridges the bus header contract to OpenTelemetry.
package tracing

import (
	"context"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/next-trace/scg-event-bus"

// Attribute keys used on bus spans.
const (
	AttrSystem      = attribute.Key("messaging.system")
	AttrDestination = attribute.Key("messaging.destination.name")
	AttrMessageID   = attribute.Key("messaging.message.id")
	AttrAttempt     = attribute.Key("eventbus.attempt")
)

// Propagator implements cbus.HeaderPropagator with an OpenTelemetry TextMapPropagator.
type Propagator struct {
	tmp propagation.TextMapPropagator
}

var _ cbus.HeaderPropagator = Propagator{}

// NewPropagator uses p, or the globally registered propagator when p is nil.
func NewPropagator(p propagation.TextMapPropagator) Propagator {
	return Propagator{tmp: p}
}

// W3C returns a propagator for W3C trace context and baggage.
func W3C() Propagator {
	return Propagator{tmp: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})}
}

func (p Propagator) Inject(ctx context.Context, headers map[string]string) {
	if headers == nil {
		return
	}

	p.propagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (p Propagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return p.propagator().Extract(ctx, propagation.MapCarrier(headers))
}

func (p Propagator) propagator() propagation.TextMapPropagator {
	if p.tmp != nil {
		return p.tmp
	}

	return otel.GetTextMapPropagator()
}

// Tracer returns the tracer used for bus spans, from tp or the global provider.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return tp.Tracer(instrumentationName)
}

// StartPublish starts a producer span for one publish attempt.
func StartPublish(ctx context.Context, t trace.Tracer, subject, id string, attempt int) (context.Context, trace.Span) {
	return t.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			AttrDestination.String(subject),
			AttrMessageID.String(id),
			AttrAttempt.Int(attempt),
		),
	)
}

// StartProcess starts a consumer span for one inbound message.
func StartProcess(ctx context.Context, t trace.Tracer, subject string) (context.Context, trace.Span) {
	return t.Start(ctx, subject+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(AttrDestination.String(subject)),
	)
}
