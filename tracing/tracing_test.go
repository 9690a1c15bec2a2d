package tracing_test

import (
	"context"
	"testing"

	"github.com/next-trace/scg-event-bus/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func remoteContext(t *testing.T) (context.Context, trace.SpanContext) {
	t.Helper()

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	return trace.ContextWithSpanContext(t.Context(), sc), sc
}

func TestW3C_InjectExtractRoundTrip(t *testing.T) {
	ctx, sc := remoteContext(t)
	p := tracing.W3C()

	headers := map[string]string{}
	p.Inject(ctx, headers)

	if headers["traceparent"] == "" {
		t.Fatalf("traceparent not injected: %v", headers)
	}

	got := trace.SpanContextFromContext(p.Extract(context.Background(), headers))
	if got.TraceID() != sc.TraceID() || got.SpanID() != sc.SpanID() {
		t.Fatalf("span context mismatch: %v vs %v", got, sc)
	}
}

func TestPropagator_NilAndEmptyHeaders(t *testing.T) {
	ctx, _ := remoteContext(t)
	p := tracing.W3C()

	p.Inject(ctx, nil)

	base := context.Background()
	if got := p.Extract(base, nil); got != base {
		t.Fatalf("extract without headers must return ctx unchanged")
	}
}

func TestStartPublish_UsesProvidedTracer(t *testing.T) {
	tr := tracing.Tracer(noop.NewTracerProvider())

	ctx, span := tracing.StartPublish(t.Context(), tr, "service.auth", "id-1", 2)
	defer span.End()

	if ctx == nil || span == nil {
		t.Fatalf("expected span and context")
	}

	_, consumer := tracing.StartProcess(t.Context(), tracing.Tracer(nil), "service.auth")
	consumer.End()
}
