package bus

import "context"

// HeaderPropagator carries trace context across the bus in message headers.
// Inject adds keys to headers; Extract returns ctx enriched with what headers carry.
// Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
	Extract(ctx context.Context, headers map[string]string) context.Context
}

// NopHeaderPropagator leaves headers and contexts untouched. Publishers and subscribers use it
// when no propagator is configured.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}

func (NopHeaderPropagator) Extract(ctx context.Context, _ map[string]string) context.Context {
	return ctx
}
