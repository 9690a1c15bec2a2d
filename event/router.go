package event

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Router decodes inbound messages and dispatches them by event type.
// Events whose type has no route are skipped, so one unknown type never fails a stream.
//
// Router is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes map[string]func(ctx context.Context, e Event) error
	logger *slog.Logger
}

var _ cbus.Handler = (*Router)(nil)

// NewRouter constructs an empty Router. A nil logger discards output.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Router{
		routes: make(map[string]func(context.Context, Event) error),
		logger: logger,
	}
}

// HandleEvent registers fn for events of type typ. Duplicate bindings are rejected.
func (r *Router) HandleEvent(typ string, fn func(ctx context.Context, e Event) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[typ]; exists {
		return fmt.Errorf("route %s: %w", typ, berr.ErrHandlerExists)
	}

	r.routes[typ] = fn

	return nil
}

// On registers a typed route: the event data is decoded into T before fn runs.
func On[T any](r *Router, typ string, fn func(ctx context.Context, e Event, payload T) error) error {
	return r.HandleEvent(typ, func(ctx context.Context, e Event) error {
		var payload T
		if err := e.DataAs(&payload); err != nil {
			return err
		}

		return fn(ctx, e, payload)
	})
}

// Types returns the number of registered routes.
func (r *Router) Types() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.routes)
}

// Handle implements cbus.Handler.
func (r *Router) Handle(ctx context.Context, msg cbus.Message) error {
	e, err := Decode(msg.Data)
	if err != nil {
		return fmt.Errorf("message on %s: %w", msg.Subject, err)
	}

	return r.Dispatch(ctx, e)
}

// Dispatch routes an already decoded event.
func (r *Router) Dispatch(ctx context.Context, e Event) error {
	r.mu.RLock()
	fn, ok := r.routes[e.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.DebugContext(ctx, "skipping event with unknown type", "type", e.Type, "id", e.ID)

		return nil
	}

	return fn(ctx, e)
}
