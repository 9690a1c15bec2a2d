package bus

import "context"

// Handler processes one inbound message. It is invoked synchronously and in
// arrival order by a subscriber; a returned error is logged and the stream continues.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle calls f(ctx, msg).
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }
