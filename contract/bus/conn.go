package bus

import (
	"context"
	"time"
)

// Conn is a live session with a message bus.
// A Conn is owned by exactly one worker; it is not shared.
type Conn interface {
	// Publish sends data to subject with optional headers.
	// Implementations return an error matching errors.ErrNotConnected once the
	// session is closed for good.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
	// Subscribe opens a subscription on subject.
	Subscribe(ctx context.Context, subject string) (Subscription, error)
	// Close ends the session. Closing twice returns an error.
	Close() error
}

// Subscription is a lazy, non-restartable sequence of inbound messages.
type Subscription interface {
	// Next blocks until a message arrives, ctx is done, or the subscription ends.
	// The end of the sequence is reported with errors.ErrSubscriptionClosed.
	Next(ctx context.Context) (Message, error)
	Unsubscribe() error
}

// DialOptions carries the transport independent connection knobs.
type DialOptions struct {
	// Name identifies the client to the server where supported.
	Name string
	// MaxReconnects bounds transport level reconnects. Nil means unlimited.
	MaxReconnects *int
	// Timeout bounds a single dial; zero leaves the transport default.
	Timeout time.Duration
	// OnDisconnect is called when an established session drops.
	OnDisconnect func(err error)
}

// Dialer opens one connection attempt to addresses, a comma joined list.
type Dialer interface {
	Dial(ctx context.Context, addresses string, opts DialOptions) (Conn, error)
}

// DialerFunc adapts an ordinary function to Dialer.
type DialerFunc func(ctx context.Context, addresses string, opts DialOptions) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, addresses string, opts DialOptions) (Conn, error) {
	return f(ctx, addresses, opts)
}
