package nats

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Client is a minimal NATS connection interface decoupled from the concrete *nats.Conn.
// Tests provide a fake; NewConn wraps a real connection.
type Client interface {
	// Publish sends data to subject with optional headers and flushes it to the server.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
	// Subscribe opens a synchronous subscription.
	Subscribe(subject string) (MsgSource, error)
	Close()
	IsClosed() bool
}

// MsgSource is satisfied by *nats.Subscription.
type MsgSource interface {
	NextMsgWithContext(ctx context.Context) (*nats.Msg, error)
	Unsubscribe() error
}

// Conn implements cbus.Conn over a Client.
type Conn struct {
	Client Client
	closed atomic.Bool
}

// Ensure Conn implements the connection contract.
var _ cbus.Conn = (*Conn)(nil)

// New wraps c.
func New(c Client) *Conn { return &Conn{Client: c} }

func (c *Conn) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if err := c.ready(ctx, "publish"); err != nil {
		return err
	}

	if err := c.Client.Publish(ctx, subject, data, headers); err != nil {
		return mapErr("publish "+subject, berr.ErrOperationFailed, err)
	}

	return nil
}

func (c *Conn) Subscribe(ctx context.Context, subject string) (cbus.Subscription, error) {
	if err := c.ready(ctx, "subscribe"); err != nil {
		return nil, err
	}

	src, err := c.Client.Subscribe(subject)
	if err != nil {
		return nil, mapErr("subscribe "+subject, berr.ErrOperationFailed, err)
	}

	return &subscription{src: src}, nil
}

func (c *Conn) Close() error {
	if c.Client == nil || c.closed.Swap(true) {
		return fmt.Errorf("nats close: %w", berr.ErrNotConnected)
	}

	c.Client.Close()

	return nil
}

func (c *Conn) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.Client == nil || c.closed.Load() || c.Client.IsClosed() {
		return fmt.Errorf("nats %s: %w", label, berr.ErrNotConnected)
	}

	return nil
}

type subscription struct {
	src MsgSource
}

func (s *subscription) Next(ctx context.Context) (cbus.Message, error) {
	msg, err := s.src.NextMsgWithContext(ctx)
	for errors.Is(err, nats.ErrSlowConsumer) {
		// nats.go reports dropped messages once and keeps the subscription open.
		msg, err = s.src.NextMsgWithContext(ctx)
	}

	if err != nil {
		if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
			return cbus.Message{}, fmt.Errorf("nats next: %w", errors.Join(berr.ErrSubscriptionClosed, err))
		}

		return cbus.Message{}, mapErr("next", berr.ErrOperationFailed, err)
	}

	return toMessage(msg), nil
}

func (s *subscription) Unsubscribe() error {
	if err := s.src.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}

	return nil
}

// mapErr passes context errors through, tags a closed connection with ErrNotConnected
// and wraps everything else with base.
func mapErr(label string, base, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("nats %s: %w", label, errors.Join(berr.ErrNotConnected, err))
	default:
		return fmt.Errorf("nats %s: %w", label, errors.Join(base, err))
	}
}

func toMessage(m *nats.Msg) cbus.Message {
	out := cbus.Message{Subject: m.Subject, Data: m.Data}

	if len(m.Header) > 0 {
		out.Headers = make(map[string]string, len(m.Header))
		for k := range m.Header {
			out.Headers[k] = m.Header.Get(k)
		}
	}

	return out
}
