package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Concrete NATS connection-backed Client and Dialer.

const flushTimeout = 5 * time.Second

// Dialer opens real NATS connections. Options are appended after the ones derived
// from cbus.DialOptions, so they win.
type Dialer struct {
	Options []nats.Option
}

var _ cbus.Dialer = Dialer{}

func (d Dialer) Dial(ctx context.Context, addresses string, opts cbus.DialOptions) (cbus.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if addresses == "" {
		return nil, fmt.Errorf("nats dial: %w", errors.Join(berr.ErrInvalidConfig, errors.New("nats url required")))
	}

	nc, err := nats.Connect(addresses, d.options(ctx, opts)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return New(natsClient{nc: nc}), nil
}

func (d Dialer) options(ctx context.Context, o cbus.DialOptions) []nats.Option {
	opts := []nats.Option{}
	if o.Name != "" {
		opts = append(opts, nats.Name(o.Name))
	}

	timeout := o.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout <= 0 || left < timeout {
			timeout = left
		}
	}

	if timeout > 0 {
		opts = append(opts, nats.Timeout(timeout))
	}

	maxReconnects := -1
	if o.MaxReconnects != nil {
		maxReconnects = *o.MaxReconnects
	}

	opts = append(opts, nats.MaxReconnects(maxReconnects))

	if o.OnDisconnect != nil {
		opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				o.OnDisconnect(err)
			}
		}))
	}

	return append(opts, d.Options...)
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data

	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); ok {
		return c.nc.FlushWithContext(ctx)
	}

	return c.nc.FlushTimeout(flushTimeout)
}

func (c natsClient) Subscribe(subject string) (MsgSource, error) {
	sub, err := c.nc.SubscribeSync(subject)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (c natsClient) Close() { c.nc.Close() }

func (c natsClient) IsClosed() bool { return c.nc.IsClosed() }
