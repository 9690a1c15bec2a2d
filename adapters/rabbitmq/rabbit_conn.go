package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Concrete AMQP connection-backed Session and Dialer.

const defaultConnTimeout = 30 * time.Second

// Dialer opens AMQP connections. Each address in the list is tried in order.
type Dialer struct {
	// ConnTimeout is used when DialOptions.Timeout is zero.
	ConnTimeout time.Duration
	// ReconnectDelay is the first delay between transport reconnects.
	ReconnectDelay time.Duration
}

var _ cbus.Dialer = Dialer{}

func (d Dialer) Dial(ctx context.Context, addresses string, opts cbus.DialOptions) (cbus.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var urls []string

	for _, u := range strings.Split(addresses, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}

	if len(urls) == 0 {
		return nil, fmt.Errorf("rabbitmq dial: %w", errors.Join(berr.ErrInvalidConfig, errors.New("rabbitmq url required")))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.ConnTimeout
	}

	// amqp.DefaultDial also uses the timeout as the handshake deadline, so it must be set.
	if timeout <= 0 {
		timeout = defaultConnTimeout
	}

	dial := func(ctx context.Context) (Session, error) {
		var errs []error

		for _, u := range urls {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			s, err := dialSession(u, timeout, opts.Name)
			if err == nil {
				return s, nil
			}

			errs = append(errs, err)
		}

		return nil, fmt.Errorf("rabbitmq connect: %w", errors.Join(errs...))
	}

	c, err := NewConn(ctx, dial, opts, d.ReconnectDelay)
	if err != nil {
		return nil, err
	}

	return c, nil
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dialSession(url string, timeout time.Duration, name string) (*amqpSession, error) {
	props := amqp.Table{"product": "scg-event-bus"}
	if name != "" {
		props["connection_name"] = name
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	if err := ch.ExchangeDeclare(
		integrationExchange,
		integrationExchangeTy,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, err
	}

	return &amqpSession{conn: conn, ch: ch}, nil
}

func (s *amqpSession) Publish(ctx context.Context, m PubMsg) error {
	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return s.ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Headers:      h,
			ContentType:  "application/json",
			Body:         m.Body,
		},
	)
}

// Consume opens a dedicated channel with an exclusive, auto-deleted queue bound to routingKey.
func (s *amqpSession) Consume(routingKey string) (Consumer, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()

		return nil, err
	}

	if err := ch.QueueBind(q.Name, routingKey, integrationExchange, false, nil); err != nil {
		_ = ch.Close()

		return nil, err
	}

	tag := "eventbus-" + q.Name

	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()

		return nil, err
	}

	return &amqpConsumer{ch: ch, tag: tag, deliveries: deliveries}, nil
}

func (s *amqpSession) NotifyClose() <-chan *amqp.Error {
	return s.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (s *amqpSession) Close() error {
	_ = s.ch.Close()

	return s.conn.Close()
}

type amqpConsumer struct {
	ch         *amqp.Channel
	tag        string
	deliveries <-chan amqp.Delivery
}

func (c *amqpConsumer) Deliveries() <-chan amqp.Delivery { return c.deliveries }

func (c *amqpConsumer) Cancel() error {
	err := c.ch.Cancel(c.tag, false)

	return errors.Join(err, c.ch.Close())
}
