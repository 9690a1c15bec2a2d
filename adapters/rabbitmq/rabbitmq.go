package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	integrationExchange   = "integration"
	integrationExchangeTy = "topic"

	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// Session is one AMQP connection with a publishing channel on the integration exchange.
type Session interface {
	Publish(ctx context.Context, m PubMsg) error
	// Consume binds an exclusive queue to routingKey and starts consuming it.
	Consume(routingKey string) (Consumer, error)
	NotifyClose() <-chan *amqp.Error
	Close() error
}

// Consumer is one running AMQP consumer.
type Consumer interface {
	Deliveries() <-chan amqp.Delivery
	Cancel() error
}

// SessionDialer opens one Session.
type SessionDialer func(ctx context.Context) (Session, error)

// Conn implements cbus.Conn. It re-dials the session after a drop, up to
// DialOptions.MaxReconnects times, with jittered exponential delays; once those are
// spent every call fails with ErrNotConnected.
type Conn struct {
	dial  SessionDialer
	opts  cbus.DialOptions
	delay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	sess      Session
	ready     chan struct{} // closed when sess is usable or the connection is lost
	lost      bool
	closeOnce sync.Once
}

var _ cbus.Conn = (*Conn)(nil)

// NewConn dials the first session synchronously and supervises it afterwards.
// reconnectDelay <= 0 uses one second.
func NewConn(ctx context.Context, dial SessionDialer, opts cbus.DialOptions, reconnectDelay time.Duration) (*Conn, error) {
	s, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}

	ready := make(chan struct{})
	close(ready)

	c := &Conn{dial: dial, opts: opts, delay: reconnectDelay, sess: s, ready: ready, done: make(chan struct{})}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.run(s)

	return c, nil
}

func (c *Conn) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	s, err := c.session(ctx, "publish")
	if err != nil {
		return err
	}

	msg := PubMsg{Exchange: integrationExchange, RoutingKey: subject, Body: data, Headers: headers}
	if err := s.Publish(ctx, msg); err != nil {
		return mapErr("publish "+subject, err)
	}

	return nil
}

func (c *Conn) Subscribe(ctx context.Context, subject string) (cbus.Subscription, error) {
	s, err := c.session(ctx, "subscribe")
	if err != nil {
		return nil, err
	}

	cons, err := s.Consume(subject)
	if err != nil {
		return nil, mapErr("subscribe "+subject, err)
	}

	return &subscription{cons: cons}, nil
}

// Close stops reconnecting and closes the current session. A second call returns ErrNotConnected.
func (c *Conn) Close() error {
	first := false
	c.closeOnce.Do(func() { first = true })

	if !first {
		return fmt.Errorf("rabbitmq close: %w", berr.ErrNotConnected)
	}

	c.cancel()

	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()

	var err error
	if s != nil {
		err = s.Close()
	}

	<-c.done

	return err
}

// session returns the live session, waiting for an in-progress reconnect.
func (c *Conn) session(ctx context.Context, label string) (Session, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.mu.RLock()
		s, ready, lost := c.sess, c.ready, c.lost
		c.mu.RUnlock()

		if lost || c.ctx.Err() != nil {
			return nil, fmt.Errorf("rabbitmq %s: %w", label, berr.ErrNotConnected)
		}

		if s != nil {
			return s, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, fmt.Errorf("rabbitmq %s: %w", label, berr.ErrNotConnected)
		}
	}
}

func (c *Conn) run(s Session) {
	defer close(c.done)

	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		notify := s.NotifyClose()

		select {
		case <-c.ctx.Done():
			return
		case amqpErr := <-notify:
			if c.ctx.Err() != nil {
				return
			}

			c.mu.Lock()
			owned := c.sess == s
			if owned {
				c.sess = nil
				c.ready = make(chan struct{})
			}
			c.mu.Unlock()

			if !owned {
				return
			}

			_ = s.Close()

			var reason error = amqp.ErrClosed
			if amqpErr != nil {
				reason = amqpErr
			}

			if c.opts.OnDisconnect != nil {
				c.opts.OnDisconnect(reason)
			}

			next, ok := c.reconnect(rng)
			if !ok {
				return
			}

			s = next
		}
	}
}

func (c *Conn) reconnect(rng *rand.Rand) (Session, bool) {
	limit := -1
	if c.opts.MaxReconnects != nil {
		limit = *c.opts.MaxReconnects
	}

	backoff := c.delay

	for attempt := 1; limit < 0 || attempt <= limit; attempt++ {
		jitter := time.Duration(rng.Int63n(int64(backoff/2) + 1))

		sleep := backoff + jitter/2
		if sleep > maxReconnectDelay {
			sleep = maxReconnectDelay
		}

		t := time.NewTimer(sleep)
		select {
		case <-c.ctx.Done():
			t.Stop()

			return nil, false
		case <-t.C:
		}

		s, err := c.dial(c.ctx)
		if err == nil {
			c.mu.Lock()
			if c.ctx.Err() != nil {
				c.mu.Unlock()
				_ = s.Close()

				return nil, false
			}

			c.sess = s
			close(c.ready)
			c.mu.Unlock()

			return s, true
		}

		if backoff < maxReconnectDelay {
			backoff = min(backoff*2, maxReconnectDelay)
		}
	}

	c.mu.Lock()
	c.lost = true
	close(c.ready)
	c.mu.Unlock()

	return nil, false
}

type subscription struct {
	cons Consumer
}

func (s *subscription) Next(ctx context.Context) (cbus.Message, error) {
	select {
	case d, ok := <-s.cons.Deliveries():
		if !ok {
			return cbus.Message{}, fmt.Errorf("rabbitmq next: %w", berr.ErrSubscriptionClosed)
		}

		return toMessage(d), nil
	case <-ctx.Done():
		return cbus.Message{}, ctx.Err()
	}
}

func (s *subscription) Unsubscribe() error {
	if err := s.cons.Cancel(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("rabbitmq unsubscribe: %w", err)
	}

	return nil
}

func mapErr(label string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, amqp.ErrClosed):
		return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(berr.ErrNotConnected, err))
	default:
		return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(berr.ErrOperationFailed, err))
	}
}

func toMessage(d amqp.Delivery) cbus.Message {
	msg := cbus.Message{Subject: d.RoutingKey, Data: d.Body}

	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				msg.Headers[k] = s
			} else {
				msg.Headers[k] = fmt.Sprint(v)
			}
		}
	}

	return msg
}
