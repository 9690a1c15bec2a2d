package inmemory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

const subscriptionBuffer = 256

// Broker is a thread-safe in-process bus implementing cbus.Dialer.
// It records dial and publish attempts for testing and examples, and can inject faults.
type Broker struct {
	mu sync.Mutex

	// DialHook, when set, is called with the 1-based dial attempt number;
	// a non-nil error fails that attempt.
	DialHook func(attempt int) error
	// PublishHook, when set, is called with the 1-based publish attempt number;
	// a non-nil error fails that attempt.
	PublishHook func(attempt int, msg cbus.Message) error

	dials     int
	attempts  int
	published []cbus.Message
	conns     map[*Conn]struct{}
}

// Ensure Broker implements the dialer contract.
var _ cbus.Dialer = (*Broker)(nil)

// New creates a new in-memory broker.
func New() *Broker { return &Broker{conns: make(map[*Conn]struct{})} }

// Dial opens a connection to the broker. The address list is recorded but not interpreted.
func (b *Broker) Dial(ctx context.Context, addresses string, opts cbus.DialOptions) (cbus.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.dials++
	n := b.dials
	hook := b.DialHook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(n); err != nil {
			return nil, fmt.Errorf("inmemory dial %s: %w", addresses, err)
		}
	}

	c := &Conn{broker: b, addresses: addresses, opts: opts, subs: make(map[*subscription]string)}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	return c, nil
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dials
}

// PublishAttempts returns the number of publish calls that reached the broker.
func (b *Broker) PublishAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.attempts
}

// Published returns a copy of the successfully published messages.
func (b *Broker) Published() []cbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]cbus.Message(nil), b.published...)
}

// OpenConns returns the number of connections that are not closed.
func (b *Broker) OpenConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.conns)
}

// Deliver pushes a message to every subscription on subject as if another service published it.
func (b *Broker) Deliver(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	return b.fanOut(ctx, cbus.Message{Subject: subject, Data: data, Headers: maps.Clone(headers)})
}

// Disconnect simulates a server side drop: every connection is closed and notified.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if c.shutdown() && c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(berr.ErrNotConnected)
		}
	}
}

func (b *Broker) publish(ctx context.Context, msg cbus.Message) error {
	b.mu.Lock()
	b.attempts++
	n := b.attempts
	hook := b.PublishHook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(n, msg); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()

	return b.fanOut(ctx, msg)
}

func (b *Broker) fanOut(ctx context.Context, msg cbus.Message) error {
	b.mu.Lock()

	var targets []*subscription

	for c := range b.conns {
		c.mu.Lock()
		for s, subj := range c.subs {
			if subj == msg.Subject {
				targets = append(targets, s)
			}
		}
		c.mu.Unlock()
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (b *Broker) forget(c *Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// Conn is an in-memory cbus.Conn.
type Conn struct {
	broker    *Broker
	addresses string
	opts      cbus.DialOptions

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]string
}

var _ cbus.Conn = (*Conn)(nil)

func (c *Conn) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.isClosed() {
		return fmt.Errorf("inmemory publish: %w", berr.ErrNotConnected)
	}

	msg := cbus.Message{Subject: subject, Data: append([]byte(nil), data...), Headers: maps.Clone(headers)}

	return c.broker.publish(ctx, msg)
}

func (c *Conn) Subscribe(ctx context.Context, subject string) (cbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if subject == "" {
		return nil, errors.New("inmemory subscribe: empty subject")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("inmemory subscribe: %w", berr.ErrNotConnected)
	}

	s := &subscription{conn: c, ch: make(chan cbus.Message, subscriptionBuffer), done: make(chan struct{})}
	c.subs[s] = subject

	return s, nil
}

func (c *Conn) Close() error {
	if !c.shutdown() {
		return fmt.Errorf("inmemory close: %w", berr.ErrNotConnected)
	}

	return nil
}

// Addresses returns the address list this connection was dialed with.
func (c *Conn) Addresses() string { return c.addresses }

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// shutdown closes the connection and its subscriptions; it reports whether this call closed it.
func (c *Conn) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return false
	}

	c.closed = true
	subs := c.subs
	c.subs = make(map[*subscription]string)
	c.mu.Unlock()

	for s := range subs {
		s.end()
	}

	c.broker.forget(c)

	return true
}

type subscription struct {
	conn *Conn
	ch   chan cbus.Message
	done chan struct{}
	once sync.Once
}

func (s *subscription) Next(ctx context.Context) (cbus.Message, error) {
	select {
	case m := <-s.ch:
		return m, nil
	default:
	}

	select {
	case m := <-s.ch:
		return m, nil
	case <-s.done:
		select {
		case m := <-s.ch:
			return m, nil
		default:
		}

		return cbus.Message{}, berr.ErrSubscriptionClosed
	case <-ctx.Done():
		return cbus.Message{}, ctx.Err()
	}
}

func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()

	s.end()

	return nil
}

func (s *subscription) end() { s.once.Do(func() { close(s.done) }) }
