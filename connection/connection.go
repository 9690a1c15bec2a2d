// Package connection opens bus sessions, either under the exponential backoff policy or as a
// single attempt for callers that own their retry semantics.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/next-trace/scg-event-bus/backoff"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/metrics"
)

// ClientSettings describes how to reach the bus.
type ClientSettings struct {
	Addresses []string
	// MaxReconnects bounds transport level reconnects; nil means unlimited.
	MaxReconnects *int
	// RetryTimeout bounds ConnectWithRetry; nil means retry forever.
	RetryTimeout *time.Duration
	// Name identifies this client to the server.
	Name string
	// DialTimeout bounds one dial attempt; zero leaves the transport default.
	DialTimeout time.Duration
}

// JoinedAddresses returns the address list in the form the transports accept.
func (s ClientSettings) JoinedAddresses() string {
	addrs := make([]string, 0, len(s.Addresses))
	for _, a := range s.Addresses {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}

	return strings.Join(addrs, ",")
}

// Connector dials the bus through a transport Dialer.
type Connector struct {
	dialer  cbus.Dialer
	logger  *slog.Logger
	metrics *metrics.Recorder
	policy  func(timeout *time.Duration) backoff.Policy
}

// Option configures a Connector.
type Option func(*Connector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records connection attempts.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Connector) { c.metrics = m }
}

// WithPolicy overrides how the retry policy is derived from ClientSettings.RetryTimeout.
func WithPolicy(fn func(timeout *time.Duration) backoff.Policy) Option {
	return func(c *Connector) {
		if fn != nil {
			c.policy = fn
		}
	}
}

// New creates a Connector over d.
func New(d cbus.Dialer, opts ...Option) *Connector {
	c := &Connector{
		dialer: d,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		policy: backoff.New,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ConnectWithRetry dials until it succeeds or the backoff budget derived from
// RetryTimeout is spent. Without a RetryTimeout it blocks until the bus is reachable
// or ctx ends.
func (c *Connector) ConnectWithRetry(ctx context.Context, s ClientSettings) (cbus.Conn, error) {
	addresses, err := c.ready(s)
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "connecting to bus", "addresses", addresses)

	var conn cbus.Conn

	op := func(ctx context.Context) error {
		cn, err := c.dial(ctx, addresses, s)
		if err != nil {
			return err
		}

		conn = cn

		return nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.WarnContext(ctx, "bus connection attempt failed", "addresses", addresses, "retry_in", next, "err", err)
	}

	if err := c.policy(s.RetryTimeout).Retry(ctx, op, notify); err != nil {
		return nil, &berr.ConnectionError{Addresses: addresses, Cause: err}
	}

	c.logger.InfoContext(ctx, "connected to bus", "addresses", addresses)

	return conn, nil
}

// Connect makes exactly one attempt.
func (c *Connector) Connect(ctx context.Context, s ClientSettings) (cbus.Conn, error) {
	addresses, err := c.ready(s)
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "connecting to bus", "addresses", addresses)

	conn, err := c.dial(ctx, addresses, s)
	if err != nil {
		return nil, &berr.ConnectionError{Addresses: addresses, Cause: err}
	}

	return conn, nil
}

func (c *Connector) ready(s ClientSettings) (string, error) {
	if c.dialer == nil {
		return "", &berr.ConnectionError{Cause: fmt.Errorf("connector: %w", errors.Join(berr.ErrInvalidConfig, errors.New("no dialer")))}
	}

	addresses := s.JoinedAddresses()
	if addresses == "" {
		return "", &berr.ConnectionError{Cause: fmt.Errorf("connector: %w", errors.Join(berr.ErrInvalidConfig, errors.New("no addresses")))}
	}

	return addresses, nil
}

func (c *Connector) dial(ctx context.Context, addresses string, s ClientSettings) (cbus.Conn, error) {
	opts := cbus.DialOptions{
		Name:          s.Name,
		MaxReconnects: s.MaxReconnects,
		Timeout:       s.DialTimeout,
		OnDisconnect: func(err error) {
			c.logger.Error("connection lost", "addresses", addresses, "err", err)
		},
	}

	conn, err := c.dialer.Dial(ctx, addresses, opts)
	c.metrics.ConnectAttempt(err == nil)

	if err != nil {
		return nil, err
	}

	if conn == nil {
		return nil, fmt.Errorf("dial %s: %w", addresses, berr.ErrNotConnected)
	}

	return conn, nil
}
