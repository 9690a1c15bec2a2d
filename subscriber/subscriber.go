// Package subscriber turns a bus subscription into a bounded mailbox drained by a single
// handler, one message at a time and in arrival order.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/next-trace/scg-event-bus/backoff"
	"github.com/next-trace/scg-event-bus/connection"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/tracing"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	metricsKind = "subscriber"

	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// Config configures a Subscriber.
type Config struct {
	ClientSettings  connection.ClientSettings
	Subject         string
	MailboxCapacity int
}

func (c Config) validate() error {
	var errs []error

	if strings.TrimSpace(c.Subject) == "" {
		errs = append(errs, errors.New("subject is required"))
	}

	if c.MailboxCapacity <= 0 {
		errs = append(errs, fmt.Errorf("mailbox capacity must be positive, got %d", c.MailboxCapacity))
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("subscriber config: %w", errors.Join(append([]error{berr.ErrInvalidConfig}, errs...)...))
}

// State is the lifecycle state of a Subscriber.
type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats is a snapshot of subscriber counters.
type Stats struct {
	Received      uint64
	HandlerErrors uint64
	Panics        uint64
	StreamErrors  uint64
	Queued        int
}

// Subscriber owns one connection and one subscription for its whole lifetime.
type Subscriber struct {
	cfg        Config
	handler    cbus.Handler
	logger     *slog.Logger
	metrics    *metrics.Recorder
	propagator cbus.HeaderPropagator
	tracer     trace.Tracer
	retry      backoff.Policy

	conn    cbus.Conn
	sub     cbus.Subscription
	mailbox chan cbus.Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state     atomic.Int32
	closeOnce sync.Once
	mu        sync.Mutex
	err       error

	received      atomic.Uint64
	handlerErrors atomic.Uint64
	panics        atomic.Uint64
	streamErrors  atomic.Uint64
}

// Option configures a Subscriber.
type Option func(*Subscriber)

func WithLogger(l *slog.Logger) Option {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// WithPropagator extracts trace context from inbound headers.
func WithPropagator(hp cbus.HeaderPropagator) Option {
	return func(s *Subscriber) {
		if hp != nil {
			s.propagator = hp
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Subscriber) { s.tracer = tracing.Tracer(tp) }
}

// WithRetryPolicy sets the delays between reads after a transient transport error.
// MaxElapsedTime is ignored; a subscriber keeps reading until its stream ends.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(s *Subscriber) { s.retry = p }
}

// Subscribe connects with retry, subscribes to cfg.Subject and starts delivering messages to h.
// A failed subscribe closes the connection and returns an *errors.OperationError; it is not retried.
// ctx bounds the subscriber's lifetime.
func Subscribe(ctx context.Context, cfg Config, connector *connection.Connector, h cbus.Handler, opts ...Option) (*Subscriber, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if connector == nil || h == nil {
		return nil, fmt.Errorf("subscriber: %w", errors.Join(berr.ErrInvalidConfig, errors.New("connector and handler are required")))
	}

	s := &Subscriber{
		cfg:        cfg,
		handler:    h,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		propagator: cbus.NopHeaderPropagator{},
		tracer:     tracing.Tracer(nil),
		retry:      defaultRetry(),
		mailbox:    make(chan cbus.Message, cfg.MailboxCapacity),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With("subject", cfg.Subject)
	s.setState(StateConnecting)

	conn, err := connector.ConnectWithRetry(ctx, cfg.ClientSettings)
	if err != nil {
		s.setState(StateStopped)

		return nil, err
	}

	sub, err := conn.Subscribe(ctx, cfg.Subject)
	if err != nil {
		s.setState(StateStopped)

		if cerr := conn.Close(); cerr != nil {
			s.logger.Error("error closing connection", "err", cerr)
		}

		return nil, &berr.OperationError{Subject: cfg.Subject, Cause: err}
	}

	s.conn, s.sub = conn, sub
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setState(StateSubscribed)
	s.logger.Info("subscribed")

	go s.pump()
	go s.dispatch()

	return s, nil
}

func defaultRetry() backoff.Policy {
	p := backoff.New(nil)
	p.InitialInterval = retryInitialInterval
	p.MaxInterval = retryMaxInterval

	return p
}

// pump adapts the subscription into the mailbox. A full mailbox blocks the pump, which
// pushes back on the transport. Transient read errors are logged and retried; the stream
// ends when the transport closes the subscription or the connection.
func (s *Subscriber) pump() {
	defer close(s.mailbox)

	schedule := s.retry.Schedule()

	for {
		msg, err := s.sub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || endsStream(err) {
				s.end(err)

				return
			}

			s.streamErrors.Add(1)

			delay := schedule.NextBackOff()
			if delay < 0 {
				delay = retryMaxInterval
			}

			s.logger.Warn("transient subscription error", "err", err, "retry_in", delay)

			if backoff.Sleep(s.ctx, delay) != nil {
				return
			}

			continue
		}

		schedule.Reset()

		select {
		case s.mailbox <- msg:
			s.metrics.Depth(metricsKind, s.cfg.Subject, len(s.mailbox))
		case <-s.ctx.Done():
			return
		}
	}
}

func endsStream(err error) bool {
	return errors.Is(err, berr.ErrSubscriptionClosed) ||
		errors.Is(err, berr.ErrNotConnected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Subscriber) dispatch() {
	defer s.finish()

	for msg := range s.mailbox {
		if s.ctx.Err() != nil {
			continue
		}

		s.handle(msg)
	}
}

func (s *Subscriber) handle(msg cbus.Message) {
	ctx := s.propagator.Extract(s.ctx, msg.Headers)
	ctx, span := tracing.StartProcess(ctx, s.tracer, msg.Subject)

	defer span.End()

	s.received.Add(1)
	s.metrics.Receive(s.cfg.Subject)

	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.handlerErrors.Add(1)
			s.metrics.HandlerError(s.cfg.Subject)
			span.SetStatus(codes.Error, "handler panic")
			s.logger.Error("handler panicked", "panic", r)
		}
	}()

	if err := s.handler.Handle(ctx, msg); err != nil {
		s.handlerErrors.Add(1)
		s.metrics.HandlerError(s.cfg.Subject)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("error handling message", "err", err)
	}
}

func (s *Subscriber) end(err error) {
	if s.ctx.Err() != nil {
		return
	}

	if errors.Is(err, berr.ErrSubscriptionClosed) {
		s.logger.Info("subscription ended")
	} else {
		s.logger.Error("subscription failed", "err", err)
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Subscriber) finish() {
	if err := s.sub.Unsubscribe(); err != nil {
		s.logger.Debug("unsubscribe", "err", err)
	}

	if err := s.conn.Close(); err != nil {
		s.logger.Debug("close connection", "err", err)
	}

	s.cancel()
	s.setState(StateStopped)
	s.metrics.Depth(metricsKind, s.cfg.Subject, 0)
	close(s.done)
}

func (s *Subscriber) setState(st State) { s.state.Store(int32(st)) }

// State returns the current state.
func (s *Subscriber) State() State { return State(s.state.Load()) }

// Subject returns the subscribed subject.
func (s *Subscriber) Subject() string { return s.cfg.Subject }

// Done is closed when the stream has ended and the connection is released.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err reports why the stream ended on its own. It is nil while running and after Close.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *Subscriber) Stats() Stats {
	return Stats{
		Received:      s.received.Load(),
		HandlerErrors: s.handlerErrors.Load(),
		Panics:        s.panics.Load(),
		StreamErrors:  s.streamErrors.Load(),
		Queued:        len(s.mailbox),
	}
}

// Close cancels the subscription, waits for the handler to return and closes the connection.
// Messages still queued are discarded.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done

	return nil
}
