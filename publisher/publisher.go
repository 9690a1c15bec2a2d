package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/next-trace/scg-event-bus/connection"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/deadletter"
	"github.com/next-trace/scg-event-bus/event"
	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/tracing"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const metricsKind = "publisher"

// State is the lifecycle state of the current worker.
type State int32

const (
	StateStarting State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	Accepted     uint64
	Dropped      uint64
	Published    uint64
	Retried      uint64
	DeadLettered uint64
	Restarts     uint64
	Queued       int
}

// envelope is one encoded event travelling through the mailbox.
type envelope struct {
	event    event.Event
	body     []byte
	parent   trace.SpanContext
	attempts int
}

// Publisher is the handle callers publish through. The mailbox belongs to the handle,
// so queued envelopes survive worker restarts.
type Publisher struct {
	cfg        Config
	connector  *connection.Connector
	logger     *slog.Logger
	metrics    *metrics.Recorder
	sink       deadletter.Sink
	propagator cbus.HeaderPropagator
	tracer     trace.Tracer

	mailbox  chan *envelope
	inflight errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// gate is held shared by Publish and exclusively when the supervisor marks the
	// publisher closed, so every accepted envelope is either published or drained.
	gate      sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	state     atomic.Int32

	accepted     atomic.Uint64
	dropped      atomic.Uint64
	published    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	restarts     atomic.Uint64
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithDeadLetter sets where envelopes go after MaxAttempts failed publishes.
// The default logs them.
func WithDeadLetter(s deadletter.Sink) Option {
	return func(p *Publisher) {
		if s != nil {
			p.sink = s
		}
	}
}

// WithPropagator sets the header propagator used to carry trace context.
func WithPropagator(hp cbus.HeaderPropagator) Option {
	return func(p *Publisher) {
		if hp != nil {
			p.propagator = hp
		}
	}
}

// WithTracerProvider sets the provider of producer spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Publisher) { p.tracer = tracing.Tracer(tp) }
}

// Start validates cfg and launches the supervised worker. It returns immediately;
// connecting happens in the background. ctx bounds the publisher's lifetime.
func Start(ctx context.Context, cfg Config, connector *connection.Connector, opts ...Option) (*Publisher, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	if connector == nil {
		return nil, fmt.Errorf("publisher: %w", errors.Join(berr.ErrInvalidConfig, errors.New("nil connector")))
	}

	p := &Publisher{
		cfg:        cfg,
		connector:  connector,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		propagator: cbus.NopHeaderPropagator{},
		tracer:     tracing.Tracer(nil),
		mailbox:    make(chan *envelope, cfg.MailboxCapacity),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.sink == nil {
		p.sink = deadletter.NewLogSink(p.logger)
	}

	p.logger = p.logger.With("subject", cfg.Subject)
	p.inflight.SetLimit(cfg.MaxInflight)
	p.ctx, p.cancel = context.WithCancel(ctx)

	go p.supervise()

	return p, nil
}

// Publish encodes e and enqueues it according to the overflow policy. A nil return means
// the envelope was accepted, not that it reached the bus.
func (p *Publisher) Publish(ctx context.Context, e event.Event) error {
	p.gate.RLock()
	defer p.gate.RUnlock()

	if p.closed.Load() {
		return fmt.Errorf("publish %s: %w", e.ID, berr.ErrPublisherClosed)
	}

	body, err := event.Encode(e)
	if err != nil {
		p.logger.ErrorContext(ctx, "error serializing event", "event_id", e.ID, "event_type", e.Type, "err", err)

		return err
	}

	env := &envelope{event: e, body: body, parent: trace.SpanContextFromContext(ctx)}

	if err := p.enqueue(ctx, env); err != nil {
		return err
	}

	p.accepted.Add(1)
	p.metrics.Enqueue(p.cfg.Subject)
	p.metrics.Depth(metricsKind, p.cfg.Subject, len(p.mailbox))

	return nil
}

func (p *Publisher) enqueue(ctx context.Context, env *envelope) error {
	switch p.cfg.Overflow {
	case DropOldest:
		for {
			select {
			case p.mailbox <- env:
				return nil
			default:
			}

			select {
			case old := <-p.mailbox:
				p.drop(old, metrics.ReasonEvicted)
			default:
			}
		}

	case Block:
		var timeout <-chan time.Time

		if p.cfg.EnqueueTimeout > 0 {
			t := time.NewTimer(p.cfg.EnqueueTimeout)
			defer t.Stop()

			timeout = t.C
		}

		select {
		case p.mailbox <- env:
			return nil
		case <-timeout:
			p.drop(env, metrics.ReasonEnqueueTimeout)

			return fmt.Errorf("publish %s: enqueue timed out after %s: %w", env.event.ID, p.cfg.EnqueueTimeout, berr.ErrMailboxFull)
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return fmt.Errorf("publish %s: %w", env.event.ID, berr.ErrPublisherClosed)
		}

	default:
		select {
		case p.mailbox <- env:
			return nil
		default:
			p.drop(env, metrics.ReasonMailboxFull)

			return fmt.Errorf("publish %s: %w", env.event.ID, berr.ErrMailboxFull)
		}
	}
}

// resubmit puts env back into the mailbox without blocking. It never fails loudly:
// after Close, or with a full mailbox, the envelope is logged and counted as dropped.
func (p *Publisher) resubmit(env *envelope) {
	if p.closed.Load() {
		p.logger.Warn("publisher closed, dropping resubmitted event", "event_id", env.event.ID)
		p.drop(env, metrics.ReasonClosed)

		return
	}

	select {
	case p.mailbox <- env:
		p.metrics.Depth(metricsKind, p.cfg.Subject, len(p.mailbox))
	default:
		p.logger.Error("error while sending event to itself", "event_id", env.event.ID, "err", berr.ErrMailboxFull)
		p.drop(env, metrics.ReasonMailboxFull)
	}
}

func (p *Publisher) drop(env *envelope, reason string) {
	p.dropped.Add(1)
	p.metrics.Drop(p.cfg.Subject, reason)
	p.logger.Debug("event dropped", "event_id", env.event.ID, "reason", reason)
}

func (p *Publisher) deadLetter(env *envelope, cause error) {
	p.deadLettered.Add(1)
	p.metrics.DeadLetter(p.cfg.Subject)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 5*time.Second)
	defer cancel()

	letter := deadletter.Letter{
		Subject:   p.cfg.Subject,
		EventID:   env.event.ID,
		EventType: env.event.Type,
		Body:      env.body,
		Attempts:  env.attempts,
		Reason:    cause.Error(),
		FailedAt:  time.Now().UTC(),
	}

	if err := p.sink.Put(ctx, letter); err != nil {
		p.logger.Error("error storing dead letter", "event_id", env.event.ID, "err", err)
	}
}

// Subject returns the subject this publisher sends to.
func (p *Publisher) Subject() string { return p.cfg.Subject }

// State returns the current worker state.
func (p *Publisher) State() State { return State(p.state.Load()) }

func (p *Publisher) setState(s State) { p.state.Store(int32(s)) }

// Stats returns a snapshot of the counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Accepted:     p.accepted.Load(),
		Dropped:      p.dropped.Load(),
		Published:    p.published.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		Restarts:     p.restarts.Load(),
		Queued:       len(p.mailbox),
	}
}

// Done is closed once the supervisor has stopped and the connection is released.
func (p *Publisher) Done() <-chan struct{} { return p.done }

// Close stops the worker, waits for in-flight publishes and closes the connection.
// Envelopes still queued are dropped. Close is idempotent.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
	})

	<-p.done

	return nil
}
