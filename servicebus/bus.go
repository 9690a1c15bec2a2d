package servicebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/next-trace/scg-event-bus/connection"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/deadletter"
	"github.com/next-trace/scg-event-bus/event"
	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/publisher"
	"github.com/next-trace/scg-event-bus/subscriber"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMailboxCapacity is used for publishers and subscribers created without an explicit capacity.
const DefaultMailboxCapacity = 1024

// Bus owns one connector and every publisher and subscriber created through it.
// It is safe for concurrent use.
type Bus struct {
	dialer    cbus.Dialer
	connector *connection.Connector
	settings  connection.ClientSettings
	defaults  publisher.Config

	logger     *slog.Logger
	metrics    *metrics.Recorder
	sink       deadletter.Sink
	propagator cbus.HeaderPropagator
	tracer     trace.TracerProvider
	connOpts   []connection.Option

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pubs    map[string]*publisher.Publisher
	subs    []*subscription
	closers []func() error
	closed  bool
}

type subscription struct {
	sub    *subscriber.Subscriber
	cancel context.CancelFunc
}

// BusOption configures a Bus instance.
type BusOption func(*Bus)

// WithMetrics records connector, publisher and subscriber metrics.
func WithMetrics(m *metrics.Recorder) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// WithDeadLetter sets the sink for envelopes that exhausted their attempts.
func WithDeadLetter(s deadletter.Sink) BusOption {
	return func(b *Bus) { b.sink = s }
}

// WithPropagator injects and extracts trace context through message headers.
func WithPropagator(hp cbus.HeaderPropagator) BusOption {
	return func(b *Bus) { b.propagator = hp }
}

// WithTracerProvider sets the provider used for publish and process spans.
func WithTracerProvider(tp trace.TracerProvider) BusOption {
	return func(b *Bus) { b.tracer = tp }
}

// WithPublisherDefaults is the template for publishers created by Publisher and Publish.
// Subject and ClientSettings are ignored.
func WithPublisherDefaults(cfg publisher.Config) BusOption {
	return func(b *Bus) { b.defaults = cfg }
}

// WithConnectorOptions is passed to connection.New.
func WithConnectorOptions(opts ...connection.Option) BusOption {
	return func(b *Bus) { b.connOpts = append(b.connOpts, opts...) }
}

// WithDialer replaces the dialer passed to New or chosen by FromConfig.
func WithDialer(d cbus.Dialer) BusOption {
	return func(b *Bus) { b.dialer = d }
}

// WithCloser registers a function run by Close after every publisher and subscriber stopped.
func WithCloser(fn func() error) BusOption {
	return func(b *Bus) { b.closers = append(b.closers, fn) }
}

// New constructs a Bus dialing through d with the given settings. A nil logger discards output.
func New(d cbus.Dialer, settings connection.ClientSettings, logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Bus{
		dialer:   d,
		settings: settings,
		defaults: publisher.Config{MailboxCapacity: DefaultMailboxCapacity},
		logger:   logger,
		pubs:     make(map[string]*publisher.Publisher),
	}

	for _, opt := range opts {
		opt(b)
	}

	connOpts := append([]connection.Option{
		connection.WithLogger(logger),
		connection.WithMetrics(b.metrics),
	}, b.connOpts...)

	b.connector = connection.New(b.dialer, connOpts...)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	return b
}

// Connector returns the shared connector.
func (b *Bus) Connector() *connection.Connector { return b.connector }

// Publisher returns the publisher for subject, starting one from the defaults on first use.
func (b *Bus) Publisher(subject string) (*publisher.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.pubs[subject]; ok {
		return p, nil
	}

	cfg := b.defaults
	cfg.Subject = subject

	return b.startPublisherLocked(cfg)
}

// StartPublisher starts a publisher with an explicit configuration. Empty ClientSettings
// addresses inherit the bus settings. A subject can only have one publisher.
func (b *Bus) StartPublisher(cfg publisher.Config) (*publisher.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pubs[cfg.Subject]; ok {
		return nil, fmt.Errorf("publisher %s: %w", cfg.Subject, berr.ErrHandlerExists)
	}

	return b.startPublisherLocked(cfg)
}

func (b *Bus) startPublisherLocked(cfg publisher.Config) (*publisher.Publisher, error) {
	if b.closed {
		return nil, fmt.Errorf("publisher %s: %w", cfg.Subject, berr.ErrPublisherClosed)
	}

	if cfg.ClientSettings.JoinedAddresses() == "" {
		cfg.ClientSettings = b.settings
	}

	opts := []publisher.Option{
		publisher.WithLogger(b.logger),
		publisher.WithMetrics(b.metrics),
		publisher.WithTracerProvider(b.tracer),
	}

	if b.sink != nil {
		opts = append(opts, publisher.WithDeadLetter(b.sink))
	}

	if b.propagator != nil {
		opts = append(opts, publisher.WithPropagator(b.propagator))
	}

	p, err := publisher.Start(b.ctx, cfg, b.connector, opts...)
	if err != nil {
		return nil, err
	}

	b.pubs[cfg.Subject] = p

	return p, nil
}

// Publish enqueues e on the publisher for subject.
func (b *Bus) Publish(ctx context.Context, subject string, e event.Event) error {
	p, err := b.Publisher(subject)
	if err != nil {
		return err
	}

	return p.Publish(ctx, e)
}

// BatchOptions controls PublishBatch.
// OnProgress is called after each event is handled (accepted or not) with done and total.
// OnError is called when an event is rejected with its index, the event, and the error.
type BatchOptions struct {
	OnProgress func(done, total int)
	OnError    func(index int, e event.Event, err error)
}

// BatchOpt configures BatchOptions.
type BatchOpt func(*BatchOptions)

// WithBatchProgress sets the progress callback.
func WithBatchProgress(fn func(done, total int)) BatchOpt {
	return func(o *BatchOptions) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError(fn func(index int, e event.Event, err error)) BatchOpt {
	return func(o *BatchOptions) { o.OnError = fn }
}

// PublishBatch enqueues events in order on subject's publisher.
// It respects context cancellation, reports progress, and aggregates errors.
func (b *Bus) PublishBatch(ctx context.Context, subject string, events []event.Event, opts ...BatchOpt) error {
	var o BatchOptions
	for _, f := range opts {
		f(&o)
	}

	p, err := b.Publisher(subject)
	if err != nil {
		return err
	}

	total := len(events)

	var errs []error

	for i, e := range events {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		if err := p.Publish(ctx, e); err != nil {
			if o.OnError != nil {
				o.OnError(i, e, err)
			}

			errs = append(errs, err)
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, total)
		}
	}

	return errors.Join(errs...)
}

// Subscribe connects a new subscriber. ctx bounds connecting only; the subscription lives
// until it ends, is closed, or the bus is closed. Empty ClientSettings addresses inherit the
// bus settings and a zero capacity uses DefaultMailboxCapacity.
func (b *Bus) Subscribe(ctx context.Context, cfg subscriber.Config, h cbus.Handler) (*subscriber.Subscriber, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, berr.ErrSubscriptionClosed)
	}
	b.mu.Unlock()

	if cfg.ClientSettings.JoinedAddresses() == "" {
		cfg.ClientSettings = b.settings
	}

	if cfg.MailboxCapacity == 0 {
		cfg.MailboxCapacity = DefaultMailboxCapacity
	}

	opts := []subscriber.Option{
		subscriber.WithLogger(b.logger),
		subscriber.WithMetrics(b.metrics),
		subscriber.WithTracerProvider(b.tracer),
	}

	if b.propagator != nil {
		opts = append(opts, subscriber.WithPropagator(b.propagator))
	}

	sctx, cancel := context.WithCancel(b.ctx)
	stop := context.AfterFunc(ctx, cancel)

	s, err := subscriber.Subscribe(sctx, cfg, b.connector, h, opts...)
	stop()

	if err != nil {
		cancel()

		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		cancel()

		return nil, errors.Join(fmt.Errorf("subscribe %s: %w", cfg.Subject, berr.ErrSubscriptionClosed), s.Close())
	}

	b.subs = append(b.subs, &subscription{sub: s, cancel: cancel})

	return s, nil
}

// Stats returns a snapshot of every publisher's counters keyed by subject.
func (b *Bus) Stats() map[string]publisher.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]publisher.Stats, len(b.pubs))
	for subject, p := range b.pubs {
		out[subject] = p.Stats()
	}

	return out
}

// Subjects lists the subjects with a running publisher, sorted.
func (b *Bus) Subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.pubs))
	for subject := range b.pubs {
		out = append(out, subject)
	}

	sort.Strings(out)

	return out
}

// Close stops every publisher and subscriber, then runs the registered closers.
// Calling Close more than once returns nil.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	pubs := make([]*publisher.Publisher, 0, len(b.pubs))

	for _, p := range b.pubs {
		pubs = append(pubs, p)
	}

	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var errs []error

	for _, s := range subs {
		if err := s.sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber %s: %w", s.sub.Subject(), err))
		}

		s.cancel()
	}

	for _, p := range pubs {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher %s: %w", p.Subject(), err))
		}
	}

	b.cancel()

	for _, fn := range b.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		b.logger.Error("service bus closed with errors", "err", errors.Join(errs...))
	} else {
		b.logger.Info("service bus closed", "subjects", strings.Join(b.Subjects(), ","))
	}

	return errors.Join(errs...)
}
