package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/next-trace/scg-event-bus/event"
	"github.com/next-trace/scg-event-bus/event/auth"
	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/servicebus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

type subscribeFlags struct {
	subject     string
	metricsAddr string
	max         int
}

func newSubscribeCmd(a *app) *cobra.Command {
	var f subscribeFlags

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Consume a subject and route auth service events by type",
		Long: `Subscribe consumes a subject until interrupted. Known auth service events are
printed one per line; unknown event types are skipped. Prometheus metrics are served on
metrics.addr unless it is empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				a.cfg.Metrics.Addr = f.metricsAddr
			}

			return runSubscribe(cmd.Context(), a, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.subject, "subject", "", "bus subject (defaults to subscriber.subject)")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus listen address, overrides metrics.addr")
	fl.IntVar(&f.max, "max", 0, "stop after this many routed events; 0 runs until interrupted")

	return cmd
}

// printer writes one line per routed event and reports when max lines were written.
type printer struct {
	mu   sync.Mutex
	a    *app
	max  int
	seen atomic.Int64
	done chan struct{}
	once sync.Once
}

func (p *printer) print(ctx context.Context, e event.Event, detail string) error {
	p.mu.Lock()
	fmt.Fprintf(p.a.out, "%s %s %s\n", e.Type, e.ID, detail)
	p.mu.Unlock()

	p.a.logger.InfoContext(ctx, "event received", "event_type", e.Type, "event_id", e.ID, "source", e.Source)

	if n := p.seen.Add(1); p.max > 0 && n >= int64(p.max) {
		p.once.Do(func() { close(p.done) })
	}

	return nil
}

func (p *printer) routes(r *event.Router) error {
	return errors.Join(
		event.On(r, auth.TypeSendOtp, func(ctx context.Context, e event.Event, m auth.SendOtpMessage) error {
			return p.print(ctx, e, "to="+m.To)
		}),
		event.On(r, auth.TypeUserCreated, func(ctx context.Context, e event.Event, m auth.UserCreatedMessage) error {
			return p.print(ctx, e, "user="+m.UserID)
		}),
		event.On(r, auth.TypePing, func(ctx context.Context, e event.Event, m auth.PingMessage) error {
			return p.print(ctx, e, "trace="+m.TraceID)
		}),
	)
}

func runSubscribe(ctx context.Context, a *app, f subscribeFlags) error {
	subject := f.subject
	if subject == "" {
		subject = a.cfg.Subscriber.Subject
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stopMetrics, err := serveMetrics(a, reg)
	if err != nil {
		return err
	}
	defer stopMetrics()

	sb, err := a.bus(servicebus.WithMetrics(metrics.New(reg)))
	if err != nil {
		return err
	}
	defer func() { _ = sb.Close() }()

	p := &printer{a: a, max: f.max, done: make(chan struct{})}
	router := event.NewRouter(a.logger)

	if err := p.routes(router); err != nil {
		return err
	}

	cfg := a.cfg.SubscriberConfig()
	cfg.Subject = subject

	sub, err := sb.Subscribe(ctx, cfg, router)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "subscribed to %s\n", subject)

	select {
	case <-ctx.Done():
		return nil
	case <-p.done:
		return nil
	case <-sub.Done():
		return sub.Err()
	}
}

// serveMetrics starts the Prometheus endpoint when an address is configured.
func serveMetrics(a *app, g prometheus.Gatherer) (func(), error) {
	if a.cfg.Metrics.Addr == "" {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", a.cfg.Metrics.Addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "err", err)
		}
	}()

	a.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("error stopping metrics server", "err", err)
		}
	}, nil
}
