package publisher

import (
	"context"
	"errors"
	"sync"

	"github.com/next-trace/scg-event-bus/backoff"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/tracing"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errConnectionLost = errors.New("publisher: connection lost")

// supervise recreates the worker after every failure until the publisher is closed.
// The connection a worker held is handed to its successor, which closes it once.
func (p *Publisher) supervise() {
	defer close(p.done)

	var (
		prev      cbus.Conn
		restarted bool
	)

	for {
		w := &worker{p: p, restarted: restarted, prev: prev, lost: make(chan struct{})}

		conn, err := w.run(p.ctx)
		prev = conn

		if p.ctx.Err() != nil {
			break
		}

		p.logger.Warn("publisher worker stopped, restarting", "err", err)
		p.restarts.Add(1)
		p.metrics.Restart(p.cfg.Subject)

		restarted = true
	}

	p.gate.Lock()
	p.closed.Store(true)
	p.gate.Unlock()

	p.setState(StateStopped)

	_ = p.inflight.Wait()

	if prev != nil {
		if err := prev.Close(); err != nil {
			p.logger.Error("error closing connection", "err", err)
		}
	}

	for {
		select {
		case env := <-p.mailbox:
			p.drop(env, metrics.ReasonClosed)
		default:
			p.metrics.Depth(metricsKind, p.cfg.Subject, 0)
			p.logger.Info("publisher stopped")

			return
		}
	}
}

type worker struct {
	p         *Publisher
	restarted bool
	prev      cbus.Conn

	lost     chan struct{}
	lostOnce sync.Once
}

// run drives one worker lifetime. It returns the connection it ended up holding,
// which may be nil, and why it stopped.
func (w *worker) run(ctx context.Context) (cbus.Conn, error) {
	p := w.p
	p.setState(StateStarting)

	if w.restarted {
		p.logger.Info("publisher was restarted after a failure, waiting before reconnecting", "cooldown", p.cfg.RestartCooldown)

		if err := backoff.Sleep(ctx, p.cfg.RestartCooldown); err != nil {
			return w.prev, err
		}
	}

	p.setState(StateConnecting)

	if w.prev != nil {
		if err := w.prev.Close(); err != nil {
			p.logger.Error("error while closing previously opened connection", "err", err)
		}

		w.prev = nil
	}

	conn, err := p.connector.ConnectWithRetry(ctx, p.cfg.ClientSettings)
	if err != nil {
		p.setState(StateFailed)

		if ctx.Err() == nil {
			p.logger.Error("publisher could not connect", "err", err)
		}

		return nil, err
	}

	p.setState(StateConnected)
	p.logger.Info("publisher connected")

	return conn, w.loop(ctx, conn)
}

func (w *worker) loop(ctx context.Context, conn cbus.Conn) error {
	p := w.p

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-w.lost:
			p.setState(StateFailed)

			return errConnectionLost

		case env := <-p.mailbox:
			p.metrics.Depth(metricsKind, p.cfg.Subject, len(p.mailbox))
			p.inflight.Go(func() error {
				w.publish(ctx, conn, env)

				return nil
			})
		}
	}
}

func (w *worker) connectionLost() {
	w.lostOnce.Do(func() { close(w.lost) })
}

func (w *worker) publish(ctx context.Context, conn cbus.Conn, env *envelope) {
	p := w.p
	subject := p.cfg.Subject

	spanCtx := trace.ContextWithSpanContext(ctx, env.parent)
	spanCtx, span := tracing.StartPublish(spanCtx, p.tracer, subject, env.event.ID, env.attempts+1)

	defer span.End()

	headers := map[string]string{}
	p.propagator.Inject(spanCtx, headers)

	if len(headers) == 0 {
		headers = nil
	}

	err := conn.Publish(spanCtx, subject, env.body, headers)
	if err == nil {
		p.published.Add(1)
		p.metrics.Publish(subject)
		p.logger.Debug("event published", "event_id", env.event.ID, "event_type", env.event.Type)

		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ctx.Err() != nil {
		p.drop(env, metrics.ReasonClosed)

		return
	}

	if errors.Is(err, berr.ErrNotConnected) {
		p.logger.Warn("connection not established, stopping worker and reprocessing event", "event_id", env.event.ID)
		w.connectionLost()
		p.resubmit(env)

		return
	}

	env.attempts++
	p.logger.Error("error sending event", "event_id", env.event.ID, "attempt", env.attempts, "err", err)

	if env.attempts >= p.cfg.MaxAttempts {
		p.deadLetter(env, &berr.OperationError{Subject: subject, Cause: err})

		return
	}

	if err := backoff.Sleep(ctx, p.cfg.ResendDelay); err != nil {
		p.drop(env, metrics.ReasonClosed)

		return
	}

	p.retried.Add(1)
	p.metrics.Retry(subject)
	p.resubmit(env)
}
