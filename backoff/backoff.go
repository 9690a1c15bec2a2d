package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	cb "github.com/cenkalti/backoff/v5"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// ErrBudgetExhausted is joined with the last operation error once MaxElapsedTime is spent.
var ErrBudgetExhausted = berr.ErrRetriesExhausted

// Policy describes an exponential retry schedule.
// A zero MaxElapsedTime means no deadline.
type Policy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxElapsedTime      time.Duration
}

// New returns the default exponential policy. A nil maxElapsed retries forever.
func New(maxElapsed *time.Duration) Policy {
	p := Policy{
		InitialInterval:     cb.DefaultInitialInterval,
		MaxInterval:         cb.DefaultMaxInterval,
		Multiplier:          cb.DefaultMultiplier,
		RandomizationFactor: cb.DefaultRandomizationFactor,
	}

	if maxElapsed != nil && *maxElapsed > 0 {
		p.MaxElapsedTime = *maxElapsed
	}

	return p
}

// Unbounded reports whether the policy retries forever.
func (p Policy) Unbounded() bool { return p.MaxElapsedTime <= 0 }

// Schedule returns a fresh delay generator for this policy.
func (p Policy) Schedule() cb.BackOff {
	eb := cb.NewExponentialBackOff()

	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}

	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}

	if p.Multiplier >= 1 {
		eb.Multiplier = p.Multiplier
	}

	if p.RandomizationFactor >= 0 && p.RandomizationFactor < 1 {
		eb.RandomizationFactor = p.RandomizationFactor
	}

	eb.Reset()

	return eb
}

// Notify is called after a failed attempt with the error and the upcoming delay.
type Notify func(err error, next time.Duration)

// Retry runs op until it succeeds, returns a permanent error (see Permanent),
// ctx ends, or the elapsed-time budget is spent. The last delay is clamped so the
// final attempt runs at the deadline: a budget failure is never reported early.
func (p Policy) Retry(ctx context.Context, op func(context.Context) error, notify Notify) error {
	schedule := p.Schedule()
	started := time.Now()

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *cb.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}

		elapsed := time.Since(started)
		if !p.Unbounded() && elapsed >= p.MaxElapsedTime {
			return fmt.Errorf("retry budget %s spent after %s: %w", p.MaxElapsedTime, elapsed, errors.Join(ErrBudgetExhausted, err))
		}

		next := schedule.NextBackOff()
		if next == cb.Stop {
			return errors.Join(ErrBudgetExhausted, err)
		}

		if !p.Unbounded() {
			if remaining := p.MaxElapsedTime - elapsed; next > remaining {
				next = remaining
			}
		}

		if notify != nil {
			notify(err, next)
		}

		if err := sleep(ctx, next); err != nil {
			return err
		}
	}
}

// Permanent marks err so Retry stops immediately and returns err.
func Permanent(err error) error { return cb.Permanent(err) }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sleep waits for d or until ctx ends. It is the shared scheduled sleep used by the
// workers for resend delays and restart cool-downs.
func Sleep(ctx context.Context, d time.Duration) error { return sleep(ctx, d) }
