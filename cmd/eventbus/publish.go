package main

import (
	"context"
	"fmt"
	"time"

	"github.com/next-trace/scg-event-bus/event"
	"github.com/next-trace/scg-event-bus/event/auth"
	"github.com/next-trace/scg-event-bus/publisher"
	"github.com/next-trace/scg-event-bus/servicebus"
	"github.com/spf13/cobra"
)

type publishFlags struct {
	subject string
	typ     string
	source  string
	traceID string
	count   int
	wait    time.Duration

	from, to, sub, body string
	userID, email       string
}

func newPublishCmd(a *app) *cobra.Command {
	var f publishFlags

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish auth service events",
		Long: `Publish builds auth service events and hands them to a supervised publisher.

Examples:
  eventbus publish --type send-otp --to jane@example.com --body 123456
  eventbus publish --type user-created --user-id 42 --email jane@example.com
  eventbus publish --type ping --count 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPublish(cmd.Context(), a, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.subject, "subject", "", "bus subject (defaults to publisher.subject)")
	fl.StringVarP(&f.typ, "type", "t", "ping", "event type: send-otp, user-created or ping")
	fl.StringVar(&f.source, "source", "eventbus-cli", "CloudEvents source")
	fl.StringVar(&f.traceID, "trace-id", "", "event id; numbered when --count is above one")
	fl.IntVarP(&f.count, "count", "n", 1, "number of events")
	fl.DurationVar(&f.wait, "wait", 10*time.Second, "how long to wait for the events to reach the bus")
	fl.StringVar(&f.from, "from", "no-reply@example.com", "send-otp sender")
	fl.StringVar(&f.to, "to", "", "send-otp recipient")
	fl.StringVar(&f.sub, "sub", "Your verification code", "send-otp subject line")
	fl.StringVar(&f.body, "body", "", "send-otp body")
	fl.StringVar(&f.userID, "user-id", "", "user-created user id")
	fl.StringVar(&f.email, "email", "", "user-created email")

	return cmd
}

func runPublish(ctx context.Context, a *app, f publishFlags) error {
	if f.count < 1 {
		return fmt.Errorf("--count must be at least 1, got %d", f.count)
	}

	events := make([]event.Event, 0, f.count)

	for i := range f.count {
		e, err := buildEvent(f, i)
		if err != nil {
			return err
		}

		events = append(events, e)
	}

	subject := f.subject
	if subject == "" {
		subject = a.cfg.Publisher.Subject
	}

	sb, err := a.bus()
	if err != nil {
		return err
	}
	defer func() { _ = sb.Close() }()

	rejected := 0

	err = sb.PublishBatch(ctx, subject, events, servicebus.WithBatchOnError(func(i int, e event.Event, err error) {
		rejected++
		a.logger.Warn("event rejected", "index", i, "event_id", e.ID, "err", err)
	}))
	if err != nil && rejected == len(events) {
		return err
	}

	p, err := sb.Publisher(subject)
	if err != nil {
		return err
	}

	st := waitSettled(ctx, p, uint64(rejected), f.wait)
	fmt.Fprintf(a.out, "published %d/%d events to %s (dropped %d, dead-lettered %d)\n",
		st.Published, len(events), subject, st.Dropped, st.DeadLettered)

	if st.Published != st.Accepted {
		return fmt.Errorf("%d of %d accepted events did not reach the bus", st.Accepted-st.Published, st.Accepted)
	}

	return nil
}

func buildEvent(f publishFlags, i int) (event.Event, error) {
	traceID := f.traceID
	if traceID != "" && f.count > 1 {
		traceID = fmt.Sprintf("%s-%d", traceID, i+1)
	}

	meta := auth.Meta{TraceID: traceID, Source: f.source}

	switch f.typ {
	case "send-otp", auth.TypeSendOtp:
		return auth.NewSendOtp(meta, auth.SendOtpMessage{From: f.from, To: f.to, Sub: f.sub, Body: f.body})
	case "user-created", auth.TypeUserCreated:
		return auth.NewUserCreated(meta, auth.UserCreatedMessage{UserID: f.userID, Email: f.email})
	case "ping", auth.TypePing:
		if traceID == "" {
			return event.New(f.source, auth.TypePing, auth.PingMessage{}, event.WithSubject("ping_message"))
		}

		return auth.NewPing(f.source, traceID)
	default:
		return event.Event{}, fmt.Errorf("unknown event type %q", f.typ)
	}
}

// waitSettled polls until every accepted envelope was published, dead-lettered or dropped,
// ctx ends, or timeout elapses. rejected envelopes were counted as dropped but never accepted.
func waitSettled(ctx context.Context, p *publisher.Publisher, rejected uint64, timeout time.Duration) publisher.Stats {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		st := p.Stats()
		if st.Published+st.DeadLettered+st.Dropped >= st.Accepted+rejected {
			return st
		}

		select {
		case <-ctx.Done():
			return p.Stats()
		case <-tick.C:
		}
	}
}
