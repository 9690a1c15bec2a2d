// Package metrics provides Prometheus metrics for the event bus workers.
// Labels are limited to subject and reason; event ids never become labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eventbus"

// Drop reasons.
const (
	ReasonMailboxFull    = "mailbox_full"
	ReasonEvicted        = "evicted"
	ReasonClosed         = "publisher_closed"
	ReasonEnqueueTimeout = "enqueue_timeout"
)

// Recorder groups the collectors of one registry.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	ConnectAttempts *prometheus.CounterVec
	Enqueued        *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	Published       *prometheus.CounterVec
	PublishRetries  *prometheus.CounterVec
	DeadLettered    *prometheus.CounterVec
	Restarts        *prometheus.CounterVec
	MailboxDepth    *prometheus.GaugeVec
	Received        *prometheus.CounterVec
	HandlerErrors   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered,
// which is what tests want.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)

	return &Recorder{
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total number of bus connection attempts, by result.",
		}, []string{"result"}),
		Enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "enqueued_total",
			Help:      "Total number of envelopes accepted into a publisher mailbox.",
		}, []string{"subject"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "dropped_total",
			Help:      "Total number of envelopes dropped, by subject and reason.",
		}, []string{"subject", "reason"}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "published_total",
			Help:      "Total number of envelopes handed to the transport successfully.",
		}, []string{"subject"}),
		PublishRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "retries_total",
			Help:      "Total number of envelopes resubmitted after a failed publish.",
		}, []string{"subject"}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "dead_lettered_total",
			Help:      "Total number of envelopes that exhausted their publish attempts.",
		}, []string{"subject"}),
		Restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "restarts_total",
			Help:      "Total number of publisher worker restarts.",
		}, []string{"subject"}),
		MailboxDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mailbox_depth",
			Help:      "Current number of queued mailbox items, by worker kind and subject.",
		}, []string{"kind", "subject"}),
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "received_total",
			Help:      "Total number of inbound messages dispatched to a handler.",
		}, []string{"subject"}),
		HandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "handler_errors_total",
			Help:      "Total number of handler invocations that returned an error or panicked.",
		}, []string{"subject"}),
	}
}

func (r *Recorder) ConnectAttempt(ok bool) {
	if r == nil {
		return
	}

	result := "error"
	if ok {
		result = "ok"
	}

	r.ConnectAttempts.WithLabelValues(result).Inc()
}

func (r *Recorder) Enqueue(subject string) {
	if r == nil {
		return
	}

	r.Enqueued.WithLabelValues(label(subject)).Inc()
}

// Drop records a dropped envelope with a concrete reason.
func (r *Recorder) Drop(subject, reason string) {
	if r == nil {
		return
	}

	if reason == "" {
		reason = "unknown"
	}

	r.Dropped.WithLabelValues(label(subject), reason).Inc()
}

func (r *Recorder) Publish(subject string) {
	if r == nil {
		return
	}

	r.Published.WithLabelValues(label(subject)).Inc()
}

func (r *Recorder) Retry(subject string) {
	if r == nil {
		return
	}

	r.PublishRetries.WithLabelValues(label(subject)).Inc()
}

func (r *Recorder) DeadLetter(subject string) {
	if r == nil {
		return
	}

	r.DeadLettered.WithLabelValues(label(subject)).Inc()
}

func (r *Recorder) Restart(subject string) {
	if r == nil {
		return
	}

	r.Restarts.WithLabelValues(label(subject)).Inc()
}

func (r *Recorder) Depth(kind, subject string, n int) {
	if r == nil {
		return
	}

	r.MailboxDepth.WithLabelValues(kind, label(subject)).Set(float64(n))
}

func (r *Recorder) Receive(subject string) {
	if r == nil {
		return
	}

	r.Received.WithLabelValues(label(subject)).Inc()
}

func (r *Recorder) HandlerError(subject string) {
	if r == nil {
		return
	}

	r.HandlerErrors.WithLabelValues(label(subject)).Inc()
}

func label(subject string) string {
	if subject == "" {
		return "unknown"
	}

	return subject
}
