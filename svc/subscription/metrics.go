package subscription

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports lifecycle counters to Prometheus. It is an Observer.
type Metrics struct {
	transitions     *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	sweepRuns       *prometheus.CounterVec
	sweepAffected   *prometheus.CounterVec
}

// NewMetrics creates and registers the billing metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_subscription_transitions_total",
			Help: "Committed subscription status transitions",
		}, []string{"from", "to", "trigger"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Gateway webhook deliveries by kind and outcome",
		}, []string{"kind", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_webhook_duration_seconds",
			Help:    "Gateway webhook processing time",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_sweep_runs_total",
			Help: "Lifecycle sweep runs by result",
		}, []string{"result"}),
		sweepAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_sweep_rows_total",
			Help: "Rows changed by the lifecycle sweep",
		}, []string{"step"}),
	}
	reg.MustRegister(m.transitions, m.webhooks, m.webhookDuration, m.sweepRuns, m.sweepAffected)
	return m
}

func (m *Metrics) OnTransition(_ context.Context, ev TransitionEvent) {
	from := string(ev.From)
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, string(ev.To), string(ev.Trigger)).Inc()
}

func (m *Metrics) ObserveWebhook(kind, outcome string, d time.Duration) {
	m.webhooks.WithLabelValues(kind, outcome).Inc()
	m.webhookDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) observeSweep(result string, renewed, expired, reverted int) {
	m.sweepRuns.WithLabelValues(result).Inc()
	m.sweepAffected.WithLabelValues("renew").Add(float64(renewed))
	m.sweepAffected.WithLabelValues("expire").Add(float64(expired))
	m.sweepAffected.WithLabelValues("revert_switch").Add(float64(reverted))
}
