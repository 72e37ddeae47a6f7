// Package telemetry carries flowguard's Prometheus metrics and
// OpenTelemetry tracing. Every method on a nil *Metrics is a no-op so
// components can be built without instrumentation.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	notifications      *prometheus.CounterVec
	notificationTime   *prometheus.HistogramVec
	transitions        *prometheus.CounterVec
	downstreamFailures *prometheus.CounterVec
	minted             prometheus.Counter
	registry           *prometheus.Registry
}

// NewMetrics creates the collectors and registers them on a fresh
// registry, so several engines in one process (tests) do not collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowguard_notifications_total",
				Help: "Ledger notifications handled, by kind and result.",
			},
			[]string{"kind", "result"},
		),
		notificationTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowguard_notification_duration_seconds",
				Help:    "Time spent handling a ledger notification.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowguard_transitions_total",
				Help: "Policy activation transitions, by new state.",
			},
			[]string{"state"},
		),
		downstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowguard_downstream_failures_total",
				Help: "Link deliveries that failed, by link and notification kind.",
			},
			[]string{"link", "kind"},
		),
		minted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowguard_policies_minted_total",
			Help: "Policies minted.",
		}),
		registry: reg,
	}
	reg.MustRegister(
		m.notifications,
		m.notificationTime,
		m.transitions,
		m.downstreamFailures,
		m.minted,
	)
	return m
}

// Notification records one handled notification.
func (m *Metrics) Notification(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result).Inc()
	m.notificationTime.WithLabelValues(kind).Observe(d.Seconds())
}

// Transition records a policy entering state.
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// DownstreamFailure records a failed link delivery.
func (m *Metrics) DownstreamFailure(link, kind string) {
	if m == nil {
		return
	}
	m.downstreamFailures.WithLabelValues(link, kind).Inc()
}

// Minted records a new policy.
func (m *Metrics) Minted() {
	if m == nil {
		return
	}
	m.minted.Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
