// Package metrics holds the Prometheus collectors of the switchboard. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	dispatches      *prometheus.CounterVec
	brokerAttempts  *prometheus.CounterVec
	rateLimited     prometheus.Counter
	eventsPublished *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	subscribers     *prometheus.GaugeVec
	sweeps          *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "dispatch_total",
			Help:      "Dispatched messages by outcome.",
		}, []string{"outcome"}),
		brokerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "broker_attempts_total",
			Help:      "Broker send attempts by broker kind and result.",
		}, []string{"broker", "result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "rate_limited_total",
			Help:      "Dispatches rejected by the session rate limiter.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "events_published_total",
			Help:      "Domain events published by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber was too slow.",
		}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "push_subscribers",
			Help:      "Live push subscribers by channel.",
		}, []string{"channel"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "sweep_sessions_total",
			Help:      "Sessions changed by background sweeps.",
		}, []string{"job"}),
	}
	m.registry.MustRegister(
		m.dispatches, m.brokerAttempts, m.rateLimited, m.eventsPublished,
		m.eventsDropped, m.subscribers, m.sweeps,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Dispatch(outcome string) {
	if m != nil {
		m.dispatches.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) BrokerAttempt(broker, result string) {
	if m != nil {
		m.brokerAttempts.WithLabelValues(broker, result).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) EventPublished(kind string) {
	if m != nil {
		m.eventsPublished.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

// SubscriberDelta moves the live subscriber gauge of a channel (ws, sse).
func (m *Metrics) SubscriberDelta(channel string, delta float64) {
	if m != nil {
		m.subscribers.WithLabelValues(channel).Add(delta)
	}
}

func (m *Metrics) Swept(job string, n int) {
	if m != nil && n > 0 {
		m.sweeps.WithLabelValues(job).Add(float64(n))
	}
}
