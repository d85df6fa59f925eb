// Package metrics counts what the engine does with the events relays send,
// exposed on a dedicated prometheus registry.
package metrics

import (
	"net/http"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedr"

// Collector implements engine.Metrics.
type Collector struct {
	Registry      *prometheus.Registry
	received      *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	merged        *prometheus.CounterVec
	persisted     prometheus.Counter
	notifications *prometheus.CounterVec
}

// New creates the counters on a fresh registry, together with the go
// runtime and process collectors.
func New() (m *Collector) {
	m = &Collector{
		Registry: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events received from relays",
		}, []string{"relay"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded before merging",
		}, []string{"reason"}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_merged_total",
			Help:      "Events merged into the working set or store",
		}, []string{"kind"}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_persisted_total",
			Help:      "Events written to the local store",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications handed to the presentation side",
		}, []string{"type"}),
	}
	m.Registry.MustRegister(m.received, m.dropped, m.merged, m.persisted,
		m.notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return
}

func (m *Collector) Received(relay string) { m.received.WithLabelValues(relay).Inc() }
func (m *Collector) Dropped(reason string) { m.dropped.WithLabelValues(reason).Inc() }
func (m *Collector) Merged(k kind.T)       { m.merged.WithLabelValues(k.String()).Inc() }
func (m *Collector) Persisted()            { m.persisted.Inc() }
func (m *Collector) Notified(typ string)   { m.notifications.WithLabelValues(typ).Inc() }

// Handler serves the registry in the prometheus text format.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		Registry: m.Registry,
	})
}
