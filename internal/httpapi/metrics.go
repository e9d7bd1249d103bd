// Package httpapi exposes the bridge's non-WebSocket surface: a
// status/health endpoint and a Prometheus scrape endpoint, served on
// their own listener alongside the WebSocket port per §2.0 of the
// ambient stack. Routing follows the teacher's gorilla/mux +
// gorilla/handlers pattern; the metrics themselves follow the
// teacher's prometheus/client_golang collector.
package httpapi

import (
	"time"

	"github.com/haexspace/haexbridge/internal/crdtjournal"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus-backed implementation of
// internal/router.Metrics, internal/bridge.Metrics, and
// internal/crdtjournal.Metrics. One instance is shared across all
// three so a single /metrics scrape covers the whole bridge.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	handshakesByOutcome *prometheus.CounterVec
	requestsRouted      *prometheus.CounterVec
	requestLatency      *prometheus.HistogramVec
	journalWrites       *prometheus.CounterVec
	cleanupRuns         prometheus.Counter
	cleanupRowsDeleted  prometheus.Counter
}

// NewMetrics constructs a Metrics with its own registry, so this
// process's scrape endpoint never mixes with any other component's
// default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "haexbridge",
			Name:      "connections_accepted_total",
			Help:      "WebSocket connections accepted by the bridge server.",
		}),
		handshakesByOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haexbridge",
			Name:      "handshakes_total",
			Help:      "Handshakes completed, by outcome.",
		}, []string{"outcome"}),
		requestsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haexbridge",
			Name:      "requests_routed_total",
			Help:      "Requests dispatched to an extension handler, by outcome.",
		}, []string{"extension", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "haexbridge",
			Name:      "request_latency_seconds",
			Help:      "Time from dispatch to resolution for a routed request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"extension"}),
		journalWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haexbridge",
			Name:      "journal_writes_total",
			Help:      "CRDT journal entries appended, by operation.",
		}, []string{"operation"}),
		cleanupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "haexbridge",
			Name:      "journal_cleanup_runs_total",
			Help:      "Journal cleanup passes executed.",
		}),
		cleanupRowsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "haexbridge",
			Name:      "journal_cleanup_rows_deleted_total",
			Help:      "Journal rows deleted across all cleanup passes.",
		}),
	}

	reg.MustRegister(
		m.connectionsAccepted,
		m.handshakesByOutcome,
		m.requestsRouted,
		m.requestLatency,
		m.journalWrites,
		m.cleanupRuns,
		m.cleanupRowsDeleted,
	)
	return m
}

// Registry exposes the collector registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordConnectionAccepted implements internal/bridge.Metrics.
func (m *Metrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

// RecordHandshakeOutcome implements internal/bridge.Metrics.
func (m *Metrics) RecordHandshakeOutcome(outcome string) {
	m.handshakesByOutcome.WithLabelValues(outcome).Inc()
}

// RecordDispatch implements internal/router.Metrics.
func (m *Metrics) RecordDispatch(extension string, latency time.Duration, outcome string) {
	m.requestsRouted.WithLabelValues(extension, outcome).Inc()
	m.requestLatency.WithLabelValues(extension).Observe(latency.Seconds())
}

// RecordJournalWrite implements internal/crdtjournal.Metrics.
func (m *Metrics) RecordJournalWrite(op crdtjournal.Operation) {
	m.journalWrites.WithLabelValues(string(op)).Inc()
}

// RecordCleanupRun implements internal/crdtjournal.Metrics.
func (m *Metrics) RecordCleanupRun(result crdtjournal.CleanupResult) {
	m.cleanupRuns.Inc()
	m.cleanupRowsDeleted.Add(float64(result.TotalDeleted))
}
