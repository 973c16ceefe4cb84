// Package metrics exposes Prometheus instrumentation for the guard's
// protocol decisions and background jobs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the guard's Prometheus collectors. A nil *Metrics is a
// no-op, so tests can leave it unwired.
type Metrics struct {
	registry *prometheus.Registry

	candidatesInserted prometheus.Counter
	candidatesReplaced prometheus.Counter
	candidatesDropped  prometheus.Counter

	activeSessions  prometheus.Gauge
	sessionsExpired prometheus.Counter

	eventsSwept *prometheus.CounterVec

	reprocessHonored prometheus.Counter
	reprocessIgnored prometheus.Counter
}

// New creates and registers the guard collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		candidatesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_candidates_inserted_total",
			Help: "Candidate transactions inserted as approved.",
		}),
		candidatesReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_candidates_replaced_total",
			Help: "Candidates replaced by a lower-txId competitor.",
		}),
		candidatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_candidates_dropped_total",
			Help: "Candidate proposals dropped by the tie-break.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_multisig_active_sessions",
			Help: "Multi-sig sessions currently held in memory.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_multisig_sessions_expired_total",
			Help: "Multi-sig sessions discarded by the cleanup sweep.",
		}),
		eventsSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_events_swept_total",
			Help: "Events moved by the periodic sweeps.",
		}, []string{"sweep"}),
		reprocessHonored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_reprocess_honored_total",
			Help: "Peer reprocess requests applied locally.",
		}),
		reprocessIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_reprocess_ignored_total",
			Help: "Peer reprocess requests dropped by cooldown or validation.",
		}),
	}

	registry.MustRegister(
		m.candidatesInserted,
		m.candidatesReplaced,
		m.candidatesDropped,
		m.activeSessions,
		m.sessionsExpired,
		m.eventsSwept,
		m.reprocessHonored,
		m.reprocessIgnored,
	)
	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncCandidatesInserted() {
	if m != nil {
		m.candidatesInserted.Inc()
	}
}

func (m *Metrics) IncCandidatesReplaced() {
	if m != nil {
		m.candidatesReplaced.Inc()
	}
}

func (m *Metrics) IncCandidatesDropped() {
	if m != nil {
		m.candidatesDropped.Inc()
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

func (m *Metrics) AddSessionsExpired(n int) {
	if m != nil {
		m.sessionsExpired.Add(float64(n))
	}
}

func (m *Metrics) AddEventsSwept(sweep string, n int) {
	if m != nil {
		m.eventsSwept.WithLabelValues(sweep).Add(float64(n))
	}
}

func (m *Metrics) IncReprocessHonored() {
	if m != nil {
		m.reprocessHonored.Inc()
	}
}

func (m *Metrics) IncReprocessIgnored() {
	if m != nil {
		m.reprocessIgnored.Inc()
	}
}
