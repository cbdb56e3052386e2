// Package metrics exposes Prometheus collectors for the session and cache
// core. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vidlens"

type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated    prometheus.Counter
	sessionsEvicted    *prometheus.CounterVec
	sessionsRehydrated prometheus.Counter
	sessionTurns       prometheus.Counter
	liveSessions       prometheus.Gauge
	cacheLookups       *prometheus.CounterVec
	cacheCreates       prometheus.Counter
	cacheInvalidations prometheus.Counter
	retries            prometheus.Counter
	batchItems         *prometheus.CounterVec
	prewarmDropped     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total", Help: "Sessions created.",
		}),
		sessionsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_evicted_total", Help: "Sessions evicted from memory.",
		}, []string{"reason"}),
		sessionsRehydrated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_rehydrated_total", Help: "Sessions restored from the durable store.",
		}),
		sessionTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_turns_total", Help: "Turns appended to sessions.",
		}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "live_sessions", Help: "Sessions resident in memory.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "context_cache_lookups_total", Help: "Context cache registry lookups.",
		}, []string{"result"}),
		cacheCreates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "context_cache_creates_total", Help: "Upstream context caches created.",
		}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "context_cache_invalidations_total", Help: "Registered handles found invalid upstream.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_retries_total", Help: "Upstream calls retried after a transient failure.",
		}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_items_total", Help: "Batch items by terminal status.",
		}, []string{"status"}),
		prewarmDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "prewarm_dropped_total", Help: "Pre-warm tasks dropped because the pool was full.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsCreated, m.sessionsEvicted, m.sessionsRehydrated, m.sessionTurns, m.liveSessions,
		m.cacheLookups, m.cacheCreates, m.cacheInvalidations, m.retries, m.batchItems, m.prewarmDropped,
	)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) SessionEvicted(reason string) {
	if m != nil {
		m.sessionsEvicted.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SessionRehydrated() {
	if m != nil {
		m.sessionsRehydrated.Inc()
	}
}

func (m *Metrics) TurnAdded() {
	if m != nil {
		m.sessionTurns.Inc()
	}
}

func (m *Metrics) SetLiveSessions(n int) {
	if m != nil {
		m.liveSessions.Set(float64(n))
	}
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheCreated() {
	if m != nil {
		m.cacheCreates.Inc()
	}
}

func (m *Metrics) CacheInvalidated() {
	if m != nil {
		m.cacheInvalidations.Inc()
	}
}

func (m *Metrics) Retried() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) BatchItem(status string) {
	if m != nil {
		m.batchItems.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) PrewarmDropped() {
	if m != nil {
		m.prewarmDropped.Inc()
	}
}
