package shellcache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects counters for the proxy. A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	storeWrites   *prometheus.CounterVec
	lifecycle     *prometheus.CounterVec
	cachesDeleted prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_requests_total",
		Help: "Intercepted requests by outcome",
	}, []string{"result"})

	storeWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_store_writes_total",
		Help: "Background cache writes by result",
	}, []string{"result"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_lifecycle_events_total",
		Help: "Install and activate events by result",
	}, []string{"event", "result"})

	cachesDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shellcache_caches_deleted_total",
		Help: "Stale cache stores deleted on activation",
	})

	registry.MustRegister(requests, storeWrites, lifecycle, cachesDeleted)

	return &Metrics{
		registry:      registry,
		requests:      requests,
		storeWrites:   storeWrites,
		lifecycle:     lifecycle,
		cachesDeleted: cachesDeleted,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts an intercepted request.
// result is one of hit, miss, passthrough, error.
func (m *Metrics) RecordRequest(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordStoreWrite(result string) {
	if m == nil {
		return
	}
	m.storeWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordLifecycle(event, result string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(event, result).Inc()
}

func (m *Metrics) RecordCacheDeleted() {
	if m == nil {
		return
	}
	m.cachesDeleted.Inc()
}
