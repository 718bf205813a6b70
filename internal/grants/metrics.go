package grants

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for grant synchronization and the
// unrestricted-grant cache.
type Metrics struct {
	syncs          *prometheus.CounterVec
	sweptRows      prometheus.Counter
	cacheLookups   *prometheus.CounterVec
	cacheFallbacks prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the grant metrics against the provided registerer.
// When the registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// ObserveSync counts one synchronization call by operation and outcome.
func (m *Metrics) ObserveSync(op string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.syncs.WithLabelValues(op, status).Inc()
}

// AddSweptRows records rows removed by a generation sweep.
func (m *Metrics) AddSweptRows(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptRows.Add(float64(n))
}

// CacheLookup counts one unrestricted-cache lookup by outcome.
func (m *Metrics) CacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

// CacheFallback counts one degraded response served from the last known
// good value.
func (m *Metrics) CacheFallback() {
	if m == nil {
		return
	}
	m.cacheFallbacks.Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	syncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entitle_grant_syncs_total",
		Help: "Total grant synchronization calls partitioned by operation and status.",
	}, []string{"op", "status"})
	sweptRows := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "entitle_grant_swept_rows_total",
		Help: "Total rows removed by generation sweeps.",
	})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entitle_grant_cache_lookups_total",
		Help: "Unrestricted-grant cache lookups partitioned by outcome.",
	}, []string{"outcome"})
	cacheFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "entitle_grant_cache_fallbacks_total",
		Help: "Degraded responses served from the last known good unrestricted grants.",
	})
	registerer.MustRegister(syncs, sweptRows, cacheLookups, cacheFallbacks)
	return &Metrics{
		syncs:          syncs,
		sweptRows:      sweptRows,
		cacheLookups:   cacheLookups,
		cacheFallbacks: cacheFallbacks,
	}
}
