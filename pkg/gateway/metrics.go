package gateway

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats is a point-in-time snapshot of the gateway's counters.
type Stats struct {
	Operations  int64         `json:"operations"`
	CacheHits   int64         `json:"cacheHits"`
	CacheMisses int64         `json:"cacheMisses"`
	Errors      int64         `json:"errors"`
	TotalTime   time.Duration `json:"totalTime"`
}

// HitRate returns the fraction of cached reads served from cache.
func (s Stats) HitRate() float64 {
	reads := s.CacheHits + s.CacheMisses
	if reads == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(reads)
}

// Metrics holds the gateway's prometheus instruments plus atomic
// counters backing the Stats snapshot API.
type Metrics struct {
	operations  atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	errors      atomic.Int64
	totalTimeNs atomic.Int64

	promOps     prometheus.Counter
	promHits    prometheus.Counter
	promMisses  prometheus.Counter
	promErrors  prometheus.Counter
	promLatency prometheus.Histogram
}

// NewMetrics creates the instrument set, registering with reg. A nil
// reg skips prometheus registration (counters still work), which keeps
// parallel tests from fighting over the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	m.promOps = factory.NewCounter(prometheus.CounterOpts{
		Name: "dronemesh_gateway_operations_total",
		Help: "Data gateway operations, cached and uncached.",
	})
	m.promHits = factory.NewCounter(prometheus.CounterOpts{
		Name: "dronemesh_gateway_cache_hits_total",
		Help: "Cached reads served without invoking the store.",
	})
	m.promMisses = factory.NewCounter(prometheus.CounterOpts{
		Name: "dronemesh_gateway_cache_misses_total",
		Help: "Cached reads that fell through to the store.",
	})
	m.promErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "dronemesh_gateway_errors_total",
		Help: "Operations that failed after the retry budget.",
	})
	m.promLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "dronemesh_gateway_operation_seconds",
		Help:    "Store-facing operation latency, retries included.",
		Buckets: prometheus.DefBuckets,
	})
	return m
}

func (m *Metrics) recordHit() {
	m.operations.Add(1)
	m.hits.Add(1)
	m.promOps.Inc()
	m.promHits.Inc()
}

func (m *Metrics) recordMiss(elapsed time.Duration, err error) {
	m.misses.Add(1)
	m.promMisses.Inc()
	m.recordOp(elapsed, err)
}

func (m *Metrics) recordOp(elapsed time.Duration, err error) {
	m.operations.Add(1)
	m.totalTimeNs.Add(int64(elapsed))
	m.promOps.Inc()
	m.promLatency.Observe(elapsed.Seconds())
	if err != nil {
		m.errors.Add(1)
		m.promErrors.Inc()
	}
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Operations:  m.operations.Load(),
		CacheHits:   m.hits.Load(),
		CacheMisses: m.misses.Load(),
		Errors:      m.errors.Load(),
		TotalTime:   time.Duration(m.totalTimeNs.Load()),
	}
}
