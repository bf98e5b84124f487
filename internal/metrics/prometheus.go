package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors used for scraping at
// /_metrics/prom, supplementing the lightweight JSON /_metrics contract.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	invocationsTotal *prometheus.CounterVec
	invocationLatency *prometheus.HistogramVec

	cacheLoadsTotal     prometheus.Counter
	cacheHitsTotal      prometheus.Counter
	cacheEvictionsTotal prometheus.Counter

	uptime prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

type counter interface{ Inc() }

type noopCounter struct{}

func (noopCounter) Inc() {}

// package-level no-op collectors used before InitPrometheus runs, so
// RecordCacheLoad/Hit/Eviction never nil-panic when metrics are disabled.
var (
	cacheLoadsTotal     counter = noopCounter{}
	cacheHitsTotal      counter = noopCounter{}
	cacheEvictionsTotal counter = noopCounter{}
)

// InitPrometheus initializes the Prometheus metrics subsystem with the
// given namespace and histogram buckets.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of function invocations.",
		}, []string{"function", "result"}),
		invocationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_ms",
			Help:      "Invocation latency in milliseconds.",
			Buckets:   buckets,
		}, []string{"function"}),
		cacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "library_cache_loads_total",
			Help:      "Total number of library cache loads (cold starts).",
		}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "library_cache_hits_total",
			Help:      "Total number of library cache hits (warm reuse).",
		}),
		cacheEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "library_cache_evictions_total",
			Help:      "Total number of library cache idle-TTL evictions.",
		}),
	}

	startTime := time.Now()
	pm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the process started.",
	}, func() float64 { return time.Since(startTime).Seconds() })

	registry.MustRegister(
		pm.invocationsTotal,
		pm.invocationLatency,
		pm.cacheLoadsTotal,
		pm.cacheHitsTotal,
		pm.cacheEvictionsTotal,
		pm.uptime,
	)

	promMetrics = pm
	cacheLoadsTotal = pm.cacheLoadsTotal
	cacheHitsTotal = pm.cacheHitsTotal
	cacheEvictionsTotal = pm.cacheEvictionsTotal
}

// RecordPrometheusInvocation records one invocation's result and
// duration against the Prometheus collectors, a no-op before
// InitPrometheus has run.
func RecordPrometheusInvocation(funcID string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	promMetrics.invocationsTotal.WithLabelValues(funcID, result).Inc()
	promMetrics.invocationLatency.WithLabelValues(funcID).Observe(float64(durationMs))
}

// PrometheusHandler serves the Prometheus text exposition format.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		InitPrometheus("hhrf", nil)
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the active registry, mainly for tests.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		InitPrometheus("hhrf", nil)
	}
	return promMetrics.registry
}
