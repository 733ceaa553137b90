// Package observability registers the service's Prometheus metrics.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "outcome"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Hot cache results by namespace and outcome.",
		},
		[]string{"namespace", "outcome"},
	)

	cacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_errors_total",
			Help: "Hot cache transport errors by operation (degraded to miss/no-op).",
		},
		[]string{"op"},
	)

	queueEnqueues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueues_total",
			Help: "Processing messages enqueued, by result.",
		},
		[]string{"result"},
	)

	queueConsumerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_consumer_errors_total",
			Help: "Queue consumer errors by kind.",
		},
		[]string{"kind"},
	)

	workerProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_processed_total",
			Help: "Processing messages handled by the worker, by outcome.",
		},
		[]string{"outcome"},
	)

	workerDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_duration_seconds",
			Help:    "Time spent materializing one processing message.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
	)

	sweeperRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweeper_requeued_total",
			Help: "Stale PENDING records re-enqueued by the sweeper.",
		},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream, outcome string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, outcome).Observe(durationSeconds)
}

func IncCacheHit(namespace string) {
	cacheResults.WithLabelValues(namespace, "hit").Inc()
}

func IncCacheMiss(namespace string) {
	cacheResults.WithLabelValues(namespace, "miss").Inc()
}

func IncCacheError(op string) {
	cacheErrors.WithLabelValues(op).Inc()
}

func IncEnqueue(result string) {
	queueEnqueues.WithLabelValues(result).Inc()
}

func IncQueueConsumerError(kind string) {
	queueConsumerErrors.WithLabelValues(kind).Inc()
}

func ObserveWorker(outcome string, durationSeconds float64) {
	workerProcessedTotal.WithLabelValues(outcome).Inc()
	workerDurationSeconds.Observe(durationSeconds)
}

func AddSweeperRequeued(n int) {
	sweeperRequeuedTotal.Add(float64(n))
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
