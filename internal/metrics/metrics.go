// Package metrics exposes Prometheus counters/gauges/histograms for the
// cache, pipe, gRPC and HTTP layers of the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics (C2)
	CacheEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qjazz_cache_entries",
			Help: "Number of projects resident in a worker's cache",
		},
		[]string{"worker"},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qjazz_cache_checkouts_total",
			Help: "Total number of cache checkouts by resulting status",
		},
		[]string{"status"},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qjazz_cache_evictions_total",
			Help: "Total number of cache entries evicted by popularity",
		},
	)

	CacheLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qjazz_cache_load_duration_seconds",
			Help:    "Time spent loading a project into the cache",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Supervisor / pipe metrics (C3, C4)
	SupervisorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qjazz_supervisor_requests_total",
			Help: "Total number of requests dispatched to a worker supervisor",
		},
		[]string{"supervisor", "status"},
	)

	SupervisorBusyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qjazz_supervisor_busy_duration_seconds",
			Help:    "Time a supervisor spent in the busy rendezvous state per request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"supervisor"},
	)

	// gRPC channel metrics (C5, C6)
	ChannelServingStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qjazz_channel_serving",
			Help: "Whether a backend channel is currently SERVING (1) or NOT_SERVING (0)",
		},
		[]string{"backend"},
	)

	ChannelInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qjazz_channel_in_use",
			Help: "Number of in-flight RPCs currently using a backend channel",
		},
		[]string{"backend"},
	)

	// HTTP gateway metrics (C7)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qjazz_http_requests_total",
			Help: "Total number of HTTP requests by route, service and status",
		},
		[]string{"route", "service", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qjazz_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	HTTPCacheStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qjazz_http_cache_status_total",
			Help: "Total number of HTTP responses by whether the backend reported a project cache hit",
		},
		[]string{"cached"},
	)
)

func init() {
	prometheus.MustRegister(
		CacheEntriesTotal,
		CacheHitsTotal,
		CacheEvictionsTotal,
		CacheLoadDuration,
		SupervisorRequestsTotal,
		SupervisorBusyDuration,
		ChannelServingStatus,
		ChannelInUse,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPCacheStatusTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations, mirrored from the pattern
// used throughout the wider codebase this gateway was extracted from.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
