// Package metrics exposes Prometheus collectors for the pagemine service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	realtimeEventsTotal        *prometheus.CounterVec
	realtimeReconnectsTotal    prometheus.Counter
	realtimeOpenConnections    prometheus.Gauge
	miningCancelRequestsTotal  prometheus.Counter
	miningCorruptRecordsTotal  prometheus.Counter
	progressDroppedTotal       prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		realtimeEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagemine_realtime_events_total",
				Help: "Server-push events received, labeled by event type.",
			},
			[]string{"type"},
		)

		realtimeReconnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagemine_realtime_reconnects_total",
				Help: "Reconnect attempts scheduled after a transport failure.",
			},
		)

		realtimeOpenConnections = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagemine_realtime_open_connections",
				Help: "Server-push subscriptions currently in the open state.",
			},
		)

		miningCancelRequestsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagemine_mining_cancel_requests_total",
				Help: "Cancellation requests accepted for an active mining operation.",
			},
		)

		miningCorruptRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagemine_mining_corrupt_records_total",
				Help: "Stored progress records discarded because they failed to decode.",
			},
		)

		progressDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagemine_progress_events_dropped_total",
				Help: "Progress events dropped because the hub buffer was full.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRealtimeEvent counts a received server-push event by type.
func ObserveRealtimeEvent(eventType string) {
	Init()
	realtimeEventsTotal.WithLabelValues(eventType).Inc()
}

// ObserveReconnect counts a scheduled reconnect.
func ObserveReconnect() {
	Init()
	realtimeReconnectsTotal.Inc()
}

// IncOpenConnections marks a subscription as open.
func IncOpenConnections() {
	Init()
	realtimeOpenConnections.Inc()
}

// DecOpenConnections marks a subscription as no longer open.
func DecOpenConnections() {
	Init()
	realtimeOpenConnections.Dec()
}

// ObserveMiningCancel counts an accepted cancellation request.
func ObserveMiningCancel() {
	Init()
	miningCancelRequestsTotal.Inc()
}

// ObserveCorruptRecord counts a discarded progress record.
func ObserveCorruptRecord() {
	Init()
	miningCorruptRecordsTotal.Inc()
}

// ObserveProgressDropped counts a progress event lost to backpressure.
func ObserveProgressDropped() {
	Init()
	progressDroppedTotal.Inc()
}
