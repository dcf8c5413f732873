// Package metrics exposes the gate's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts classified requests by method, path and outcome.
	// Admin-surface requests that pass the API-key check are not counted.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakedock_requests_total",
			Help: "Total number of requests handled by the gate, by method, path and outcome",
		},
		[]string{"method", "path", "outcome"},
	)

	// ColdStartsTotal counts container starts triggered by a not-running group.
	ColdStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakedock_cold_starts_total",
			Help: "Total number of on-demand container starts, by group",
		},
		[]string{"group"},
	)

	// ColdStartDuration measures time from start() to a successful health probe.
	ColdStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wakedock_cold_start_duration_seconds",
			Help:    "Time from container start to healthy, by group",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"group"},
	)

	// ReapTotal counts containers stopped by the idle reaper.
	ReapTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakedock_reap_total",
			Help: "Total number of containers stopped by the idle reaper, by group",
		},
		[]string{"group"},
	)

	// ReapSweepDuration measures the time taken by one reaper sweep.
	ReapSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wakedock_reap_duration_seconds",
			Help:    "Time taken for one idle-sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ProxyBytesTotal counts bytes forwarded by the stream proxy, by direction.
	ProxyBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakedock_backend_proxy_bytes_total",
			Help: "Total bytes forwarded between client and backend, by group and direction",
		},
		[]string{"group", "direction"},
	)

	// GroupsRunning gauges the number of groups currently believed to be running.
	GroupsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wakedock_groups_running",
			Help: "Number of groups whose backend container is currently running",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		ColdStartsTotal,
		ColdStartDuration,
		ReapTotal,
		ReapSweepDuration,
		ProxyBytesTotal,
		GroupsRunning,
	)
}

// Handler returns the Prometheus HTTP handler for the admin metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations and observing them into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
