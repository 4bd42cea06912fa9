// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scanbridge"

var (
	registerOnce sync.Once

	scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan requests by backend and result (success or error kind).",
		},
		[]string{"backend", "result"},
	)
	scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock duration of scan requests in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180},
		},
		[]string{"backend"},
	)
	enumerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enumerations_total",
			Help:      "Device enumerations run against the backend.",
		},
		[]string{"backend"},
	)
	devicesFound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_found",
			Help:      "Devices surfaced by the most recent enumeration.",
		},
	)
	throttled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_requests_total",
			Help:      "Device-list requests dropped by the per-connection throttle.",
		},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open control-channel connections.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(scansTotal, scanDuration, enumerations, devicesFound, throttled, activeConnections)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordScan(backend, result string, duration time.Duration) {
	RegisterMetrics()
	scansTotal.WithLabelValues(backend, result).Inc()
	scanDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordEnumeration(backend string, found int) {
	RegisterMetrics()
	enumerations.WithLabelValues(backend).Inc()
	devicesFound.Set(float64(found))
}

func RecordThrottled() {
	RegisterMetrics()
	throttled.Inc()
}

func ConnectionOpened() {
	RegisterMetrics()
	activeConnections.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	activeConnections.Dec()
}

// Recorder adapts the package functions to the observer interfaces declared
// by devices, scan and protocol.
type Recorder struct{}

func (Recorder) ObserveScan(backend, result string, d time.Duration) {
	RecordScan(backend, result, d)
}

func (Recorder) ObserveEnumeration(backend string, found int) {
	RecordEnumeration(backend, found)
}

func (Recorder) ObserveThrottled() { RecordThrottled() }

func (Recorder) ConnectionOpened() { ConnectionOpened() }

func (Recorder) ConnectionClosed() { ConnectionClosed() }
