// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scan passes by outcome: ok, error, skipped.
	ScanPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smail_scan_passes_total",
			Help: "Total number of scan passes",
		},
		[]string{"result"},
	)

	ScanPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smail_scan_pass_duration_seconds",
			Help:    "Scan pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	// Messages classified and recorded, by verdict.
	MessagesScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smail_messages_scanned_total",
			Help: "Total number of messages classified and recorded",
		},
		[]string{"verdict"},
	)

	// Messages skipped during a pass, by stage: fetch, classify.
	MessagesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smail_messages_skipped_total",
			Help: "Total number of messages skipped and left for the next pass",
		},
		[]string{"stage"},
	)

	ClassifyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smail_classify_latency_ms",
			Help:    "Classification call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"status"},
	)

	// Quarantine moves by result: moved, failed, abandoned.
	QuarantineTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smail_quarantine_total",
			Help: "Total number of quarantine move attempts",
		},
		[]string{"result"},
	)

	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smail_notifications_delivered_total",
			Help: "Total number of threat notifications delivered to clients",
		},
		[]string{"channel"}, // channel: poll, websocket
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smail_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	ActiveWebsockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smail_websocket_connections",
			Help: "Number of open threat websocket connections",
		},
	)
)

// RecordScanPass records one finished pass.
func RecordScanPass(result string, duration time.Duration) {
	ScanPassesTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		ScanPassDuration.Observe(duration.Seconds())
	}
}

// IncrementScanned counts a recorded message.
func IncrementScanned(verdict string) {
	MessagesScanned.WithLabelValues(verdict).Inc()
}

// IncrementSkipped counts a message left for the next pass.
func IncrementSkipped(stage string) {
	MessagesSkipped.WithLabelValues(stage).Inc()
}

// RecordClassifyLatency records one classifier call.
func RecordClassifyLatency(status string, duration time.Duration) {
	ClassifyLatency.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

// IncrementQuarantine counts a quarantine move outcome.
func IncrementQuarantine(result string) {
	QuarantineTotal.WithLabelValues(result).Inc()
}

// AddNotifications counts threats handed to a client.
func AddNotifications(channel string, n int) {
	if n > 0 {
		NotificationsDelivered.WithLabelValues(channel).Add(float64(n))
	}
}

// RecordHTTPRequestDuration records one HTTP request.
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
