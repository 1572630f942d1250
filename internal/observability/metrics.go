package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by a peer node.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	bridgeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerctl",
			Subsystem: "bridge",
			Name:      "sessions_active",
			Help:      "Authenticated control-channel sessions.",
		},
		[]string{"node"},
	)
	bridgeAuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerctl",
			Subsystem: "bridge",
			Name:      "auth_failures_total",
			Help:      "Control-channel handshakes rejected before any reply.",
		},
		[]string{"node", "reason"},
	)
	bridgeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerctl",
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Control-channel requests by type and outcome.",
		},
		[]string{"node", "type", "outcome"},
	)
	bridgeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerctl",
			Subsystem: "bridge",
			Name:      "request_duration_seconds",
			Help:      "Control-channel request handling time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "type", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			bridgeSessions, bridgeAuthFailures, bridgeRequests, bridgeDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// BridgeSessionOpened returns the matching close func.
func BridgeSessionOpened(node string) func() {
	RegisterMetrics()
	g := bridgeSessions.WithLabelValues(node)
	g.Inc()
	return g.Dec
}

func RecordBridgeAuthFailure(node, reason string) {
	RegisterMetrics()
	bridgeAuthFailures.WithLabelValues(node, reason).Inc()
}

func RecordBridgeRequest(node, reqType, outcome string, duration time.Duration) {
	RegisterMetrics()
	bridgeRequests.WithLabelValues(node, reqType, outcome).Inc()
	bridgeDuration.WithLabelValues(node, reqType, outcome).Observe(duration.Seconds())
}
