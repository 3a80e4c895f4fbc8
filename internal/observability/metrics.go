package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Attempt outcomes used as metric labels.
const (
	OutcomeResolved  = "resolved"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
	OutcomeClosed    = "closed"
	OutcomeCanceled  = "canceled"
	OutcomeExhausted = "exhausted"
	// OutcomeInvalid marks requests rejected before any write: malformed
	// frames and unusable policies.
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Notification dispatch results used as metric labels.
const (
	NotifyMatched = "matched"
	NotifyDropped = "dropped"
	NotifyShort   = "short"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hexlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hexlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hexlink",
			Subsystem: "session",
			Name:      "writes_total",
			Help:      "Frames written to the transport.",
		},
	)
	sessionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hexlink",
			Subsystem: "session",
			Name:      "attempts_total",
			Help:      "Request attempts by outcome.",
		},
		[]string{"outcome"},
	)
	sessionNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hexlink",
			Subsystem: "session",
			Name:      "notifications_total",
			Help:      "Inbound notifications by dispatch result.",
		},
		[]string{"result"},
	)
	sessionRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hexlink",
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Retrying request duration in seconds, all attempts included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionWrites,
			sessionAttempts,
			sessionNotifications,
			sessionRequestDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordWrite() {
	RegisterMetrics()
	sessionWrites.Inc()
}

func RecordAttempt(outcome string) {
	RegisterMetrics()
	sessionAttempts.WithLabelValues(outcome).Inc()
}

func RecordNotification(result string) {
	RegisterMetrics()
	sessionNotifications.WithLabelValues(result).Inc()
}

func RecordRequest(outcome string, duration time.Duration) {
	RegisterMetrics()
	sessionRequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
