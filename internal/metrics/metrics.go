package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Mutations by engine action and result (ok, rejected, error).
	MutationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliverline_mutations_total",
			Help: "Engine mutations by action and result",
		},
		[]string{"action", "result"},
	)

	// Status transitions, labelled by the status reached.
	TransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliverline_transitions_total",
			Help: "Deliverable status transitions by target status",
		},
		[]string{"status"},
	)

	SignatureCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliverline_signatures_total",
			Help: "Signatures recorded by signer role",
		},
		[]string{"role"},
	)

	NotifyDeliveryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliverline_notify_deliveries_total",
			Help: "Event notifications by sink and result",
		},
		[]string{"sink", "result"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deliverline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

func RecordMutation(action, result string) {
	MutationCount.WithLabelValues(action, result).Inc()
}

func RecordTransition(status string) {
	TransitionCount.WithLabelValues(status).Inc()
}

func RecordSignature(role string) {
	SignatureCount.WithLabelValues(role).Inc()
}

func RecordNotifyDelivery(sink, result string) {
	NotifyDeliveryCount.WithLabelValues(sink, result).Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
