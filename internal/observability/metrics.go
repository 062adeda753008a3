// README: Prometheus metrics for HTTP, ride engine, chat and SOS.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rideshare"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_total", Help: "Booking attempts by result"},
		[]string{"result"},
	)
	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status and result"},
		[]string{"to", "result"},
	)
	CommitRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_commit_retries_total", Help: "Optimistic commit retries by operation"},
		[]string{"op"},
	)
	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ride_lock_wait_seconds",
		Help:      "Time spent waiting for a per-ride lock",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2},
	})
	OTPVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "otp_verifications_total", Help: "OTP verifications by result"},
		[]string{"result"},
	)

	ChatConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "chat_connections", Help: "Open chat connections on this instance"})
	ChatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "chat_messages_total", Help: "Chat relay attempts by result"},
		[]string{"result"},
	)
	ChatEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "chat_evictions_total", Help: "Chat connections closed by the server, by reason"},
		[]string{"reason"},
	)

	SOSAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sos_alerts_total", Help: "SOS triggers by result"},
		[]string{"result"},
	)
	PublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "publish_failures_total", Help: "Failed broker publishes by sink"},
		[]string{"sink"},
	)
)
