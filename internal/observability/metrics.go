package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "provider_matching"

var (
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total ranking calls that produced a winner"},
		[]string{"algorithm"},
	)
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	MatchCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_candidates",
			Help:      "Candidates returned by the geo index per ranking call",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"algorithm"},
	)

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Applied booking status transitions"},
		[]string{"from", "to"},
	)
	BookingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Bookings created by assignment mode"},
		[]string{"mode", "assignment"},
	)
	AvailabilityConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "availability_conflicts_total", Help: "Rejected overlapping booking windows"},
		[]string{"operation"},
	)
	AuditPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "audit_publish_errors_total", Help: "Audit entries a secondary sink failed to accept"})
	ProvidersConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "providers_connected", Help: "Providers with an open notification websocket"})

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
)
