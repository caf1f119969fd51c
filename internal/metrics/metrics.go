package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing and delivery outcomes
	EmailsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_emails_routed_total",
			Help: "Emails routed to the delivery queue, by destination provider",
		},
		[]string{"provider"},
	)

	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_emails_sent_total",
			Help: "Emails dispatched successfully, by sender type",
		},
		[]string{"sender_type"},
	)

	EmailsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_emails_failed_total",
			Help: "Emails failed terminally, by bounce classification",
		},
		[]string{"bounce_type"},
	)

	// Detection cache behavior
	DetectionCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_detection_cache_hits_total",
			Help: "Detection cache hits, by tier",
		},
		[]string{"tier"},
	)

	DetectionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_detection_cache_misses_total",
			Help: "Full detection cache misses that invoked the detector",
		},
	)

	// Rate limiting
	RateLimitViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_ratelimit_violations_total",
			Help: "Rate window violations, by window kind",
		},
		[]string{"kind"},
	)

	// Delivery timing
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_duration_seconds",
			Help:    "Wall time of one dispatch attempt, by sender type",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"sender_type"},
	)

	// Sender health
	SenderReputation = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_sender_reputation_score",
			Help: "Latest computed reputation score, by sender domain",
		},
		[]string{"domain"},
	)

	HealthCyclesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_health_cycles_completed_total",
			Help: "Completed sender health evaluation cycles",
		},
	)
)
