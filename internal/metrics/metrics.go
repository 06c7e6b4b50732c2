package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lostfound_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lostfound_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HubSubscriptions tracks currently active live subscriptions per hub.
	HubSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lostfound_hub_subscriptions",
			Help: "Active live subscriptions per hub",
		},
		[]string{"hub"},
	)

	// HubEventsPublished counts events fanned out per hub and event type.
	HubEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lostfound_hub_events_published_total",
			Help: "Events published per hub and type",
		},
		[]string{"hub", "type"},
	)

	// HubSubscribersDropped counts subscribers torn down because their
	// delivery buffer overflowed or their connection write failed.
	HubSubscribersDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lostfound_hub_subscribers_dropped_total",
			Help: "Subscribers dropped per hub",
		},
		[]string{"hub"},
	)

	// MessagesSent counts messages accepted by the send path.
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lostfound_messages_sent_total",
			Help: "Messages persisted by the send path",
		},
	)
)
