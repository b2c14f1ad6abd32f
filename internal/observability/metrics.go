package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Confirmed ride status transitions"},
		[]string{"from", "to"},
	)
	RideClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_claims_total", Help: "Driver claim attempts by result"},
		[]string{"result"},
	)
	Refunds = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "refunds_total", Help: "Refunds issued on cancellation by result"},
		[]string{"result"},
	)

	DispatchNotified = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_notified_drivers",
		Help:      "Drivers notified per dispatch",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	DispatchNoDrivers = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_no_drivers_total", Help: "Dispatches that found no eligible driver"})
	DispatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Dispatch fan-out latency seconds"})

	DriversOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of drivers present in the index"})
	PresenceEvictions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "presence_evictions_total", Help: "Stale presence entries removed by the sweep"})

	EventsPublished   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events appended to recipient queues"}, []string{"type"})
	EventsRedelivered = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_redelivered_total", Help: "Event deliveries after the first"})
	EventsAcked       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_acked_total", Help: "Events acknowledged by their recipient"})
	EventsDropped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Expired event ids dropped from queues"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open push transport connections"})

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "webhook_events_total", Help: "Payment webhook events by type and result"},
		[]string{"type", "result"},
	)
	Tasks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tasks_total", Help: "Background tasks by name and result"},
		[]string{"name", "result"},
	)
	WatchdogFirings = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "watchdog_firings_total", Help: "Watchdog firings by kind and outcome"},
		[]string{"kind", "outcome"},
	)

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
