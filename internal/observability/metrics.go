package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	apiRequestsTotal       *prometheus.CounterVec
	apiLatencySeconds      *prometheus.HistogramVec
	apiErrorsTotal         *prometheus.CounterVec
	messagesSentTotal      prometheus.Counter
	threadsCreatedTotal    prometheus.Counter
	realtimeConnections    prometheus.Gauge
	realtimeEventsTotal    *prometheus.CounterVec
	realtimeDroppedTotal   *prometheus.CounterVec
	rosterBranchFailures   *prometheus.CounterVec
	visibilityRejectsTotal *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the messaging API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_requests_total",
			Help: "Total number of messaging API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "messaging_latency_seconds",
			Help:    "Latency distribution for messaging API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_errors_total",
			Help: "Total number of error responses returned by messaging endpoints.",
		}, []string{"method", "route", "status"})

		messagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_messages_sent_total",
			Help: "Messages appended to threads.",
		})

		threadsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_threads_created_total",
			Help: "Direct threads created by get-or-create.",
		})

		realtimeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messaging_realtime_connections",
			Help: "Currently connected realtime clients.",
		})

		realtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_realtime_events_total",
			Help: "Realtime events published, by kind and origin.",
		}, []string{"kind", "origin"})

		realtimeDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_realtime_dropped_total",
			Help: "Realtime frames dropped, by reason.",
		}, []string{"reason"})

		rosterBranchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_roster_branch_failures_total",
			Help: "Roster lookups that failed during relationship resolution, by stage.",
		}, []string{"stage"})

		visibilityRejectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_visibility_rejections_total",
			Help: "Threads hidden by the visibility policy, by call site.",
		}, []string{"site"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			messagesSentTotal,
			threadsCreatedTotal,
			realtimeConnections,
			realtimeEventsTotal,
			realtimeDroppedTotal,
			rosterBranchFailures,
			visibilityRejectsTotal,
		)
	})
}

// APIRequests exposes the counter for messaging requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for messaging requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for messaging error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// MessagesSent counts appended messages.
func MessagesSent() prometheus.Counter {
	RegisterMetrics()
	return messagesSentTotal
}

// ThreadsCreated counts newly created threads.
func ThreadsCreated() prometheus.Counter {
	RegisterMetrics()
	return threadsCreatedTotal
}

// RealtimeConnections tracks live websocket and SSE clients.
func RealtimeConnections() prometheus.Gauge {
	RegisterMetrics()
	return realtimeConnections
}

// RealtimeEvents counts published events.
func RealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeEventsTotal
}

// RealtimeDropped counts frames that were not delivered.
func RealtimeDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeDroppedTotal
}

// RosterBranchFailures counts failed roster lookups.
func RosterBranchFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return rosterBranchFailures
}

// VisibilityRejects counts threads hidden by the visibility policy.
func VisibilityRejects() *prometheus.CounterVec {
	RegisterMetrics()
	return visibilityRejectsTotal
}
