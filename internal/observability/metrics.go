package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchRequests = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_requests_total", Help: "Dispatch requests submitted"})
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch requests by final outcome"},
		[]string{"outcome"},
	)
	AcceptAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_attempts_total", Help: "Driver accept attempts by result"},
		[]string{"result"},
	)
	AcceptLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_accept_latency_seconds", Help: "Time from offer broadcast to winning accept", Buckets: prometheus.ExponentialBuckets(0.25, 2, 8)})
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "dispatch_active_requests", Help: "Pending dispatch requests"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	DriversBusy   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_busy", Help: "Number of drivers on a ride"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions"},
		[]string{"to"},
	)
	InvalidTransitions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "invalid_transitions_total", Help: "Rejected ride status transitions"})

	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "hub_connections", Help: "Live realtime connections"})
	HubDropped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "hub_dropped_total", Help: "Connections dropped after a failed send"})

	CollaboratorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "collaborator_errors_total", Help: "Failed calls to external collaborators"},
		[]string{"collaborator", "op"},
	)

	MirrorMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "mirror_messages_total", Help: "Consumed driver location messages by result"},
		[]string{"result"},
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
