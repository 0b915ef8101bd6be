package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_requests_total",
			Help: "Total JSON-RPC requests handled, by method and status",
		},
		[]string{"method", "status"},
	)

	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_backend_call_duration_seconds",
			Help:    "Duration of backend tool calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	backendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_backend_failures_total",
			Help: "Backend failures by backend and operation",
		},
		[]string{"backend", "operation"},
	)

	connectionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_backend_connections_total",
			Help: "Backend connections established, by kind",
		},
		[]string{"kind"},
	)
)
