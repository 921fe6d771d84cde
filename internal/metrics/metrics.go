// Package metrics registers the Prometheus collectors exposed by both
// binaries' /metrics endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway-side collectors.
var (
	InFlightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pegboard_tunnel",
		Subsystem: "gateway",
		Name:      "in_flight_requests",
		Help:      "Number of requests currently awaiting a terminal response.",
	})

	PendingAcks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pegboard_tunnel",
		Subsystem: "gateway",
		Name:      "pending_acks",
		Help:      "Number of published messages awaiting a tunnel ack.",
	})

	AckTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pegboard_tunnel",
		Subsystem: "gateway",
		Name:      "ack_timeouts_total",
		Help:      "Total number of pending messages reaped for ack timeout.",
	})
)

// Runner-connector-side collectors.
var (
	ConnectedRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pegboard_tunnel",
		Subsystem: "runnerconn",
		Name:      "connected_runners",
		Help:      "Number of runner WebSockets currently terminated by this process.",
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pegboard_tunnel",
		Subsystem: "runnerconn",
		Name:      "evictions_total",
		Help:      "Total number of prior connections evicted by a newer one for the same runner_id.",
	})

	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pegboard_tunnel",
		Subsystem: "runnerconn",
		Name:      "handshake_failures_total",
		Help:      "Total number of runner connections rejected during handshake, by reason.",
	}, []string{"reason"})
)
