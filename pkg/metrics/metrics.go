package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts orders entering the OMS by type and side.
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "execsim_orders_submitted_total",
		Help: "Total number of orders submitted to the OMS",
	},
	[]string{"type", "side"},
)

// OrdersTerminal counts orders reaching a terminal state.
var OrdersTerminal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "execsim_orders_terminal_total",
		Help: "Total number of orders reaching a terminal state",
	},
	[]string{"state"},
)

// FillsRecorded counts individual fills by venue.
var FillsRecorded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "execsim_fills_total",
		Help: "Total number of fills recorded",
	},
	[]string{"venue"},
)

// RoutingDecisions counts router outcomes (single vs split).
var RoutingDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "execsim_routing_decisions_total",
		Help: "Total routing decisions by kind",
	},
	[]string{"kind"},
)

// SlippageBps observes realized slippage per execution in basis points.
var SlippageBps = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "execsim_slippage_basis_points",
		Help:    "Realized slippage per execution in basis points",
		Buckets: []float64{-50, -20, -10, -5, 0, 5, 10, 20, 50, 100, 200},
	},
)

// ExecutionLatency observes venue round-trip latency per execution.
var ExecutionLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "execsim_execution_latency_seconds",
		Help:    "Venue execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	},
)

// VenueReliability exports the monitor's rolling reliability score.
var VenueReliability = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "execsim_venue_reliability_score",
		Help: "Rolling venue reliability score in [0,100]",
	},
	[]string{"venue"},
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersTerminal, FillsRecorded)
	prometheus.MustRegister(RoutingDecisions, SlippageBps, ExecutionLatency, VenueReliability)
}
