package attestation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "attestation",
		Name:      "requests_total",
		Help:      "Attestation service lookups by outcome.",
	}, []string{"outcome"})
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "attestation",
		Name:      "breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"name"})
	Tracked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "attestation",
		Name:      "tracked_total",
	}, []string{"status"})
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "attestation",
		Name:      "transitions_total",
	}, []string{"from", "to"})
	Current = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "attestation",
		Name:      "transactions",
		Help:      "Tracked bridge transactions by status.",
	}, []string{"status"})
	Delayed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "attestation",
		Name:      "delayed_transactions",
		Help:      "Incomplete transactions older than the delay threshold.",
	})
)
