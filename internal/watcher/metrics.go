package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Cursor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "watcher",
		Name:      "cursor_block",
		Help:      "Last block whose events have been attempted, per chain.",
	}, []string{"chain"})
	Observed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "watcher",
		Name:      "observed_total",
		Help:      "Transfers observed, including overlap-window repeats.",
	}, []string{"direction"})
	PendingDeposits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "watcher",
		Name:      "pending_deposits",
		Help:      "Deposits awaiting settlement.",
	}, []string{"direction"})
	Expired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "watcher",
		Name:      "expired_total",
		Help:      "Deposits that stayed Pending past the expiry threshold.",
	}, []string{"direction"})
	ExternallySettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "watcher",
		Name:      "externally_settled_total",
		Help:      "Nonces marked settled from a counterpart Minted or Released log.",
	}, []string{"direction"})
)
