package eth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TxSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "tx",
		Name:      "sent_total",
		Help:      "Transactions broadcast, not counting replacements.",
	}, []string{"chain"})
	TxReplacements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "tx",
		Name:      "replacements_total",
		Help:      "Fee-bumped replacement transactions broadcast.",
	}, []string{"chain"})
	TxReverted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "tx",
		Name:      "reverted_total",
		Help:      "Mined transactions with a failed receipt status.",
	}, []string{"chain"})
	TxConfirmSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "tx",
		Name:      "confirm_seconds",
		Help:      "Time from first broadcast to receipt.",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"chain"})

	NextNonce = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "tx",
		Name:      "next_nonce",
		Help:      "Next nonce the relayer will use per signing account.",
	}, []string{"chain", "account"})

	RPCResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "rpc",
		Name:      "request_results_total",
	}, []string{"chain", "method", "status"})
	RPCDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20},
	}, []string{"chain", "method"})
)
