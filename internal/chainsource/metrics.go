package chainsource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "chain",
		Name:      "head_block",
		Help:      "Latest chain head observed by the event source.",
	}, []string{"chain"})
	SafeBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "chain",
		Name:      "safe_block",
		Help:      "Head minus confirmation depth; logs up to this block are eligible for settlement.",
	}, []string{"chain"})
	FetchedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "chain",
		Name:      "events_total",
		Help:      "Decoded events returned by the event source.",
	}, []string{"chain", "event"})
	SkippedLogs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "chain",
		Name:      "skipped_logs_total",
		Help:      "Logs dropped by the event source, by reason.",
	}, []string{"chain", "reason"})
	RPCRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "chain",
		Name:      "rpc_retries_total",
		Help:      "Transient RPC failures retried by the event source.",
	}, []string{"chain", "call"})
)
