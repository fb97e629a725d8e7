package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Ticks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Loop ticks by outcome (ok, error, skipped).",
	}, []string{"task", "outcome"})
	TickSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "scheduler",
		Name:      "tick_seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"task"})
)
