package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "settlement",
		Name:      "attempts_total",
		Help:      "Settlement attempts by direction and outcome.",
	}, []string{"direction", "outcome"})
	SettleSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "settlement",
		Name:      "duration_seconds",
		Help:      "Time from submission to confirmed or failed settlement.",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
	}, []string{"direction"})
)
