package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// deliveries counts handler invocations.
	// Labels: mode (auto, manual)
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncgate",
		Subsystem: "observer",
		Name:      "deliveries_total",
		Help:      "Updates delivered to observer handlers",
	}, []string{"mode"})

	// superseded counts pending updates replaced by a newer result while
	// the gate was blocked.
	superseded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncgate",
		Subsystem: "observer",
		Name:      "superseded_total",
		Help:      "Pending updates replaced by a newer result before delivery",
	})

	// handlerErrors counts failed handler invocations.
	// Labels: reason (error, panic)
	handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncgate",
		Subsystem: "observer",
		Name:      "handler_errors_total",
		Help:      "Observer handler invocations that returned an error or panicked",
	}, []string{"reason"})

	// evaluations measures query re-evaluation latency.
	evaluations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncgate",
		Subsystem: "observer",
		Name:      "evaluation_duration_seconds",
		Help:      "Time to evaluate and materialize an observed query",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// activeChannels tracks open observer channels.
	activeChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncgate",
		Subsystem: "observer",
		Name:      "active_channels",
		Help:      "Observer channels currently open",
	})

	// starvedChannels tracks channels currently reported as starved.
	starvedChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncgate",
		Subsystem: "observer",
		Name:      "starved_channels",
		Help:      "Manual-signal channels holding an update that was never signalled",
	})
)
