package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "circuitbreaker",
			Name:      "state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	successesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "circuitbreaker",
			Name:      "successes_total",
			Help:      "Total successful calls through circuit breakers",
		},
		[]string{"name"},
	)

	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "circuitbreaker",
			Name:      "failures_total",
			Help:      "Total failed calls through circuit breakers",
		},
		[]string{"name"},
	)

	rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "circuitbreaker",
			Name:      "rejections_total",
			Help:      "Total calls rejected without invoking the backend",
		},
		[]string{"name"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "circuitbreaker",
			Name:      "transitions_total",
			Help:      "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

func recordState(name string, state State) {
	stateGauge.WithLabelValues(name).Set(float64(state))
}

func recordStateChange(name string, from, to State) {
	stateGauge.WithLabelValues(name).Set(float64(to))
	transitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
}

func recordSuccess(name string) {
	successesTotal.WithLabelValues(name).Inc()
}

func recordFailure(name string) {
	failuresTotal.WithLabelValues(name).Inc()
}

func recordRejection(name string) {
	rejectionsTotal.WithLabelValues(name).Inc()
}
