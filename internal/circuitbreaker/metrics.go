package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opshub_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_circuit_breaker_requests_total",
			Help: "Requests passed through or rejected by a circuit breaker",
		},
		[]string{"name", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opshub_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)
)

// Instrument chains a metrics recorder onto the breaker's state callback.
// Call it once, before the breaker is shared.
func Instrument(cb *CircuitBreaker) *CircuitBreaker {
	prev := cb.config.OnStateChange
	cb.config.OnStateChange = func(name string, from, to State) {
		if prev != nil {
			prev(name, from, to)
		}
		breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name).Set(float64(to))
	}
	breakerState.WithLabelValues(cb.name).Set(float64(StateClosed))
	return cb
}

func recordResult(name string, err error) {
	result := "success"
	switch {
	case err == ErrCircuitBreakerOpen || err == ErrTooManyRequests:
		result = "rejected"
	case err != nil:
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, result).Inc()
}
