package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_circuit_breaker_requests_total",
			Help: "Requests admitted through a circuit breaker by result",
		},
		[]string{"name", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)
)

// Instrument registers prometheus reporting on a breaker's state changes.
// Call once after New, before the breaker serves traffic.
func Instrument(b *Breaker) *Breaker {
	prev := b.config.OnStateChange
	b.config.OnStateChange = func(name string, from, to State) {
		if prev != nil {
			prev(name, from, to)
		}
		breakerState.WithLabelValues(name).Set(float64(to))
		breakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
	}
	breakerState.WithLabelValues(b.name).Set(float64(b.State()))
	return b
}

// RecordResult counts one admitted request's outcome for a named breaker.
func RecordResult(name string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, result).Inc()
}
