// Package metrics instruments the coordination engine with Prometheus
// collectors. Metrics are optional: every method is a no-op on a nil
// *Metrics, so components can be constructed without wiring a registry
// in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors exported by a SharedHost/StreamClient
// pair. Namespaced "relayhub" per Prometheus convention.
type Metrics struct {
	AttachedTabs      prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	FastCloseTotal    prometheus.Counter
	MessagesFanOut    prometheus.Counter
	CircuitSuspended  prometheus.Gauge
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry across parallel test binaries.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AttachedTabs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayhub",
			Name:      "attached_tabs",
			Help:      "Number of tabs currently attached to the shared host.",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relayhub",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect attempts made by the upstream stream client.",
		}),
		FastCloseTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relayhub",
			Name:      "fast_close_total",
			Help:      "Total fast (sub-3s, code 1000) upstream closes observed.",
		}),
		MessagesFanOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relayhub",
			Name:      "messages_fanned_out_total",
			Help:      "Total WORKER_MESSAGE deliveries fanned out to tabs.",
		}),
		CircuitSuspended: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayhub",
			Name:      "circuit_suspended",
			Help:      "1 while reconnection is suspended by the fast-close circuit breaker, else 0.",
		}),
	}
}

func (m *Metrics) SetAttachedTabs(n int) {
	if m == nil {
		return
	}
	m.AttachedTabs.Set(float64(n))
}

func (m *Metrics) IncReconnectAttempts() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) IncFastClose() {
	if m == nil {
		return
	}
	m.FastCloseTotal.Inc()
}

func (m *Metrics) IncMessagesFanOut(n int) {
	if m == nil {
		return
	}
	m.MessagesFanOut.Add(float64(n))
}

func (m *Metrics) SetCircuitSuspended(suspended bool) {
	if m == nil {
		return
	}
	if suspended {
		m.CircuitSuspended.Set(1)
	} else {
		m.CircuitSuspended.Set(0)
	}
}
