package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus counters. A nil *Metrics is a
// valid no-op receiver, so components never need to check whether
// metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	promptsOpened prometheus.Counter
	decisions     *prometheus.CounterVec
	pinUnlocks    *prometheus.CounterVec
}

// NewMetrics registers the custodian counters on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_requests_total",
			Help: "Page requests handled, by operation and outcome.",
		}, []string{"type", "outcome"}),
		promptsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_prompts_opened_total",
			Help: "Authorization prompts shown to the user.",
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_prompt_decisions_total",
			Help: "Prompt decisions recorded, by condition.",
		}, []string{"condition"}),
		pinUnlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_pin_unlocks_total",
			Help: "PIN verification attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Request(opType, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(opType, outcome).Inc()
}

func (m *Metrics) PromptOpened() {
	if m == nil {
		return
	}
	m.promptsOpened.Inc()
}

func (m *Metrics) DecisionRecorded(condition string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(condition).Inc()
}

func (m *Metrics) PinUnlock(outcome string) {
	if m == nil {
		return
	}
	m.pinUnlocks.WithLabelValues(outcome).Inc()
}

// Handler serves the metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
