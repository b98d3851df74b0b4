// Package metrics exposes pipeline counters in the prometheus text format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	Claims        *prometheus.CounterVec
	Scores        *prometheus.CounterVec
	Distributions *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "donut_claims_total",
			Help: "Claims processed, by action kind and outcome.",
		}, []string{"kind", "outcome"}),
		Scores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "donut_scores_total",
			Help: "Scores stored, by family and anti-cheat flag.",
		}, []string{"family", "flagged"}),
		Distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "donut_distributions_total",
			Help: "Settlement runs, by family and outcome.",
		}, []string{"family", "outcome"}),
	}
	m.Registry.MustRegister(m.Claims, m.Scores, m.Distributions)
	return m
}

// Nil receivers are allowed so callers without metrics need no guard.

func (m *Metrics) Claim(kind, outcome string) {
	if m == nil {
		return
	}
	m.Claims.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Score(family string, flagged bool) {
	if m == nil {
		return
	}
	m.Scores.WithLabelValues(family, strconv.FormatBool(flagged)).Inc()
}

func (m *Metrics) Distribution(family, outcome string) {
	if m == nil {
		return
	}
	m.Distributions.WithLabelValues(family, outcome).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
