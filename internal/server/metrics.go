package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry            *prometheus.Registry
	linksCreatedTotal   prometheus.Counter
	depositsTotal       *prometheus.CounterVec
	claimsTotal         *prometheus.CounterVec
	claimSeconds        prometheus.Histogram
	reconciliationDepth prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	links := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paylinks_links_created_total",
		Help: "Total number of payment links created",
	})

	deposits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paylinks_deposits_total",
		Help: "Deposit proof attachments by outcome",
	}, []string{"outcome"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paylinks_claims_total",
		Help: "Claim attempts by outcome",
	}, []string{"outcome"})

	claimSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "paylinks_claim_duration_seconds",
		Help:    "End-to-end claim processing latency including the relay call",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paylinks_reconciliation_depth",
		Help: "Unresolved fatal-consistency incidents in the journal",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(links, deposits, claims, claimSeconds, depth)

	return &metricsRegistry{
		registry:            r,
		linksCreatedTotal:   links,
		depositsTotal:       deposits,
		claimsTotal:         claims,
		claimSeconds:        claimSeconds,
		reconciliationDepth: depth,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incLinkCreated() {
	m.linksCreatedTotal.Inc()
}

func (m *metricsRegistry) incDeposit(outcome string) {
	m.depositsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incClaim(outcome string) {
	m.claimsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) observeClaim(seconds float64) {
	m.claimSeconds.Observe(seconds)
}

func (m *metricsRegistry) setReconciliationDepth(depth int) {
	m.reconciliationDepth.Set(float64(depth))
}
