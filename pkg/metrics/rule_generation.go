package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RuleGenerationMetrics contains Prometheus metrics for rule generation runs.
type RuleGenerationMetrics struct {
	runsTotal           *prometheus.CounterVec
	runDuration         prometheus.Histogram
	pagesTotal          *prometheus.CounterVec
	pagesInFlight       prometheus.Gauge
	rulesGeneratedTotal prometheus.Counter
	associationsTotal   *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewRuleGenerationMetrics creates and registers rule generation metrics.
func NewRuleGenerationMetrics(registry prometheus.Registerer) (*RuleGenerationMetrics, error) {
	m := &RuleGenerationMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RuleGenerationMetrics) initMetrics() {
	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_generation_runs_total",
			Help: "Total number of rule generation runs by final status",
		},
		[]string{"status"}, // complete, failed
	)

	m.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rule_generation_run_duration_seconds",
			Help:    "Wall-clock duration of rule generation runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15), // 100ms to ~27m
		},
	)

	m.pagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_generation_pages_total",
			Help: "Total number of page tasks by final status",
		},
		[]string{"status"},
	)

	m.pagesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rule_generation_pages_in_flight",
			Help: "Number of page tasks currently running",
		},
	)

	m.rulesGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rule_generation_rules_generated_total",
			Help: "Total number of mapping rules persisted",
		},
	)

	m.associationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_generation_associations_total",
			Help: "Concept associations processed by resolution outcome",
		},
		[]string{"outcome"}, // resolved, miss, skipped, failed
	)

	m.collectors = []prometheus.Collector{
		m.runsTotal,
		m.runDuration,
		m.pagesTotal,
		m.pagesInFlight,
		m.rulesGeneratedTotal,
		m.associationsTotal,
	}
}

// Describe implements the Collector interface
func (m *RuleGenerationMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *RuleGenerationMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordRun records a finished run with its duration in seconds.
// All Record methods are no-ops on a nil receiver so callers may run without metrics.
func (m *RuleGenerationMetrics) RecordRun(status string, seconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(seconds)
}

// RecordPage records a page task reaching a terminal status.
func (m *RuleGenerationMetrics) RecordPage(status string) {
	if m == nil {
		return
	}
	m.pagesTotal.WithLabelValues(status).Inc()
}

// SetPagesInFlight sets the number of running page tasks.
func (m *RuleGenerationMetrics) SetPagesInFlight(n int) {
	if m == nil {
		return
	}
	m.pagesInFlight.Set(float64(n))
}

// AddRulesGenerated adds persisted rules.
func (m *RuleGenerationMetrics) AddRulesGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rulesGeneratedTotal.Add(float64(n))
}

// AddAssociations adds n associations with the given outcome.
func (m *RuleGenerationMetrics) AddAssociations(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.associationsTotal.WithLabelValues(outcome).Add(float64(n))
}
