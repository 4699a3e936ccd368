// Package metrics provides Prometheus metrics for rule generation runs.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values shared by the collectors.
const (
	StatusComplete = "complete"
	StatusFailed   = "failed"

	OutcomeResolved = "resolved"
	OutcomeMiss     = "miss"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Metrics holds every collector of the service on its own registry.
type Metrics struct {
	registry       *prometheus.Registry
	RuleGeneration *RuleGenerationMetrics
}

// New creates a registry and registers all collectors on it.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	ruleGeneration, err := NewRuleGenerationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule generation metrics: %w", err)
	}

	return &Metrics{
		registry:       registry,
		RuleGeneration: ruleGeneration,
	}, nil
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
