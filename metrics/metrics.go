// Package metrics collects Prometheus metrics for upgrade and promotion runs
// and pushes them to a Pushgateway when the run ends.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Config controls metric collection. Pushing is disabled when Pushgateway is
// empty.
type Config struct {
	Pushgateway string `yaml:"pushgateway"`
	Job         string `yaml:"job"`
	Namespace   string `yaml:"namespace"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{Job: "dbdelta", Namespace: "dbdelta"}
}

// Collector holds the metric vectors of one process. The zero value is not
// usable; a nil *Collector is a valid no-op.
type Collector struct {
	cfg      Config
	registry *prometheus.Registry

	DeltasApplied *prometheus.CounterVec
	DeltasFailed  *prometheus.CounterVec
	DeltaDuration *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec
	Promotions    *prometheus.CounterVec
}

// NewCollector creates a Collector with its own registry.
func NewCollector(cfg Config) *Collector {
	if cfg.Job == "" {
		cfg.Job = "dbdelta"
	}
	ns := cfg.Namespace
	c := &Collector{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		DeltasApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "deltas_applied_total",
			Help:      "Delta units applied successfully.",
		}, []string{"target"}),
		DeltasFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "deltas_failed_total",
			Help:      "Delta units that failed to apply.",
		}, []string{"target"}),
		DeltaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "delta_duration_seconds",
			Help:      "Time spent applying a single delta unit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each test-and-promote stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"stage", "status"}),
		Promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "promotions_total",
			Help:      "Test-and-promote runs by outcome.",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(c.DeltasApplied, c.DeltasFailed, c.DeltaDuration, c.StageDuration, c.Promotions)
	return c
}

// Registry returns the collector's Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// DeltaApplied records a successful delta.
func (c *Collector) DeltaApplied(target string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.DeltasApplied.WithLabelValues(target).Inc()
	c.DeltaDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

// DeltaFailed records a failed delta.
func (c *Collector) DeltaFailed(target string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.DeltasFailed.WithLabelValues(target).Inc()
	c.DeltaDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

// StageDone records the duration of an orchestrator stage.
func (c *Collector) StageDone(stage string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StageDuration.WithLabelValues(stage, status).Observe(elapsed.Seconds())
}

// PromotionDone counts a finished run by outcome.
func (c *Collector) PromotionDone(outcome string) {
	if c == nil {
		return
	}
	c.Promotions.WithLabelValues(outcome).Inc()
}

// Push sends all collected metrics to the configured Pushgateway. It is a
// no-op when no gateway is configured.
func (c *Collector) Push(ctx context.Context) error {
	if c == nil || c.cfg.Pushgateway == "" {
		return nil
	}
	if err := push.New(c.cfg.Pushgateway, c.cfg.Job).Gatherer(c.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", c.cfg.Pushgateway, err)
	}
	return nil
}
