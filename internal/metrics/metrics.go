// Package metrics exposes Prometheus instrumentation for the orchestrator
// core: dispatch and execution counters, gate failures, watchdog
// recoveries, and a live tasks-by-status gauge.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openskelo/internal/task"
)

// StatusCounter supplies live per-status task counts for the gauge
// collector.
type StatusCounter interface {
	StatusCounts(ctx context.Context) (map[task.Status]int, error)
}

// Metrics bundles the registry and every instrument the core updates. It
// satisfies the dispatcher's Observer interface.
type Metrics struct {
	registry *prometheus.Registry

	dispatches        *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	gateFailures      *prometheus.CounterVec
	watchdogRecovered *prometheus.CounterVec
}

// New builds the metric set on a fresh registry and, when counts is
// non-nil, registers a live tasks-by-status gauge.
func New(counts StatusCounter) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openskelo_dispatches_total",
			Help: "Tasks claimed, by adapter.",
		}, []string{"adapter"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openskelo_executions_total",
			Help: "Adapter executions by outcome.",
		}, []string{"adapter", "outcome"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openskelo_execution_duration_seconds",
			Help:    "Adapter execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"adapter"}),
		gateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openskelo_gate_failures_total",
			Help: "Gate evaluations that failed, by gate kind.",
		}, []string{"gate"}),
		watchdogRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openskelo_watchdog_recoveries_total",
			Help: "Stale IN_PROGRESS tasks recovered by the watchdog, by action.",
		}, []string{"action"}),
	}
	registry.MustRegister(
		m.dispatches, m.executions, m.executionDuration,
		m.gateFailures, m.watchdogRecovered,
	)
	if counts != nil {
		registry.MustRegister(&statusCollector{counts: counts})
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskDispatched records one claim.
func (m *Metrics) TaskDispatched(adapter string) {
	m.dispatches.WithLabelValues(adapter).Inc()
}

// TaskFinished records one adapter execution outcome.
func (m *Metrics) TaskFinished(adapter string, duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.executions.WithLabelValues(adapter, outcome).Inc()
	m.executionDuration.WithLabelValues(adapter).Observe(duration.Seconds())
}

// GateFailed records one failing gate.
func (m *Metrics) GateFailed(gate string) {
	m.gateFailures.WithLabelValues(gate).Inc()
}

// TaskRecovered records one watchdog recovery.
func (m *Metrics) TaskRecovered(action string) {
	m.watchdogRecovered.WithLabelValues(action).Inc()
}

var statusDesc = prometheus.NewDesc(
	"openskelo_tasks",
	"Current task count by status.",
	[]string{"status"}, nil,
)

type statusCollector struct {
	counts StatusCounter
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- statusDesc
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	counts, err := c.counts.StatusCounts(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(statusDesc, prometheus.GaugeValue, float64(n), string(status))
	}
}
