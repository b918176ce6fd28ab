package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petal-labs/nodeflow/runtime"
)

// Metrics holds the Prometheus collectors served on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	triggersAccepted *prometheus.CounterVec
	triggersRejected *prometheus.CounterVec
	runs             *prometheus.CounterVec
	activeRuns       prometheus.Gauge
	runDuration      prometheus.Histogram
	nodeDuration     *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg gets a fresh
// registry with the Go and process collectors.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := &Metrics{
		registry: reg,
		triggersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodeflow_triggers_accepted_total",
			Help: "Workflow triggers accepted for execution.",
		}, []string{"source"}),
		triggersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodeflow_triggers_rejected_total",
			Help: "Workflow triggers the dispatcher refused.",
		}, []string{"source"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodeflow_runs_total",
			Help: "Finished workflow runs by outcome.",
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodeflow_runs_active",
			Help: "Workflow runs currently executing.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nodeflow_run_duration_seconds",
			Help:    "Wall time of workflow runs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nodeflow_node_duration_seconds",
			Help:    "Wall time of node executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node_type", "status"}),
	}
	reg.MustRegister(m.triggersAccepted, m.triggersRejected, m.runs, m.activeRuns, m.runDuration, m.nodeDuration)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TriggerAccepted counts an accepted trigger from source.
func (m *Metrics) TriggerAccepted(source string) {
	m.triggersAccepted.With(prometheus.Labels{"source": source}).Inc()
}

// TriggerRejected counts a refused trigger from source.
func (m *Metrics) TriggerRejected(source string) {
	m.triggersRejected.With(prometheus.Labels{"source": source}).Inc()
}

// Observe records run and node metrics from a run event. It has
// runtime.EventHandler semantics.
func (m *Metrics) Observe(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		m.activeRuns.Inc()
	case runtime.EventRunFinished:
		m.activeRuns.Dec()
		status := e.PayloadString("status")
		if status == "" {
			status = "unknown"
		}
		m.runs.With(prometheus.Labels{"status": status}).Inc()
		m.runDuration.Observe(e.Elapsed.Seconds())
	case runtime.EventNodeFinished:
		m.nodeDuration.With(prometheus.Labels{"node_type": e.NodeType.String(), "status": "success"}).Observe(e.Elapsed.Seconds())
	case runtime.EventNodeFailed:
		m.nodeDuration.With(prometheus.Labels{"node_type": e.NodeType.String(), "status": "error"}).Observe(e.Elapsed.Seconds())
	}
}
