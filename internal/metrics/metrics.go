// Package metrics exposes Prometheus instrumentation for the worker pool.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "srdesk"

// Metrics holds the pool's collectors on a private registry so several pools
// (and tests) never collide. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	// CandidatesAccepted counts candidates that passed de-duplication
	CandidatesAccepted *prometheus.CounterVec
	// ParseErrors counts malformed result blocks
	ParseErrors *prometheus.CounterVec
	// AggregationsSkipped counts timer fires dropped because an aggregation was in flight
	AggregationsSkipped *prometheus.CounterVec
	// AggregationDuration measures one read+parse+merge pass
	AggregationDuration *prometheus.HistogramVec
	// ProcessExits counts child exits by worker
	ProcessExits *prometheus.CounterVec
	// BytesRead counts result-file bytes consumed
	BytesRead *prometheus.CounterVec
	// FrontierSize tracks the global frontier length at the last aggregation
	FrontierSize prometheus.Gauge
	// WorkersRunning tracks workers in the running state
	WorkersRunning prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CandidatesAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_accepted_total",
				Help:      "Candidates accepted after de-duplication",
			},
			[]string{"worker"},
		),
		ParseErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Malformed generation blocks skipped",
			},
			[]string{"worker"},
		),
		AggregationsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregations_skipped_total",
				Help:      "Aggregation triggers skipped because one was in flight",
			},
			[]string{"worker"},
		),
		AggregationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "aggregation_duration_seconds",
				Help:      "Time spent reading and parsing new result bytes",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"worker"},
		),
		ProcessExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_exits_total",
				Help:      "Search process exits observed",
			},
			[]string{"worker"},
		),
		BytesRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "result_bytes_read_total",
				Help:      "Result file bytes consumed",
			},
			[]string{"worker"},
		),
		FrontierSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "frontier_size",
				Help:      "Candidates on the global frontier",
			},
		),
		WorkersRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_running",
				Help:      "Workers currently running",
			},
		),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAggregation records one aggregation pass for worker.
func (m *Metrics) ObserveAggregation(worker int, started time.Time, bytes, accepted, parseErrors int) {
	if m == nil {
		return
	}
	label := strconv.Itoa(worker)
	m.AggregationDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())
	if bytes > 0 {
		m.BytesRead.WithLabelValues(label).Add(float64(bytes))
	}
	if accepted > 0 {
		m.CandidatesAccepted.WithLabelValues(label).Add(float64(accepted))
	}
	if parseErrors > 0 {
		m.ParseErrors.WithLabelValues(label).Add(float64(parseErrors))
	}
}

// AggregationSkipped records a trigger dropped for worker.
func (m *Metrics) AggregationSkipped(worker int) {
	if m == nil {
		return
	}
	m.AggregationsSkipped.WithLabelValues(strconv.Itoa(worker)).Inc()
}

// ProcessExited records a child exit for worker.
func (m *Metrics) ProcessExited(worker int) {
	if m == nil {
		return
	}
	m.ProcessExits.WithLabelValues(strconv.Itoa(worker)).Inc()
}

// SetFrontierSize updates the frontier gauge.
func (m *Metrics) SetFrontierSize(n int) {
	if m == nil {
		return
	}
	m.FrontierSize.Set(float64(n))
}

// SetWorkersRunning updates the running-workers gauge.
func (m *Metrics) SetWorkersRunning(n int) {
	if m == nil {
		return
	}
	m.WorkersRunning.Set(float64(n))
}
