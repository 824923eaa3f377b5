// Package metrics exports run reports as Prometheus metrics in the node
// exporter textfile format.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/bruci/internal/report"
)

const namespace = "bruci"

// Exporter accumulates metrics for one or more reports on a private registry.
type Exporter struct {
	registry    *prometheus.Registry
	descriptors *prometheus.CounterVec
	assertions  *prometheus.CounterVec
	latency     *prometheus.SummaryVec
	statuses    *prometheus.CounterVec
	runDuration *prometheus.GaugeVec
	runSuccess  *prometheus.GaugeVec
	runStarted  *prometheus.GaugeVec
}

// New returns an exporter with all collectors registered.
func New() *Exporter {
	labels := []string{"collection", "environment"}
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		descriptors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptors_total",
			Help:      "Descriptor executions by outcome",
		}, append(labels, "outcome")),
		assertions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assertions_total",
			Help:      "Assertion and test evaluations by result",
		}, append(labels, "result")),
		// percentiles per pair; quantiles cannot be aggregated across pairs
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       "request_duration_seconds",
			Help:       "Response time of executed descriptors",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}, labels),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses by HTTP status code",
		}, append(labels, "status")),
		runDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run",
		}, labels),
		runSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_success",
			Help:      "1 when the last run passed, 0 otherwise",
		}, labels),
		runStarted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_started_timestamp_seconds",
			Help:      "Unix time the last run started",
		}, labels),
	}
	e.registry.MustRegister(e.descriptors, e.assertions, e.latency, e.statuses, e.runDuration, e.runSuccess, e.runStarted)
	return e
}

// Registry exposes the underlying registry, e.g. for a push gateway.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Observe adds rep to the exported metrics.
func (e *Exporter) Observe(rep report.Report) {
	coll, envName := rep.Collection, rep.Environment
	for _, r := range rep.Results {
		e.descriptors.WithLabelValues(coll, envName, string(r.Outcome)).Inc()
		for _, a := range r.Assertions {
			result := "passed"
			if !a.Passed {
				result = "failed"
			}
			e.assertions.WithLabelValues(coll, envName, result).Inc()
		}
		if r.Response != nil {
			e.latency.WithLabelValues(coll, envName).Observe(r.Duration.Seconds())
			e.statuses.WithLabelValues(coll, envName, fmt.Sprint(r.Response.Status)).Inc()
		}
	}
	e.runDuration.WithLabelValues(coll, envName).Set(rep.Duration.Seconds())
	success := 0.0
	if rep.Success() {
		success = 1
	}
	e.runSuccess.WithLabelValues(coll, envName).Set(success)
	if !rep.StartedAt.IsZero() {
		e.runStarted.WithLabelValues(coll, envName).Set(float64(rep.StartedAt.UnixNano()) / 1e9)
	}
}

// WriteFile writes all metrics to path atomically.
func (e *Exporter) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, e.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
