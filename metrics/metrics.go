// Package metrics exports prefetch pipeline metrics in Prometheus format.
//
// A nil *Exporter is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aprefetch"

// Exporter holds the pipeline collectors on a private registry.
type Exporter struct {
	registry *prometheus.Registry

	predictions       *prometheus.CounterVec
	predictionLatency *prometheus.HistogramVec
	modelLoads        *prometheus.CounterVec
	probes            *prometheus.CounterVec
	bridged           *prometheus.CounterVec
	visits            prometheus.Counter
}

type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for the prediction latency histogram (in seconds)
	LatencyBuckets []float64
}

func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}
}

func New(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prediction",
			Name:      "total",
			Help:      "Predictions served, by the source that answered",
		},
		[]string{"source"},
	)
	e.predictionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "prediction",
			Name:      "latency_seconds",
			Help:      "Prediction latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"source"},
	)
	e.modelLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "loads_total",
			Help:      "Model load attempts, by outcome",
		},
		[]string{"outcome"},
	)
	e.probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prewarm",
			Name:      "probes_total",
			Help:      "Prewarm probes, by outcome",
		},
		[]string{"outcome"},
	)
	e.bridged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "responses_total",
			Help:      "Responses that carried predictions, by channel",
		},
		[]string{"channel"},
	)
	e.visits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "visits_total",
			Help:      "Tracked page navigations",
		},
	)

	registry.MustRegister(
		e.predictions,
		e.predictionLatency,
		e.modelLoads,
		e.probes,
		e.bridged,
		e.visits,
	)
	return e
}

func (e *Exporter) RecordPrediction(source string, latency time.Duration) {
	if e == nil {
		return
	}
	e.predictions.WithLabelValues(source).Inc()
	e.predictionLatency.WithLabelValues(source).Observe(latency.Seconds())
}

// RecordModelLoad counts a load attempt; outcome is "ready" or "unavailable".
func (e *Exporter) RecordModelLoad(outcome string) {
	if e == nil {
		return
	}
	e.modelLoads.WithLabelValues(outcome).Inc()
}

// RecordProbe counts a prewarm probe; outcome is "ok", "error" or "dropped".
func (e *Exporter) RecordProbe(outcome string) {
	if e == nil {
		return
	}
	e.probes.WithLabelValues(outcome).Inc()
}

// RecordBridge counts a response carrying predictions over channel "header" or "island".
func (e *Exporter) RecordBridge(channel string) {
	if e == nil {
		return
	}
	e.bridged.WithLabelValues(channel).Inc()
}

func (e *Exporter) RecordVisit() {
	if e == nil {
		return
	}
	e.visits.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	if e == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) Registry() *prometheus.Registry {
	if e == nil {
		return nil
	}
	return e.registry
}
