package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of Prometheus collectors exported by the pipeline.
type Metrics struct {
	RunsFinished     *prometheus.CounterVec
	TasksFinished    *prometheus.CounterVec
	EnrichCalls      *prometheus.CounterVec
	DedupDropped     *prometheus.CounterVec
	ItemsSaved       prometheus.Counter
	BreakerState     *prometheus.GaugeVec
	DLQDepth         prometheus.Gauge
	ActiveRuns       prometheus.Gauge
	LoopDuration     *prometheus.HistogramVec
	ScrubRepublished *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics registers a fresh metric set on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainews",
			Name:      "runs_finished_total",
			Help:      "Runs reaching a terminal status.",
		}, []string{"status"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainews",
			Name:      "tasks_finished_total",
			Help:      "Fetch tasks by source and outcome.",
		}, []string{"source", "status"}),
		EnrichCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainews",
			Name:      "enrich_calls_total",
			Help:      "Enrichment calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		DedupDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainews",
			Name:      "dedup_dropped_total",
			Help:      "Items removed by dedup stage.",
		}, []string{"stage"}),
		ItemsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ainews",
			Name:      "items_saved_total",
			Help:      "Items inserted into the store.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ainews",
			Name:      "provider_breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
		}, []string{"provider"}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ainews",
			Name:      "dlq_depth",
			Help:      "Items whose enrichment failed past the retry cap.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ainews",
			Name:      "active_runs",
			Help:      "Runs currently queued or running.",
		}),
		LoopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ainews",
			Name:      "loop_duration_seconds",
			Help:      "Duration of reconcile and scrub passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),
		ScrubRepublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ainews",
			Name:      "scrub_republished_total",
			Help:      "Items republished by the orphan scrubber.",
		}, []string{"kind"}),
		registry: reg,
	}
	reg.MustRegister(
		m.RunsFinished, m.TasksFinished, m.EnrichCalls, m.DedupDropped,
		m.ItemsSaved, m.BreakerState, m.DLQDepth, m.ActiveRuns,
		m.LoopDuration, m.ScrubRepublished,
	)
	return m
}

// Handler serves the metric set in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var noop = NewMetrics()

// OrNoop returns m, or a process-wide unexported metric set when m is nil so
// callers never need nil checks.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return noop
	}
	return m
}
