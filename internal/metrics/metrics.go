// Package metrics exposes Prometheus collectors for extraction attempts,
// pipeline runs, events, jobs and HTTP requests.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/extraction"
	"github.com/worq1337/parcer/internal/pipeline"
)

const namespace = "parcer"

// Collectors holds every metric the service exports, on its own registry.
type Collectors struct {
	registry *prometheus.Registry

	attempts     *prometheus.CounterVec
	attemptDur   *prometheus.HistogramVec
	stageDur     *prometheus.HistogramVec
	outcomes     *prometheus.CounterVec
	events       *prometheus.CounterVec
	jobs         *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers all collectors plus the Go runtime and process collectors.
func New() *Collectors {
	c := &Collectors{registry: prometheus.NewRegistry()}

	c.attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extraction_attempts_total",
		Help:      "Extraction service attempts by model, format and outcome.",
	}, []string{"model", "format", "outcome"})
	c.attemptDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "extraction_attempt_duration_seconds",
		Help:      "Duration of single extraction attempts.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
	}, []string{"model"})
	c.stageDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Time spent in each pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})
	c.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_runs_total",
		Help:      "Finished pipeline runs by kind and final state.",
	}, []string{"kind", "state"})
	c.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Lifecycle events delivered to sinks.",
	}, []string{"event"})
	c.jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Ingest jobs by final status.",
	}, []string{"status"})
	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "job_queue_depth",
		Help:      "Jobs waiting in the in-memory queue.",
	})
	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})
	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	c.registry.MustRegister(
		c.attempts, c.attemptDur, c.stageDur, c.outcomes, c.events,
		c.jobs, c.queueDepth, c.httpRequests, c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveAttempt implements extraction.Observer.
func (c *Collectors) ObserveAttempt(model string, format extraction.Format, outcome string, d time.Duration) {
	c.attempts.WithLabelValues(model, string(format), outcome).Inc()
	c.attemptDur.WithLabelValues(model).Observe(d.Seconds())
}

// ObserveStage implements pipeline.Metrics.
func (c *Collectors) ObserveStage(stage pipeline.State, d time.Duration) {
	c.stageDur.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// CountOutcome implements pipeline.Metrics.
func (c *Collectors) CountOutcome(kind domain.RunKind, state pipeline.State) {
	c.outcomes.WithLabelValues(string(kind), string(state)).Inc()
}

// Name and Handle make the collectors an event sink.
func (c *Collectors) Name() string { return "metrics" }

func (c *Collectors) Handle(_ context.Context, evt domain.Event) error {
	c.events.WithLabelValues(string(evt.Name)).Inc()
	return nil
}

// CountJob records a finished job.
func (c *Collectors) CountJob(status string) {
	c.jobs.WithLabelValues(status).Inc()
}

// SetQueueDepth records the current queue length.
func (c *Collectors) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// ObserveHTTP records one served request.
func (c *Collectors) ObserveHTTP(method, route string, code int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
