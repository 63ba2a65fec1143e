package metric

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmsnap"

// Registry holds all application metrics.
type Registry struct {
	registry *prometheus.Registry

	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	MergesTotal  *prometheus.CounterVec

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with every application metric registered.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished snapshot tasks by kind and outcome",
		}, []string{"kind", "outcome"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of snapshot tasks",
			// Takes of small machines finish in milliseconds; merges of
			// large disks run for many minutes.
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind", "outcome"}),

		MergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Disk merges run for snapshot deletion",
		}, []string{"direction", "mode", "outcome"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests",
		}, []string{"method", "route", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.TasksTotal,
		r.TaskDuration,
		r.MergesTotal,
		r.RequestsTotal,
		r.RequestDuration,
	)
	return r
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() { global = NewRegistry() })
	return global
}

// Handler serves the process-wide registry.
func Handler() http.Handler {
	return Global().Handler()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registerer lets other packages add their own collectors.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Gatherer returns the underlying gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// TaskFinished records a finished task.
func (r *Registry) TaskFinished(kind, outcome string, duration time.Duration) {
	r.TasksTotal.WithLabelValues(kind, outcome).Inc()
	r.TaskDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

// MergeFinished records one disk merge.
func (r *Registry) MergeFinished(direction, mode, outcome string) {
	r.MergesTotal.WithLabelValues(direction, mode, outcome).Inc()
}

// RecordRequest counts one HTTP request.
func (r *Registry) RecordRequest(method, route, status string) {
	r.RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// ObserveRequestDuration records the latency of one HTTP request.
func (r *Registry) ObserveRequestDuration(method, route string, seconds float64) {
	r.RequestDuration.WithLabelValues(method, route).Observe(seconds)
}
