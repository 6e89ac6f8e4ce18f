package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/clustertasks/pkg/task"
)

const defaultNamespace = "clustertasks"

// Metrics records enqueue results, claims, finishes and control loop ticks.
type Metrics struct {
	registry *prometheus.Registry
	enqueued *prometheus.CounterVec
	claimed  *prometheus.CounterVec
	finished *prometheus.CounterVec
	failed   *prometheus.CounterVec
	running  *prometheus.GaugeVec
	duration *prometheus.HistogramVec
	ticks    *prometheus.HistogramVec
	tickErrs *prometheus.CounterVec
}

type config struct {
	registry       *prometheus.Registry
	namespace      string
	nodeID         string
	buckets        []float64
	runtimeMetrics bool
}

// Option configures Metrics.
type Option func(*config)

// WithNamespace sets the metric namespace. Defaults to "clustertasks".
func WithNamespace(ns string) Option {
	return func(c *config) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithNodeID adds a constant node label to every series.
func WithNodeID(id string) Option {
	return func(c *config) {
		c.nodeID = id
	}
}

// WithRegistry registers the collectors on r instead of a private registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(c *config) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithBuckets sets the histogram buckets, in seconds, of task durations.
func WithBuckets(b ...float64) Option {
	return func(c *config) {
		if len(b) > 0 {
			c.buckets = b
		}
	}
}

// WithRuntimeMetrics also registers the Go runtime and process collectors.
func WithRuntimeMetrics() Option {
	return func(c *config) {
		c.runtimeMetrics = true
	}
}

// New builds the collectors and registers them.
// It panics if a collector with the same name is already registered on the
// registry, the same way prometheus.MustRegister does.
func New(opts ...Option) *Metrics {
	cfg := &config{
		namespace: defaultNamespace,
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = prometheus.NewRegistry()
	}

	var constLabels prometheus.Labels
	if cfg.nodeID != "" {
		constLabels = prometheus.Labels{"node": cfg.nodeID}
	}

	m := &Metrics{
		registry: cfg.registry,
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "tasks_enqueued_total",
			Help:        "Submitted tasks by processor type and persistence result.",
			ConstLabels: constLabels,
		}, []string{"processor_type", "result"}),
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "tasks_claimed_total",
			Help:        "Tasks claimed by this node.",
			ConstLabels: constLabels,
		}, []string{"processor_type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "tasks_processed_total",
			Help:        "Tasks processed by this node, successful or not.",
			ConstLabels: constLabels,
		}, []string{"processor_type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "tasks_failed_total",
			Help:        "Tasks whose processor returned an error or panicked.",
			ConstLabels: constLabels,
		}, []string{"processor_type"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.namespace,
			Name:        "tasks_running",
			Help:        "Tasks currently running on this node.",
			ConstLabels: constLabels,
		}, []string{"processor_type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.namespace,
			Name:        "task_duration_seconds",
			Help:        "Time spent processing one task.",
			Buckets:     cfg.buckets,
			ConstLabels: constLabels,
		}, []string{"processor_type"}),
		ticks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.namespace,
			Name:        "loop_tick_duration_seconds",
			Help:        "Duration of dispatch and maintenance ticks.",
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			ConstLabels: constLabels,
		}, []string{"loop"}),
		tickErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "loop_tick_errors_total",
			Help:        "Control loop ticks that ended with an error.",
			ConstLabels: constLabels,
		}, []string{"loop"}),
	}

	cfg.registry.MustRegister(m.enqueued, m.claimed, m.finished, m.failed, m.running, m.duration, m.ticks, m.tickErrs)
	if cfg.runtimeMetrics {
		registerIgnoringDuplicates(cfg.registry, collectors.NewGoCollector())
		registerIgnoringDuplicates(cfg.registry, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return m
}

func registerIgnoringDuplicates(r *prometheus.Registry, c prometheus.Collector) {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TaskEnqueued(processorType string, status task.PersistStatus) {
	m.enqueued.WithLabelValues(processorType, status.String()).Inc()
}

func (m *Metrics) TaskClaimed(processorType string) {
	m.claimed.WithLabelValues(processorType).Inc()
	m.running.WithLabelValues(processorType).Inc()
}

func (m *Metrics) TaskFinished(processorType string, d time.Duration, err error) {
	m.running.WithLabelValues(processorType).Dec()
	m.finished.WithLabelValues(processorType).Inc()
	m.duration.WithLabelValues(processorType).Observe(d.Seconds())
	if err != nil {
		m.failed.WithLabelValues(processorType).Inc()
	}
}

func (m *Metrics) TickCompleted(loop string, d time.Duration, err error) {
	m.ticks.WithLabelValues(loop).Observe(d.Seconds())
	if err != nil {
		m.tickErrs.WithLabelValues(loop).Inc()
	}
}
