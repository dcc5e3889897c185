// Package metrics exposes Prometheus instrumentation for the
// orchestrator: workflow and task counters fed from the event bus plus
// an HTTP handler serving the registry and a health probe.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowstack-io/flowstack/event"
)

// Collector holds the orchestrator's Prometheus metrics on a private
// registry.
type Collector struct {
	registry *prometheus.Registry

	WorkflowsStarted   prometheus.Counter
	WorkflowsCompleted prometheus.Counter
	WorkflowsFailed    prometheus.Counter
	WorkflowsCancelled prometheus.Counter
	WorkflowsRetried   prometheus.Counter
	WorkflowsActive    prometheus.Gauge

	TasksByOutcome   *prometheus.CounterVec
	RetriesScheduled prometheus.Counter
	ReviewsRequested prometheus.Counter
	ReviewsCompleted *prometheus.CounterVec

	SchedulerTicks  prometheus.Counter
	TasksResumed    prometheus.Counter
	WorkflowsPurged prometheus.Counter
	EventsDropped   prometheus.Counter
}

// NewCollector registers all metrics on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		WorkflowsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_workflows_started_total",
			Help: "Workflow executions that entered RUNNING.",
		}),
		WorkflowsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_workflows_completed_total",
			Help: "Workflow executions that completed successfully.",
		}),
		WorkflowsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_workflows_failed_total",
			Help: "Workflow executions that settled FAILED.",
		}),
		WorkflowsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_workflows_cancelled_total",
			Help: "Workflow executions cancelled by an operator.",
		}),
		WorkflowsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_workflows_retried_total",
			Help: "Retries of FAILED workflow executions.",
		}),
		WorkflowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowstack_workflows_active",
			Help: "Workflow executions currently RUNNING.",
		}),

		TasksByOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstack_tasks_total",
			Help: "Task executions by outcome.",
		}, []string{"outcome"}),
		RetriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_task_retries_scheduled_total",
			Help: "Task retry attempts scheduled with backoff.",
		}),
		ReviewsRequested: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_reviews_requested_total",
			Help: "User review gates opened.",
		}),
		ReviewsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstack_reviews_completed_total",
			Help: "User review decisions by outcome.",
		}, []string{"decision"}),

		SchedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_scheduler_ticks_total",
			Help: "Retry scheduler passes performed.",
		}),
		TasksResumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_scheduler_tasks_resumed_total",
			Help: "Tasks resumed after their backoff elapsed.",
		}),
		WorkflowsPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_workflows_purged_total",
			Help: "Terminal workflows removed by retention cleanup.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstack_events_dropped_total",
			Help: "Lifecycle events dropped because the bus was full.",
		}),
	}
}

// Observe is an event bus subscriber that keeps the counters current.
func (c *Collector) Observe(ev event.Event) {
	switch ev.Type {
	case event.WorkflowStarted:
		c.WorkflowsStarted.Inc()
		c.WorkflowsActive.Inc()
	case event.WorkflowCompleted:
		c.WorkflowsCompleted.Inc()
		c.WorkflowsActive.Dec()
	case event.WorkflowFailed:
		c.WorkflowsFailed.Inc()
		c.WorkflowsActive.Dec()
	case event.WorkflowCancelled:
		c.WorkflowsCancelled.Inc()
		c.WorkflowsActive.Dec()
	case event.WorkflowRetry:
		c.WorkflowsRetried.Inc()
		c.WorkflowsActive.Inc()
	case event.TaskCompleted:
		c.TasksByOutcome.WithLabelValues("completed").Inc()
	case event.TaskFailed:
		c.TasksByOutcome.WithLabelValues("failed").Inc()
	case event.TaskSkipped:
		c.TasksByOutcome.WithLabelValues("skipped").Inc()
	case event.TaskRetryScheduled:
		c.RetriesScheduled.Inc()
	case event.UserReviewRequested:
		c.ReviewsRequested.Inc()
	case event.UserReviewCompleted:
		decision := ev.Data["decision"]
		if decision == "" {
			decision = "unknown"
		}
		c.ReviewsCompleted.WithLabelValues(decision).Inc()
	}
}

// Handler returns an HTTP mux serving /metrics and /healthz.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Registry exposes the underlying registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
