// Package metrics exposes scheduler activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deskcron/internal/core"
)

const namespace = "deskcron"

// Collector records runs and ticks. It implements core.RunObserver.
type Collector struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	retries      prometheus.Counter
	ticks        prometheus.Counter
	tickTasks    *prometheus.CounterVec
	tickErrors   prometheus.Counter
	tickDuration prometheus.Histogram
}

var _ core.RunObserver = (*Collector)(nil)

// New registers the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Task runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of task runs.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_retries_total",
			Help:      "Action retries across all runs.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks.",
		}),
		tickTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "due_tasks_total",
			Help:      "Due tasks seen by the scheduler, by decision.",
		}, []string{"decision"}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Ticks that could not load due tasks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent selecting and dispatching due tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	c.registry.MustRegister(
		c.runs, c.runDuration, c.retries,
		c.ticks, c.tickTasks, c.tickErrors, c.tickDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveRun records one finished run.
func (c *Collector) ObserveRun(log core.ExecutionLog) {
	outcome := "success"
	if !log.Result.Success {
		outcome = "failure"
	}
	c.runs.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(log.Duration.Std().Seconds())
	c.retries.Add(float64(log.RetryCount))
}

// ObserveTick records one scheduler tick.
func (c *Collector) ObserveTick(report core.TickReport, took time.Duration) {
	c.ticks.Inc()
	c.tickDuration.Observe(took.Seconds())
	if report.Err != nil {
		c.tickErrors.Inc()
	}
	for decision, n := range map[string]int{
		"dispatched": report.Dispatched,
		"gated":      report.Gated,
		"skipped":    report.Skipped,
		"deferred":   report.Deferred,
		"expired":    report.Expired,
	} {
		if n > 0 {
			c.tickTasks.WithLabelValues(decision).Add(float64(n))
		}
	}
}

// WatchScheduler exports live gauges read from stats on every scrape.
func (c *Collector) WatchScheduler(stats func() core.Stats) {
	gauge := func(name, help string, value func(core.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(stats()) })
	}
	c.registry.MustRegister(
		gauge("queued_runs", "Runs waiting for a worker.", func(s core.Stats) float64 { return float64(s.Queued) }),
		gauge("in_flight_runs", "Runs currently executing.", func(s core.Stats) float64 { return float64(s.InFlight) }),
		gauge("pending_state_writes", "Task state writes waiting to be retried.", func(s core.Stats) float64 { return float64(s.PendingWrites) }),
		gauge("paused", "1 when the scheduler is paused.", func(s core.Stats) float64 {
			if s.Paused {
				return 1
			}
			return 0
		}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }
