// Package metrics exposes Prometheus instruments for the lifecycle manager
// and the scheduler. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "repliktor"

// Increment outcomes used as the "result" label.
const (
	ResultChanged   = "changed"
	ResultUnchanged = "unchanged"
	ResultFailed    = "failed"
	ResultNotFound  = "not_found"
)

type Collector struct {
	Increments     *prometheus.CounterVec
	IncrementTime  prometheus.Histogram
	Entries        prometheus.Gauge
	Ticks          prometheus.Counter
	Dispatched     prometheus.Counter
	OverlapSkipped prometheus.Counter
	RunningJobs    prometheus.Gauge
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		Increments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "increments_total",
			Help:      "Incremental backup runs by result.",
		}, []string{"result"}),
		IncrementTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "increment_duration_seconds",
			Help:      "Wall time of incremental backup runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_entries",
			Help:      "Backup entries in the registry after the last mutation.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler wake cycles.",
		}),
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Increments dispatched by the scheduler.",
		}),
		OverlapSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "overlap_skipped_total",
			Help:      "Due entries skipped because a previous run was still going.",
		}),
		RunningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "running_jobs",
			Help:      "Increments currently in flight.",
		}),
	}
	reg.MustRegister(
		c.Increments,
		c.IncrementTime,
		c.Entries,
		c.Ticks,
		c.Dispatched,
		c.OverlapSkipped,
		c.RunningJobs,
	)
	return c
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) IncrementDone(result string, took time.Duration) {
	if c == nil {
		return
	}
	c.Increments.WithLabelValues(result).Inc()
	if result != ResultNotFound {
		c.IncrementTime.Observe(took.Seconds())
	}
}

func (c *Collector) SetEntries(n int) {
	if c == nil {
		return
	}
	c.Entries.Set(float64(n))
}

func (c *Collector) Tick() {
	if c == nil {
		return
	}
	c.Ticks.Inc()
}

func (c *Collector) JobDispatched() {
	if c == nil {
		return
	}
	c.Dispatched.Inc()
	c.RunningJobs.Inc()
}

func (c *Collector) JobFinished() {
	if c == nil {
		return
	}
	c.RunningJobs.Dec()
}

func (c *Collector) Overlap() {
	if c == nil {
		return
	}
	c.OverlapSkipped.Inc()
}
