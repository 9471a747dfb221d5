// Package metrics exposes Prometheus metrics for backfill execution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "price_backfill"
	Subsystem = "executor"
)

// Metrics holds the executor metrics. A nil *Metrics records nothing.
type Metrics struct {
	ItemsTotal         *prometheus.CounterVec
	RecordsInserted    *prometheus.CounterVec
	FetchesTotal       *prometheus.CounterVec
	FetchDuration      *prometheus.HistogramVec
	RateLimitWait      *prometheus.HistogramVec
	JobsFinishedTotal  *prometheus.CounterVec
	JobsRunning        prometheus.Gauge
	StaleJobsRecovered prometheus.Counter
}

// New creates and registers the metrics on reg, or on the default registerer
// when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "items_total",
			Help:      "Work units processed, by outcome",
		}, []string{"source", "outcome"}),

		RecordsInserted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "records_inserted_total",
			Help:      "Net-new price snapshots written",
		}, []string{"source"}),

		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "fetches_total",
			Help:      "Historical fetch calls, by result",
		}, []string{"source", "result"}),

		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of historical fetch calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		RateLimitWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limiter token",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 5, 15, 30, 60},
		}, []string{"source"}),

		JobsFinishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "jobs_finished_total",
			Help:      "Executions that ended, by resulting status",
		}, []string{"status"}),

		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "jobs_running",
			Help:      "Jobs currently executing in this process",
		}),

		StaleJobsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "stale_jobs_recovered_total",
			Help:      "Running jobs requeued after their heartbeat went stale",
		}),
	}
}

func (m *Metrics) Item(source, outcome string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) Records(source string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsInserted.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Fetch(source, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(source, result).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) Waited(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) Finished(status string) {
	if m == nil {
		return
	}
	m.JobsFinishedTotal.WithLabelValues(status).Inc()
}

// Started marks a job as running and returns a func that marks it done.
func (m *Metrics) Started() func() {
	if m == nil {
		return func() {}
	}
	m.JobsRunning.Inc()
	return m.JobsRunning.Dec
}

func (m *Metrics) Recovered(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleJobsRecovered.Add(float64(n))
}
