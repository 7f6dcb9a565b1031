// Package metrics collects and exposes Prometheus metrics for sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector records run and per-item outcomes.
type MetricsCollector interface {
	RecordBookmarksFetched(count int)
	RecordArchive(success bool)
	RecordDelete(success bool)
	RecordSkipped(reason string)
	RecordRunDuration(duration time.Duration)
	RecordRunFailure()
}

// Collector is the Prometheus-backed MetricsCollector.
type Collector struct {
	fetched     prometheus.Counter
	archives    *prometheus.CounterVec
	deletes     *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	runDuration prometheus.Histogram
	runFailures prometheus.Counter
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nclbk_bookmarks_fetched_total",
			Help: "Bookmarks returned by the remote service.",
		}),
		archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nclbk_archive_total",
			Help: "Archive attempts by result.",
		}, []string{"result"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nclbk_delete_total",
			Help: "Remote delete attempts by result.",
		}, []string{"result"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nclbk_skipped_total",
			Help: "Bookmarks not deleted, by reason.",
		}, []string{"reason"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nclbk_run_duration_seconds",
			Help:    "Duration of completed sync runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),
		runFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nclbk_run_failures_total",
			Help: "Sync runs aborted by an error.",
		}),
	}

	reg.MustRegister(
		c.fetched,
		c.archives,
		c.deletes,
		c.skipped,
		c.runDuration,
		c.runFailures,
	)

	return c
}

func (c *Collector) RecordBookmarksFetched(count int) {
	c.fetched.Add(float64(count))
}

func (c *Collector) RecordArchive(success bool) {
	c.archives.WithLabelValues(result(success)).Inc()
}

func (c *Collector) RecordDelete(success bool) {
	c.deletes.WithLabelValues(result(success)).Inc()
}

func (c *Collector) RecordSkipped(reason string) {
	c.skipped.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordRunDuration(duration time.Duration) {
	c.runDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordRunFailure() {
	c.runFailures.Inc()
}

// Handler returns the HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute serves Handler on /metrics.
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
