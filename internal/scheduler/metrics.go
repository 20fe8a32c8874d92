package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgebuild/forge/internal/progress"
)

// statsCollector exposes a progress.Statistics snapshot as Prometheus
// gauges, the way the teacher's src/remote/metrics.go wraps one counter
// for its pushgateway; here it's a pull-style Collector instead, since the
// scheduler has no single build-finishes moment to push from.
type statsCollector struct {
	stats *progress.Statistics

	queued   *prometheus.Desc
	executed *prometheus.Desc
	cached   *prometheus.Desc
	served   *prometheus.Desc
	flaky    *prometheus.Desc
}

// NewStatsCollector returns a prometheus.Collector reporting stats' atomic
// counters as gauges, for registration alongside the rest of the process's
// metrics (spec §4.11's Statistics, exposed for scrape rather than only
// logged).
func NewStatsCollector(stats *progress.Statistics) prometheus.Collector {
	return &statsCollector{
		stats:    stats,
		queued:   prometheus.NewDesc("forge_actions_queued", "Actions queued so far.", nil, nil),
		executed: prometheus.NewDesc("forge_actions_executed", "Actions actually executed (not served from cache).", nil, nil),
		cached:   prometheus.NewDesc("forge_actions_cached", "Actions served from the action cache.", nil, nil),
		served:   prometheus.NewDesc("forge_actions_served", "Artifacts served to downstream consumers.", nil, nil),
		flaky:    prometheus.NewDesc("forge_actions_flaky", "Distinct actions found flaky under rebuild verification.", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queued
	ch <- c.executed
	ch <- c.cached
	ch <- c.served
	ch <- c.flaky
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(snap.Queued))
	ch <- prometheus.MustNewConstMetric(c.executed, prometheus.GaugeValue, float64(snap.Executed))
	ch <- prometheus.MustNewConstMetric(c.cached, prometheus.GaugeValue, float64(snap.Cached))
	ch <- prometheus.MustNewConstMetric(c.served, prometheus.GaugeValue, float64(snap.Served))
	ch <- prometheus.MustNewConstMetric(c.flaky, prometheus.GaugeValue, float64(snap.Flaky))
}
