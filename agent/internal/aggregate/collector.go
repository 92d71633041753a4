package aggregate

import "github.com/prometheus/client_golang/prometheus"

var (
	bucketLabels = []string{"group", "connectivity", "location"}
	metricLabels = []string{"group", "connectivity", "location", "metric"}

	runsDesc = prometheus.NewDesc(
		"wptpipe_aggregate_runs_total",
		"Result bundles folded into the bucket.",
		bucketLabels, nil,
	)
	meanDesc = prometheus.NewDesc(
		"wptpipe_aggregate_metric_mean",
		"Mean of a median metric across bundles in the bucket.",
		metricLabels, nil,
	)
	minDesc = prometheus.NewDesc(
		"wptpipe_aggregate_metric_min",
		"Smallest value of a median metric in the bucket.",
		metricLabels, nil,
	)
	maxDesc = prometheus.NewDesc(
		"wptpipe_aggregate_metric_max",
		"Largest value of a median metric in the bucket.",
		metricLabels, nil,
	)
)

// Describe implements prometheus.Collector.
func (a *Aggregator) Describe(ch chan<- *prometheus.Desc) {
	ch <- runsDesc
	ch <- meanDesc
	ch <- minDesc
	ch <- maxDesc
}

// Collect implements prometheus.Collector. Each scrape reads a fresh copy of
// the buckets.
func (a *Aggregator) Collect(ch chan<- prometheus.Metric) {
	for _, b := range a.Buckets() {
		k := b.Key
		ch <- prometheus.MustNewConstMetric(runsDesc, prometheus.CounterValue,
			float64(b.Count), k.Group, k.Connectivity, k.Location)
		for path, s := range b.Metrics {
			lv := []string{k.Group, k.Connectivity, k.Location, path}
			ch <- prometheus.MustNewConstMetric(meanDesc, prometheus.GaugeValue, s.Mean(), lv...)
			ch <- prometheus.MustNewConstMetric(minDesc, prometheus.GaugeValue, s.Min, lv...)
			ch <- prometheus.MustNewConstMetric(maxDesc, prometheus.GaugeValue, s.Max, lv...)
		}
	}
}
