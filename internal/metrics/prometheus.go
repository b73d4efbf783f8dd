package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter bridges a Collector into a Prometheus registry, re-exporting
// every collected series on scrape. It is an unchecked collector: the
// series set is dynamic, so Describe sends nothing.
type Exporter struct {
	collector *Collector
}

// NewExporter wraps a Collector for Prometheus scraping.
func NewExporter(collector *Collector) *Exporter {
	return &Exporter{collector: collector}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	c := e.collector
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range c.counters {
		s := c.series[key]
		names, values := labelPairs(s.labels)
		desc := prometheus.NewDesc(s.name, "", names, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value), values...)
	}

	for key, value := range c.gauges {
		s := c.series[key]
		names, values := labelPairs(s.labels)
		desc := prometheus.NewDesc(s.name, "", names, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, values...)
	}

	for key, h := range c.histograms {
		s := c.series[key]
		names, values := labelPairs(s.labels)
		desc := prometheus.NewDesc(s.name, "", names, nil)

		buckets := make(map[float64]uint64, len(h.buckets))
		for _, b := range h.buckets {
			buckets[b] = uint64(h.counts[b])
		}
		ch <- prometheus.MustNewConstHistogram(desc, uint64(h.count), h.sum, buckets, values...)
	}
}

func labelPairs(labels map[string]string) (names, values []string) {
	names = make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	values = make([]string, len(names))
	for i, k := range names {
		values[i] = labels[k]
	}
	return names, values
}

// Handler returns an HTTP handler serving the collector's series in
// Prometheus exposition format.
func Handler(collector *Collector) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewExporter(collector))
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
