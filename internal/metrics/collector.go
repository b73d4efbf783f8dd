// Package metrics collects counters, gauges, and bucketed histograms for
// the MCP runtime, keyed by metric name plus sorted labels. A Prometheus
// bridge re-exports the collected series for scraping.
package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric names recorded by the runtime.
const (
	MetricRequestsTotal     = "mcp_requests_total"
	MetricRequestsSuccess   = "mcp_requests_success"
	MetricRequestsError     = "mcp_requests_error"
	MetricRequestDuration   = "mcp_request_duration_seconds"
	MetricToolCallsTotal    = "mcp_tool_calls_total"
	MetricToolCallsSuccess  = "mcp_tool_calls_success"
	MetricToolCallsError    = "mcp_tool_calls_error"
	MetricToolDuration      = "mcp_tool_duration_seconds"
	MetricRateLimitExceeded = "mcp_rate_limit_exceeded"
	MetricRequestTimeout    = "mcp_request_timeout"
)

// defaultBuckets are histogram upper bounds in seconds.
var defaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Histogram tracks a distribution with cumulative bucket counts: an
// observation increments every bucket whose upper bound is >= the value,
// plus the implicit +Inf bucket.
type Histogram struct {
	buckets []float64
	counts  map[float64]int
	sum     float64
	count   int
}

// NewHistogram creates a histogram with the default second-scale buckets.
func NewHistogram() *Histogram {
	h := &Histogram{
		buckets: defaultBuckets,
		counts:  make(map[float64]int, len(defaultBuckets)+1),
	}
	for _, b := range h.buckets {
		h.counts[b] = 0
	}
	h.counts[math.Inf(1)] = 0
	return h
}

// Observe records a value.
func (h *Histogram) Observe(value float64) {
	h.sum += value
	h.count++
	for _, b := range h.buckets {
		if value <= b {
			h.counts[b]++
		}
	}
	h.counts[math.Inf(1)]++
}

// Percentile returns the upper bound of the first bucket whose cumulative
// count covers the requested percentile. It is an approximation bounded by
// the bucket edges.
func (h *Histogram) Percentile(p float64) float64 {
	if h.count == 0 {
		return 0
	}
	target := p / 100.0 * float64(h.count)
	for _, b := range h.buckets {
		if float64(h.counts[b]) >= target {
			return b
		}
	}
	return h.buckets[len(h.buckets)-1]
}

// Mean returns the average of all observations.
func (h *Histogram) Mean() float64 {
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Count returns the number of observations.
func (h *Histogram) Count() int { return h.count }

// Sum returns the sum of all observations.
func (h *Histogram) Sum() float64 { return h.sum }

// Buckets returns the cumulative count per upper bound, including +Inf.
func (h *Histogram) Buckets() map[float64]int {
	out := make(map[float64]int, len(h.counts))
	for b, c := range h.counts {
		out[b] = c
	}
	return out
}

type series struct {
	name   string
	labels map[string]string
}

// Collector aggregates metrics for one server. All methods are safe for
// concurrent use.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]int
	gauges     map[string]float64
	histograms map[string]*Histogram
	series     map[string]series
	startTime  time.Time

	// latency aggregates request durations across methods for the health
	// snapshot. Kept out of the series map so the Prometheus bridge does
	// not export two label shapes under one name.
	latency *Histogram
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]int),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*Histogram),
		series:     make(map[string]series),
		startTime:  time.Now(),
		latency:    NewHistogram(),
	}
}

// makeKey builds the canonical "name{k=v,...}" key with sorted labels.
func makeKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

func (c *Collector) track(key, name string, labels map[string]string) {
	if _, ok := c.series[key]; !ok {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		c.series[key] = series{name: name, labels: copied}
	}
}

// Increment adds delta to a counter.
func (c *Collector) Increment(name string, delta int, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(name, labels)
	c.track(key, name, labels)
	c.counters[key] += delta
}

// SetGauge sets a gauge value.
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(name, labels)
	c.track(key, name, labels)
	c.gauges[key] = value
}

// Observe records a histogram observation.
func (c *Collector) Observe(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeLocked(name, value, labels)
}

func (c *Collector) observeLocked(name string, value float64, labels map[string]string) {
	key := makeKey(name, labels)
	c.track(key, name, labels)
	h, ok := c.histograms[key]
	if !ok {
		h = NewHistogram()
		c.histograms[key] = h
	}
	h.Observe(value)
}

// RecordRequest records the outcome of one request. The duration lands in
// both the per-method histogram and the aggregate one the health snapshot
// reads.
func (c *Collector) RecordRequest(method string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	labels := map[string]string{"method": method}
	c.incrementLocked(MetricRequestsTotal, 1, labels)
	if success {
		c.incrementLocked(MetricRequestsSuccess, 1, labels)
	} else {
		c.incrementLocked(MetricRequestsError, 1, labels)
	}
	c.observeLocked(MetricRequestDuration, duration.Seconds(), labels)
	c.latency.Observe(duration.Seconds())
}

// RecordToolCall records the outcome of one tool invocation.
func (c *Collector) RecordToolCall(toolName string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	labels := map[string]string{"tool": toolName}
	c.incrementLocked(MetricToolCallsTotal, 1, labels)
	if success {
		c.incrementLocked(MetricToolCallsSuccess, 1, labels)
	} else {
		c.incrementLocked(MetricToolCallsError, 1, labels)
	}
	c.observeLocked(MetricToolDuration, duration.Seconds(), labels)
}

func (c *Collector) incrementLocked(name string, delta int, labels map[string]string) {
	key := makeKey(name, labels)
	c.track(key, name, labels)
	c.counters[key] += delta
}

// Counter returns a counter's value.
func (c *Collector) Counter(name string, labels map[string]string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[makeKey(name, labels)]
}

// Gauge returns a gauge's value.
func (c *Collector) Gauge(name string, labels map[string]string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gauges[makeKey(name, labels)]
}

// HistogramFor returns the histogram for a series, or nil.
func (c *Collector) HistogramFor(name string, labels map[string]string) *Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.histograms[makeKey(name, labels)]
}

// LatencyStats summarizes a latency distribution.
type LatencyStats struct {
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
}

// Stats is a health snapshot of the collector.
type Stats struct {
	UptimeSeconds        float64            `json:"uptime_seconds"`
	TotalRequests        int                `json:"total_requests"`
	RequestRatePerSecond float64            `json:"request_rate_per_second"`
	ErrorRate            float64            `json:"error_rate"`
	Latency              *LatencyStats      `json:"latency,omitempty"`
	Counters             map[string]int     `json:"counters"`
	Gauges               map[string]float64 `json:"gauges"`
}

// GetStats builds a health snapshot: uptime, aggregate request and error
// rates, and latency percentiles.
func (c *Collector) GetStats() *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	uptime := time.Since(c.startTime).Seconds()

	totalRequests := 0
	totalErrors := 0
	for key, v := range c.counters {
		if strings.HasPrefix(key, MetricRequestsTotal) {
			totalRequests += v
		}
		if strings.HasPrefix(key, MetricRequestsError) {
			totalErrors += v
		}
	}

	stats := &Stats{
		UptimeSeconds: uptime,
		TotalRequests: totalRequests,
		Counters:      make(map[string]int, len(c.counters)),
		Gauges:        make(map[string]float64, len(c.gauges)),
	}
	if uptime > 0 {
		stats.RequestRatePerSecond = float64(totalRequests) / uptime
	}
	if totalRequests > 0 {
		stats.ErrorRate = float64(totalErrors) / float64(totalRequests)
	}
	if c.latency.Count() > 0 {
		stats.Latency = &LatencyStats{
			Mean: c.latency.Mean(),
			P50:  c.latency.Percentile(50),
			P95:  c.latency.Percentile(95),
			P99:  c.latency.Percentile(99),
		}
	}
	for k, v := range c.counters {
		stats.Counters[k] = v
	}
	for k, v := range c.gauges {
		stats.Gauges[k] = v
	}
	return stats
}

// Reset clears all metrics and restarts the uptime clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]int)
	c.gauges = make(map[string]float64)
	c.histograms = make(map[string]*Histogram)
	c.series = make(map[string]series)
	c.startTime = time.Now()
	c.latency = NewHistogram()
}
