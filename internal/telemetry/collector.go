package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes Counters as Prometheus metrics on the optional
// diagnostics listener (see cmd/sentryflow). It is deliberately decoupled
// from Recorder: the event loop is single-threaded and updates Collector's
// snapshot once per readiness-wait iteration, while Collect runs on
// whatever goroutine net/http hands the scrape request to, exactly the
// split the platform layer's TCPInfoCollector uses between its Add/Remove
// callers and its own Collect goroutine.
type Collector struct {
	mu       sync.Mutex
	counters Counters
	uptimeMs int64

	totalRequests   *prometheus.Desc
	badFrames       *prometheus.Desc
	routesInstalled *prometheus.Desc
	lastLatencyMs   *prometheus.Desc
	avgLatencyMs    *prometheus.Desc
	uptime          *prometheus.Desc
}

// NewCollector returns a Collector with metric descriptors namespaced under
// prefix and carrying constLabels on every series, mirroring
// NewTCPInfoCollector's constructor shape.
func NewCollector(prefix string, constLabels prometheus.Labels) *Collector {
	return &Collector{
		totalRequests:   prometheus.NewDesc(prefix+"_total_requests", "Total requests dispatched.", nil, constLabels),
		badFrames:       prometheus.NewDesc(prefix+"_bad_frames", "Connections closed on a frame parse error.", nil, constLabels),
		routesInstalled: prometheus.NewDesc(prefix+"_routes_installed", "Route entries successfully upserted.", nil, constLabels),
		lastLatencyMs:   prometheus.NewDesc(prefix+"_last_latency_ms", "Latency of the most recently dispatched request.", nil, constLabels),
		avgLatencyMs:    prometheus.NewDesc(prefix+"_avg_latency_ms", "Running mean dispatch latency.", nil, constLabels),
		uptime:          prometheus.NewDesc(prefix+"_uptime_ms", "Milliseconds since process start.", nil, constLabels),
	}
}

// Update replaces the snapshot Collect reports. Called once per event-loop
// iteration from the owning goroutine.
func (c *Collector) Update(counters Counters, uptimeMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = counters
	c.uptimeMs = uptimeMs
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.totalRequests
	descs <- c.badFrames
	descs <- c.routesInstalled
	descs <- c.lastLatencyMs
	descs <- c.avgLatencyMs
	descs <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	counters := c.counters
	uptimeMs := c.uptimeMs
	c.mu.Unlock()

	metrics <- prometheus.MustNewConstMetric(c.totalRequests, prometheus.CounterValue, float64(counters.TotalRequests))
	metrics <- prometheus.MustNewConstMetric(c.badFrames, prometheus.CounterValue, float64(counters.BadFrames))
	metrics <- prometheus.MustNewConstMetric(c.routesInstalled, prometheus.CounterValue, float64(counters.RoutesInstalled))
	metrics <- prometheus.MustNewConstMetric(c.lastLatencyMs, prometheus.GaugeValue, counters.LastLatencyMs)
	metrics <- prometheus.MustNewConstMetric(c.avgLatencyMs, prometheus.GaugeValue, counters.AvgLatencyMs)
	metrics <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, float64(uptimeMs))
}
