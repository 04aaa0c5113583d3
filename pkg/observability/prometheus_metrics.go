package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient using Prometheus client_golang
// collectors registered lazily per metric name, scoped under namespace/subsystem.
type PrometheusMetricsClient struct {
	namespace string
	subsystem string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex

	commonLabels prometheus.Labels
}

// NewPrometheusMetricsClient returns a MetricsClient backed by process-global
// Prometheus collectors. commonLabels are merged into every recorded metric,
// overridden by a call's own labels on key collision.
func NewPrometheusMetricsClient(namespace, subsystem string, commonLabels map[string]string) *PrometheusMetricsClient {
	labels := prometheus.Labels{}
	for k, v := range commonLabels {
		labels[k] = v
	}

	c := &PrometheusMetricsClient{
		namespace:    namespace,
		subsystem:    subsystem,
		counters:     make(map[string]*prometheus.CounterVec),
		gauges:       make(map[string]*prometheus.GaugeVec),
		histograms:   make(map[string]*prometheus.HistogramVec),
		commonLabels: labels,
	}
	c.registerDefaultMetrics()
	return c
}

func (c *PrometheusMetricsClient) registerDefaultMetrics() {
	c.getOrCreateCounter("api_requests_total", "Total API requests", []string{"api", "operation", "status"})
	c.getOrCreateHistogram("api_request_duration_seconds", "API request duration", []string{"api", "operation"}, prometheus.DefBuckets)

	c.getOrCreateCounter("database_operations_total", "Total database operations", []string{"operation", "status"})
	c.getOrCreateHistogram("database_operation_duration_seconds", "Database operation duration", []string{"operation"}, prometheus.DefBuckets)

	c.getOrCreateCounter("cache_operations_total", "Total cache operations", []string{"operation", "status"})
	c.getOrCreateHistogram("cache_operation_duration_seconds", "Cache operation duration", []string{"operation"}, prometheus.DefBuckets)

	c.getOrCreateCounter("circuit_breaker_state_changes_total", "Circuit breaker state changes", []string{"name", "from", "to"})
	c.getOrCreateGauge("circuit_breaker_state", "Current circuit breaker state", []string{"name"})

	c.getOrCreateCounter("events_total", "Domain events observed", []string{"source", "event_type"})
}

// RecordEvent records a named occurrence, used for domain events that don't
// carry a duration (e.g. a tier rejection or a DLQ delivery).
func (c *PrometheusMetricsClient) RecordEvent(source, eventType string) {
	c.IncrementCounterWithLabels("events_total", 1, map[string]string{"source": source, "event_type": eventType})
}

// RecordLatency records how long a named operation took.
func (c *PrometheusMetricsClient) RecordLatency(operation string, duration time.Duration) {
	c.RecordHistogram("operation_latency_seconds", duration.Seconds(), map[string]string{"operation": operation})
}

// RecordCounter records a counter metric.
func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, fmt.Sprintf("Counter for %s", name), c.getLabelNames(labels))
	counter.With(c.mergeLabelValues(labels)).Add(value)
}

// RecordGauge records a gauge metric.
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, fmt.Sprintf("Gauge for %s", name), c.getLabelNames(labels))
	gauge.With(c.mergeLabelValues(labels)).Set(value)
}

// RecordHistogram records a histogram observation.
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, fmt.Sprintf("Histogram for %s", name), c.getLabelNames(labels), prometheus.DefBuckets)
	histogram.With(c.mergeLabelValues(labels)).Observe(value)
}

// RecordTimer records a pre-measured duration against a named histogram.
func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// IncrementCounter increments an unlabeled counter.
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with labels.
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.RecordCounter(name, value, labels)
}

// RecordDuration records an unlabeled duration histogram, in seconds.
func (c *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	c.RecordHistogram(name, duration.Seconds(), nil)
}

// StartTimer starts a timer and returns a function that records the elapsed
// duration against name when called.
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

// RecordCacheOperation records a cache hit/miss and its duration.
func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	c.recordOutcome("cache_operations_total", "cache_operation_duration_seconds", operation, success, durationSeconds)
}

// RecordOperation records a generic component operation outcome and duration.
func (c *PrometheusMetricsClient) RecordOperation(component, operation string, success bool, durationSeconds float64, labels map[string]string) {
	merged := map[string]string{"component": component, "operation": operation, "status": statusLabel(success)}
	for k, v := range labels {
		merged[k] = v
	}
	c.IncrementCounterWithLabels(fmt.Sprintf("%s_operations_total", component), 1, merged)
	c.RecordHistogram(fmt.Sprintf("%s_operation_duration_seconds", component), durationSeconds, map[string]string{"operation": operation})
}

// RecordAPIOperation records an API call outcome and duration.
func (c *PrometheusMetricsClient) RecordAPIOperation(api, operation string, success bool, durationSeconds float64) {
	labels := map[string]string{"api": api, "operation": operation, "status": statusLabel(success)}
	c.IncrementCounterWithLabels("api_requests_total", 1, labels)
	c.RecordHistogram("api_request_duration_seconds", durationSeconds, map[string]string{"api": api, "operation": operation})
}

// RecordDatabaseOperation records a database call outcome and duration.
func (c *PrometheusMetricsClient) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
	c.recordOutcome("database_operations_total", "database_operation_duration_seconds", operation, success, durationSeconds)
}

// Close is a no-op: Prometheus collectors are process-global and have no
// connection to tear down.
func (c *PrometheusMetricsClient) Close() error {
	return nil
}

func (c *PrometheusMetricsClient) recordOutcome(counterName, histogramName, operation string, success bool, durationSeconds float64) {
	c.IncrementCounterWithLabels(counterName, 1, map[string]string{"operation": operation, "status": statusLabel(success)})
	c.RecordHistogram(histogramName, durationSeconds, map[string]string{"operation": operation})
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	if counter, exists := c.counters[name]; exists {
		c.mu.RUnlock()
		return counter
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if counter, exists := c.counters[name]; exists {
		return counter
	}

	counter := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)

	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	if gauge, exists := c.gauges[name]; exists {
		c.mu.RUnlock()
		return gauge
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gauge, exists := c.gauges[name]; exists {
		return gauge
	}

	gauge := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)

	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	c.mu.RLock()
	if histogram, exists := c.histograms[name]; exists {
		c.mu.RUnlock()
		return histogram
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if histogram, exists := c.histograms[name]; exists {
		return histogram
	}

	histogram := promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)

	c.histograms[name] = histogram
	return histogram
}

func (c *PrometheusMetricsClient) getLabelNames(labels map[string]string) []string {
	if labels == nil {
		return []string{}
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	return names
}

func (c *PrometheusMetricsClient) mergeLabelValues(labels map[string]string) prometheus.Labels {
	merged := prometheus.Labels{}
	for k, v := range c.commonLabels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	return merged
}
