// observability.go: Metrics collection for the lifecycle core
//
// Components report through the small MetricsCollector interface. The
// library ships a no-op collector (the default), an in-memory collector for
// tests and embedding, and a Prometheus collector in metrics_prometheus.go.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sort"
	"strings"
	"sync"
)

// Metric names reported by the lifecycle components.
const (
	MetricTransitionsTotal       = "plugin_transitions_total"
	MetricFailuresTotal          = "plugin_failures_total"
	MetricRetriesTotal           = "plugin_retries_total"
	MetricPendingWaiters         = "plugin_dependency_waiters_pending"
	MetricResolutionSeconds      = "plugin_dependency_resolution_seconds"
	MetricDependencyFailures     = "plugin_dependency_failures_total"
	MetricHealthProbeFailures    = "plugin_dependency_health_failures_total"
	MetricUnhealthyDependencies  = "plugin_dependency_unhealthy"
	MetricSnapshotsStored        = "plugin_snapshots_stored"
	MetricRollbacksTotal         = "plugin_rollbacks_total"
	MetricRollbackDurationSecond = "plugin_rollback_duration_seconds"
	MetricBusEventsTotal         = "plugin_bus_events_total"
)

// MetricsCollector receives counters, gauges and histogram observations from
// the bus, state machine, resolver and rollback service. Labels may be nil.
//
// Example usage:
//
//	collector.IncrementCounter(MetricTransitionsTotal,
//	    map[string]string{"from": "loading", "to": "loaded"}, 1)
//	collector.SetGauge(MetricPendingWaiters, nil, 3)
//	collector.RecordHistogram(MetricResolutionSeconds, nil, 0.125)
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string, value int64)
	SetGauge(name string, labels map[string]string, value float64)
	RecordHistogram(name string, labels map[string]string, value float64)

	// GetMetrics returns a flat view keyed by metric name and labels.
	GetMetrics() map[string]interface{}
}

// NoOpMetricsCollector discards every metric.
type NoOpMetricsCollector struct{}

// NewNoOpMetricsCollector creates a collector that records nothing.
func NewNoOpMetricsCollector() *NoOpMetricsCollector {
	return &NoOpMetricsCollector{}
}

func (NoOpMetricsCollector) IncrementCounter(string, map[string]string, int64)  {}
func (NoOpMetricsCollector) SetGauge(string, map[string]string, float64)        {}
func (NoOpMetricsCollector) RecordHistogram(string, map[string]string, float64) {}
func (NoOpMetricsCollector) GetMetrics() map[string]interface{}                 { return map[string]interface{}{} }

type observationSummary struct {
	count int
	sum   float64
}

// DefaultMetricsCollector keeps metrics in memory. Histograms are reduced to
// a count and a sum, so memory stays bounded by the number of label sets.
type DefaultMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string]*observationSummary
}

// NewDefaultMetricsCollector creates an empty in-memory collector.
func NewDefaultMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*observationSummary),
	}
}

// IncrementCounter implements MetricsCollector.
func (dmc *DefaultMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	key := metricKey(name, labels)
	dmc.mu.Lock()
	dmc.counters[key] += value
	dmc.mu.Unlock()
}

// SetGauge implements MetricsCollector.
func (dmc *DefaultMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	key := metricKey(name, labels)
	dmc.mu.Lock()
	dmc.gauges[key] = value
	dmc.mu.Unlock()
}

// RecordHistogram implements MetricsCollector.
func (dmc *DefaultMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	key := metricKey(name, labels)
	dmc.mu.Lock()
	defer dmc.mu.Unlock()

	summary, ok := dmc.histograms[key]
	if !ok {
		summary = &observationSummary{}
		dmc.histograms[key] = summary
	}
	summary.count++
	summary.sum += value
}

// Counter returns the current value of a counter.
func (dmc *DefaultMetricsCollector) Counter(name string, labels map[string]string) int64 {
	key := metricKey(name, labels)
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	return dmc.counters[key]
}

// Gauge returns the current value of a gauge.
func (dmc *DefaultMetricsCollector) Gauge(name string, labels map[string]string) float64 {
	key := metricKey(name, labels)
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	return dmc.gauges[key]
}

// GetMetrics implements MetricsCollector. Histograms appear as <key>_count
// and <key>_sum.
func (dmc *DefaultMetricsCollector) GetMetrics() map[string]interface{} {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()

	out := make(map[string]interface{}, len(dmc.counters)+len(dmc.gauges)+2*len(dmc.histograms))
	for key, value := range dmc.counters {
		out[key] = value
	}
	for key, value := range dmc.gauges {
		out[key] = value
	}
	for key, summary := range dmc.histograms {
		out[key+"_count"] = summary.count
		out[key+"_sum"] = summary.sum
	}
	return out
}

// metricKey flattens name and labels into name_label_value pairs, labels in
// sorted order.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	names := make([]string, 0, len(labels))
	for label := range labels {
		names = append(names, label)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	for _, label := range names {
		b.WriteByte('_')
		b.WriteString(label)
		b.WriteByte('_')
		b.WriteString(labels[label])
	}
	return b.String()
}
