// metrics_prometheus.go: Prometheus implementation of MetricsCollector
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// PrometheusMetrics records lifecycle metrics into a Prometheus registerer.
//
// Metric vectors are created on first use; their label names are the sorted
// keys of the first label set seen for that metric. Later observations with a
// different label set are dropped and logged.
//
// Example usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewPrometheusMetrics(registry, "pluginhost", logger)
//	host, _ := NewHost(cfg, WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	namespace  string
	logger     Logger
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a collector bound to registry.
func NewPrometheusMetrics(registry *prometheus.Registry, namespace string, logger Logger) *PrometheusMetrics {
	return &PrometheusMetrics{
		registerer: registry,
		gatherer:   registry,
		namespace:  namespace,
		logger:     NewLogger(logger),
		buckets:    []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// IncrementCounter implements MetricsCollector
func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string, value int64) {
	pm.mu.Lock()
	vec, ok := pm.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: pm.namespace,
			Name:      name,
			Help:      helpFor(name),
		}, labelNames(labels))
		vec = pm.register(vec).(*prometheus.CounterVec)
		pm.counters[name] = vec
	}
	pm.mu.Unlock()

	counter, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		pm.logger.Warn("Dropping counter observation", "metric", name, "error", err)
		return
	}
	counter.Add(float64(value))
}

// SetGauge implements MetricsCollector
func (pm *PrometheusMetrics) SetGauge(name string, labels map[string]string, value float64) {
	pm.mu.Lock()
	vec, ok := pm.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: pm.namespace,
			Name:      name,
			Help:      helpFor(name),
		}, labelNames(labels))
		vec = pm.register(vec).(*prometheus.GaugeVec)
		pm.gauges[name] = vec
	}
	pm.mu.Unlock()

	gauge, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		pm.logger.Warn("Dropping gauge observation", "metric", name, "error", err)
		return
	}
	gauge.Set(value)
}

// RecordHistogram implements MetricsCollector
func (pm *PrometheusMetrics) RecordHistogram(name string, labels map[string]string, value float64) {
	pm.mu.Lock()
	vec, ok := pm.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: pm.namespace,
			Name:      name,
			Help:      helpFor(name),
			Buckets:   pm.buckets,
		}, labelNames(labels))
		vec = pm.register(vec).(*prometheus.HistogramVec)
		pm.histograms[name] = vec
	}
	pm.mu.Unlock()

	observer, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		pm.logger.Warn("Dropping histogram observation", "metric", name, "error", err)
		return
	}
	observer.Observe(value)
}

// GetMetrics gathers the registry and flattens counters and gauges into a map
// keyed like DefaultMetricsCollector. Histograms report _count and _sum.
func (pm *PrometheusMetrics) GetMetrics() map[string]interface{} {
	out := make(map[string]interface{})
	families, err := pm.gatherer.Gather()
	if err != nil {
		pm.logger.Warn("Failed to gather metrics", "error", err)
		return out
	}

	for _, family := range families {
		for _, m := range family.GetMetric() {
			key := metricKey(family.GetName(), labelPairs(m.GetLabel()))
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[key+"_count"] = m.GetHistogram().GetSampleCount()
				out[key+"_sum"] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return out
}

// Gatherer returns the registry metrics are recorded into.
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	return pm.gatherer
}

// register registers c, returning the already registered collector when an
// equal one exists.
func (pm *PrometheusMetrics) register(c prometheus.Collector) prometheus.Collector {
	if err := pm.registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		pm.logger.Warn("Failed to register metric", "error", err)
	}
	return c
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func labelPairs(pairs []*dto.LabelPair) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.GetName()] = p.GetValue()
	}
	return out
}

func helpFor(name string) string {
	return "Plugin host metric " + strings.ReplaceAll(name, "_", " ")
}
