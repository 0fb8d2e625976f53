// metrics.go: pluggable metrics collection for evaluations and sessions
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"sort"
	"strings"
	"sync"
	"time"

	timecache "github.com/agilira/go-timecache"
)

// Metric names recorded by capcalc.
const (
	MetricEvaluations       = "capcalc_evaluations_total"
	MetricEvaluationErrors  = "capcalc_evaluation_errors_total"
	MetricEvaluationSeconds = "capcalc_evaluation_duration_seconds"
	MetricFunctionsDefined  = "capcalc_functions_defined_total"
	MetricActiveSessions    = "capcalc_sessions_active"
	MetricInflightCalls     = "capcalc_inflight_calls"
	MetricRPCCalls          = "capcalc_rpc_calls_total"
	MetricPanicsRecovered   = "capcalc_panics_recovered_total"
)

// MetricsCollector defines the interface for collecting metrics.
//
// Example usage:
//
//	collector.IncrementCounter(capcalc.MetricEvaluations,
//	    map[string]string{"status": "ok"}, 1)
//	collector.RecordHistogram(capcalc.MetricEvaluationSeconds, nil, 0.004)
type MetricsCollector interface {
	// Counter metrics
	IncrementCounter(name string, labels map[string]string, value int64)

	// Gauge metrics
	SetGauge(name string, labels map[string]string, value float64)

	// Histogram metrics
	RecordHistogram(name string, labels map[string]string, value float64)

	// Get current metrics snapshot
	GetMetrics() map[string]interface{}
}

// NoOpMetricsCollector discards everything.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) IncrementCounter(string, map[string]string, int64) {}
func (NoOpMetricsCollector) SetGauge(string, map[string]string, float64)       {}
func (NoOpMetricsCollector) RecordHistogram(string, map[string]string, float64) {}
func (NoOpMetricsCollector) GetMetrics() map[string]interface{} {
	return map[string]interface{}{}
}

// DefaultMetricsCollector provides a basic in-memory metrics collector
type DefaultMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
	updatedAt  time.Time
}

// NewDefaultMetricsCollector creates a new default metrics collector
func NewDefaultMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter implements MetricsCollector
func (dmc *DefaultMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()

	dmc.counters[buildMetricKey(name, labels)] += value
	dmc.updatedAt = timecache.CachedTime()
}

// SetGauge implements MetricsCollector
func (dmc *DefaultMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()

	dmc.gauges[buildMetricKey(name, labels)] = value
	dmc.updatedAt = timecache.CachedTime()
}

// RecordHistogram implements MetricsCollector
func (dmc *DefaultMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()

	key := buildMetricKey(name, labels)
	dmc.histograms[key] = append(dmc.histograms[key], value)

	// Keep only last 1000 values to prevent memory growth
	if len(dmc.histograms[key]) > 1000 {
		dmc.histograms[key] = dmc.histograms[key][len(dmc.histograms[key])-1000:]
	}
	dmc.updatedAt = timecache.CachedTime()
}

// GetMetrics implements MetricsCollector
func (dmc *DefaultMetricsCollector) GetMetrics() map[string]interface{} {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()

	metrics := make(map[string]interface{}, len(dmc.counters)+len(dmc.gauges)+len(dmc.histograms))
	for k, v := range dmc.counters {
		metrics[k] = v
	}
	for k, v := range dmc.gauges {
		metrics[k] = v
	}
	for k, v := range dmc.histograms {
		values := make([]float64, len(v))
		copy(values, v)
		metrics[k] = values
	}
	return metrics
}

// Counter returns the current value of a counter.
func (dmc *DefaultMetricsCollector) Counter(name string, labels map[string]string) int64 {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	return dmc.counters[buildMetricKey(name, labels)]
}

// Gauge returns the current value of a gauge.
func (dmc *DefaultMetricsCollector) Gauge(name string, labels map[string]string) float64 {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	return dmc.gauges[buildMetricKey(name, labels)]
}

// LastUpdate returns the cached time of the most recent write.
func (dmc *DefaultMetricsCollector) LastUpdate() time.Time {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	return dmc.updatedAt
}

// buildMetricKey renders name{k1=v1,k2=v2} with labels in sorted order.
func buildMetricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// sinceSeconds returns the elapsed seconds since a timecache nanosecond stamp.
func sinceSeconds(startNano int64) float64 {
	return float64(timecache.CachedTimeNano()-startNano) / float64(time.Second)
}
