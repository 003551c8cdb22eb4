// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prommetrics exports pool metrics to Prometheus.
//
// A [Collector] reads a snapshot of each registered pool whenever it is
// scraped, so the pools themselves carry no Prometheus state.
//
//	collector := prommetrics.NewCollector()
//	collector.Add("mainnet", pool)
//	prometheus.MustRegister(collector)
package prommetrics

import (
	"sort"
	"sync"

	"github.com/bufbuild/rpcpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Source provides pool snapshots. *rpcpool.Pool implements it.
type Source interface {
	Metrics() rpcpool.PoolMetrics
}

// SourceFunc adapts a function to a Source.
type SourceFunc func() rpcpool.PoolMetrics

// Metrics implements Source.
func (f SourceFunc) Metrics() rpcpool.PoolMetrics {
	return f()
}

// Option is an option used to customize a Collector.
type Option interface {
	apply(*collectorOptions)
}

// WithNamespace configures the prefix of metric names. The default is
// "rpcpool".
func WithNamespace(namespace string) Option {
	return optionFunc(func(opts *collectorOptions) {
		opts.namespace = namespace
	})
}

// WithConstLabels adds labels with fixed values to every metric.
func WithConstLabels(labels prometheus.Labels) Option {
	return optionFunc(func(opts *collectorOptions) {
		opts.constLabels = labels
	})
}

type optionFunc func(*collectorOptions)

func (f optionFunc) apply(opts *collectorOptions) {
	f(opts)
}

type collectorOptions struct {
	namespace   string
	constLabels prometheus.Labels
}

// Collector is a prometheus.Collector over pool snapshots. Each pool is
// registered under a name that becomes its "pool" label.
type Collector struct {
	requests          *prometheus.Desc
	failovers         *prometheus.Desc
	healthyEndpoints  *prometheus.Desc
	endpointRequests  *prometheus.Desc
	endpointFailures  *prometheus.Desc
	endpointHealthy   *prometheus.Desc
	endpointCurrent   *prometheus.Desc
	endpointLatency   *prometheus.Desc
	consecutiveErrors *prometheus.Desc

	mu sync.Mutex
	// +checklocks:mu
	sources map[string]Source
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a Collector with no pools.
func NewCollector(options ...Option) *Collector {
	opts := collectorOptions{namespace: "rpcpool"}
	for _, opt := range options {
		opt.apply(&opts)
	}
	poolLabels := []string{"pool"}
	endpointLabels := []string{"pool", "endpoint", "url"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(opts.namespace, "", name), help, labels, opts.constLabels)
	}
	return &Collector{
		requests:          desc("requests_total", "Requests served by the pool.", poolLabels),
		failovers:         desc("failovers_total", "Switches to another endpoint after a failure.", poolLabels),
		healthyEndpoints:  desc("healthy_endpoints", "Endpoints currently healthy.", poolLabels),
		endpointRequests:  desc("endpoint_requests_total", "Attempts made against the endpoint.", endpointLabels),
		endpointFailures:  desc("endpoint_failures_total", "Attempts against the endpoint that failed.", endpointLabels),
		endpointHealthy:   desc("endpoint_healthy", "Whether the endpoint is healthy.", endpointLabels),
		endpointCurrent:   desc("endpoint_current", "Whether the endpoint served the last successful request.", endpointLabels),
		endpointLatency:   desc("endpoint_latency_milliseconds", "Moving average of successful request latency.", endpointLabels),
		consecutiveErrors: desc("endpoint_consecutive_errors", "Failures since the endpoint last succeeded.", endpointLabels),
		sources:           map[string]Source{},
	}
}

// Add registers a pool under name, replacing any pool with that name.
func (c *Collector) Add(name string, source Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = source
}

// Remove unregisters the pool named name.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, name)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.failovers
	ch <- c.healthyEndpoints
	ch <- c.endpointRequests
	ch <- c.endpointFailures
	ch <- c.endpointHealthy
	ch <- c.endpointCurrent
	ch <- c.endpointLatency
	ch <- c.consecutiveErrors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sources := make([]Source, len(names))
	sort.Strings(names)
	for i, name := range names {
		sources[i] = c.sources[name]
	}
	c.mu.Unlock()

	for i, source := range sources {
		c.collectPool(ch, names[i], source.Metrics())
	}
}

func (c *Collector) collectPool(ch chan<- prometheus.Metric, name string, metrics rpcpool.PoolMetrics) {
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(metrics.TotalRequests), name)
	ch <- prometheus.MustNewConstMetric(c.failovers, prometheus.CounterValue, float64(metrics.Failovers), name)
	ch <- prometheus.MustNewConstMetric(c.healthyEndpoints, prometheus.GaugeValue, float64(metrics.HealthyCount()), name)
	for _, ep := range metrics.Endpoints {
		labels := []string{name, ep.Name, ep.URL}
		ch <- prometheus.MustNewConstMetric(c.endpointRequests, prometheus.CounterValue, float64(ep.TotalRequests), labels...)
		ch <- prometheus.MustNewConstMetric(c.endpointFailures, prometheus.CounterValue, float64(ep.Failures), labels...)
		ch <- prometheus.MustNewConstMetric(c.endpointHealthy, prometheus.GaugeValue, boolValue(ep.Healthy), labels...)
		ch <- prometheus.MustNewConstMetric(c.endpointCurrent, prometheus.GaugeValue, boolValue(ep.URL == metrics.CurrentURL), labels...)
		ch <- prometheus.MustNewConstMetric(c.endpointLatency, prometheus.GaugeValue, ep.AvgLatencyMs, labels...)
		ch <- prometheus.MustNewConstMetric(c.consecutiveErrors, prometheus.GaugeValue, float64(ep.ConsecutiveErrors), labels...)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
