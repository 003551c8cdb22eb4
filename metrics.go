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

package rpcpool

import (
	"time"

	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/samber/lo"
)

// PoolMetrics is a point-in-time copy of a pool's counters.
type PoolMetrics struct {
	// TotalRequests counts calls to Execute that succeeded.
	TotalRequests uint64
	// Failovers counts switches to another endpoint after the one in use
	// failed or was found unhealthy.
	Failovers uint64
	// CurrentEndpoint is the name of the endpoint that served the most
	// recent successful request, or empty if none has.
	CurrentEndpoint string
	// CurrentURL is the URL of the same endpoint. Names need not be
	// unique, so use it to find the endpoint among Endpoints.
	CurrentURL string
	Endpoints  []EndpointMetrics
}

// EndpointMetrics is a point-in-time copy of one endpoint's state. Each
// value is read under the endpoint's lock, so its fields agree with each
// other.
type EndpointMetrics struct {
	URL  string
	Name string
	// TotalRequests counts attempts, successful or not. Health probes are
	// not included.
	TotalRequests uint64
	Successes     uint64
	Failures      uint64
	// SuccessRate is a percentage, or zero before the first attempt.
	SuccessRate float64
	// AvgLatencyMs is the exponential moving average of successful
	// request latency.
	AvgLatencyMs      float64
	LastLatencyMs     float64
	Healthy           bool
	ConsecutiveErrors int
	LastError         string
	LastErrorAt       time.Time
}

// HealthSummary counts endpoints by health.
type HealthSummary struct {
	Healthy   int
	Unhealthy int
	Total     int
}

// TotalSuccessRate is the success percentage over all endpoints' attempts,
// or zero if there were none.
func (m PoolMetrics) TotalSuccessRate() float64 {
	total := lo.SumBy(m.Endpoints, func(e EndpointMetrics) uint64 { return e.TotalRequests })
	if total == 0 {
		return 0
	}
	successes := lo.SumBy(m.Endpoints, func(e EndpointMetrics) uint64 { return e.Successes })
	return float64(successes) / float64(total) * 100
}

// HealthyCount is the number of healthy endpoints.
func (m PoolMetrics) HealthyCount() int {
	return lo.CountBy(m.Endpoints, func(e EndpointMetrics) bool { return e.Healthy })
}

// AvgLatency is the mean latency average of healthy endpoints that have
// served at least one request.
func (m PoolMetrics) AvgLatency() float64 {
	measured := lo.Filter(m.Endpoints, func(e EndpointMetrics, _ int) bool {
		return e.Healthy && e.AvgLatencyMs > 0
	})
	if len(measured) == 0 {
		return 0
	}
	return lo.SumBy(measured, func(e EndpointMetrics) float64 { return e.AvgLatencyMs }) / float64(len(measured))
}

// Metrics returns a snapshot of the pool's counters and of every endpoint.
func (p *Pool[C]) Metrics() PoolMetrics {
	metrics := PoolMetrics{
		TotalRequests: p.totalRequests.Load(),
		Failovers:     p.failovers.Load(),
		Endpoints:     make([]EndpointMetrics, p.registry.len()),
	}
	if id, ok := p.currentID(); ok {
		current := p.registry.endpoint(id)
		metrics.CurrentEndpoint = current.DisplayName()
		metrics.CurrentURL = current.URL
	}
	for i := range metrics.Endpoints {
		metrics.Endpoints[i] = p.registry.endpointMetrics(endpoint.ID(i))
	}
	return metrics
}

// HealthSummary counts the pool's endpoints by health.
func (p *Pool[C]) HealthSummary() HealthSummary {
	return p.registry.healthSummary()
}
