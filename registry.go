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
	"sync"
	"time"

	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/health"
	"github.com/bufbuild/rpcpool/internal"
	"github.com/bufbuild/rpcpool/picker"
	"go.uber.org/zap"
)

// registry holds the endpoints of a pool and the runtime state of each.
// The endpoint slice is fixed once the pool is built. Each slot has its
// own lock so traffic to one endpoint never waits on another.
type registry struct {
	endpoints  []endpoint.Endpoint
	slots      []*slot
	byURL      map[string]endpoint.ID
	maxErrors  int
	retryDelay time.Duration
	clock      internal.Clock
	logger     *zap.Logger
}

type slot struct {
	mu sync.Mutex
	// +checklocks:mu
	state health.State
	// +checklocks:mu
	consecutiveErrors int
	// +checklocks:mu
	backoffUntil time.Time
	// +checklocks:mu
	latency health.EMA
	// +checklocks:mu
	lastLatency time.Duration
	// +checklocks:mu
	successes uint64
	// +checklocks:mu
	failures uint64
	// +checklocks:mu
	lastError string
	// +checklocks:mu
	lastErrorAt time.Time
}

func newRegistry(opts *poolOptions, clock internal.Clock) *registry {
	return &registry{
		byURL:      map[string]endpoint.ID{},
		maxErrors:  opts.maxConsecutiveErrors,
		retryDelay: opts.retryDelay,
		clock:      clock,
		logger:     opts.logger,
	}
}

// register adds an endpoint. An endpoint whose URL is already registered
// is dropped: the first registration wins. Must not be called once the
// pool is serving requests.
func (r *registry) register(ep endpoint.Endpoint) (endpoint.ID, bool) {
	if id, ok := r.byURL[ep.URL]; ok {
		kept := r.endpoints[id]
		r.logger.Warn("dropping duplicate endpoint",
			zap.String("url", ep.URL),
			zap.String("endpoint", ep.DisplayName()),
			zap.String("kept", kept.DisplayName()),
		)
		return id, false
	}
	ep = ep.Clone()
	if ep.Name == "" {
		ep.Name = ep.URL
	}
	id := endpoint.ID(len(r.endpoints))
	r.endpoints = append(r.endpoints, ep)
	r.slots = append(r.slots, &slot{})
	r.byURL[ep.URL] = id
	return id, true
}

func (r *registry) len() int {
	return len(r.endpoints)
}

func (r *registry) endpoint(id endpoint.ID) *endpoint.Endpoint {
	return &r.endpoints[id]
}

func (r *registry) lookup(url string) (endpoint.ID, bool) {
	id, ok := r.byURL[url]
	return id, ok
}

// snapshot returns a candidate for every endpoint not in exclude, in
// registration order.
func (r *registry) snapshot(exclude map[endpoint.ID]struct{}) []picker.Candidate {
	candidates := make([]picker.Candidate, 0, len(r.endpoints))
	for i, s := range r.slots {
		id := endpoint.ID(i)
		if _, skip := exclude[id]; skip {
			continue
		}
		s.mu.Lock()
		state, ema := s.state, s.latency.Value()
		s.mu.Unlock()
		candidates = append(candidates, picker.Candidate{
			ID:         id,
			Endpoint:   &r.endpoints[i],
			State:      state,
			LatencyEMA: ema,
		})
	}
	return candidates
}

// recordSuccess accounts for a successful request that took latency.
// It reports whether the endpoint was unhealthy before.
func (r *registry) recordSuccess(id endpoint.ID, latency time.Duration) bool {
	s := r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	s.lastLatency = latency
	s.latency.Add(float64(latency) / float64(time.Millisecond))
	return s.resetLocked()
}

// recordFailure accounts for a failed request. It reports whether this
// failure made the endpoint unhealthy.
func (r *registry) recordFailure(id endpoint.ID, err error) bool {
	return r.fail(id, err, true)
}

// recordProbeFailure accounts for a failed health probe. Probes move the
// endpoint's health and backoff exactly as requests do but are not
// counted as requests.
func (r *registry) recordProbeFailure(id endpoint.ID, err error) bool {
	return r.fail(id, err, false)
}

func (r *registry) fail(id endpoint.ID, err error, request bool) bool {
	now := r.clock.Now()
	s := r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	if request {
		s.failures++
	}
	s.consecutiveErrors++
	s.lastError = truncateError(err.Error())
	s.lastErrorAt = now
	s.backoffUntil = now.Add(health.Backoff(r.retryDelay, s.consecutiveErrors))
	if s.consecutiveErrors >= r.maxErrors && s.state.IsHealthy() {
		s.state = health.StateUnhealthy
		return true
	}
	return false
}

// markHealthy restores an endpoint, clearing its error count and backoff.
// It reports whether the endpoint was unhealthy before.
func (r *registry) markHealthy(id endpoint.ID) bool {
	s := r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked()
}

// markUnhealthy takes an endpoint out of rotation until a request or
// probe succeeds. The next probe waits for the current backoff.
func (r *registry) markUnhealthy(id endpoint.ID) {
	now := r.clock.Now()
	s := r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = health.StateUnhealthy
	s.lastErrorAt = now
	s.backoffUntil = now.Add(health.Backoff(r.retryDelay, s.consecutiveErrors))
}

// +checklocks:s.mu
func (s *slot) resetLocked() bool {
	wasUnhealthy := !s.state.IsHealthy()
	s.state = health.StateHealthy
	s.consecutiveErrors = 0
	s.backoffUntil = time.Time{}
	return wasUnhealthy
}

func (r *registry) state(id endpoint.ID) health.State {
	s := r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// due reports whether the endpoint's backoff has elapsed at now.
func (r *registry) due(id endpoint.ID, now time.Time) bool {
	s := r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.backoffUntil)
}

func (r *registry) backoffUntil(id endpoint.ID) time.Time {
	s := r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoffUntil
}

func (r *registry) healthSummary() HealthSummary {
	summary := HealthSummary{Total: len(r.slots)}
	for i := range r.slots {
		if r.state(endpoint.ID(i)).IsHealthy() {
			summary.Healthy++
		}
	}
	summary.Unhealthy = summary.Total - summary.Healthy
	return summary
}

func (r *registry) endpointMetrics(id endpoint.ID) EndpointMetrics {
	ep := &r.endpoints[id]
	s := r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics := EndpointMetrics{
		URL:               ep.URL,
		Name:              ep.DisplayName(),
		TotalRequests:     s.successes + s.failures,
		Successes:         s.successes,
		Failures:          s.failures,
		AvgLatencyMs:      s.latency.Value(),
		LastLatencyMs:     float64(s.lastLatency) / float64(time.Millisecond),
		Healthy:           s.state.IsHealthy(),
		ConsecutiveErrors: s.consecutiveErrors,
		LastError:         s.lastError,
		LastErrorAt:       s.lastErrorAt,
	}
	if metrics.TotalRequests > 0 {
		metrics.SuccessRate = float64(s.successes) / float64(metrics.TotalRequests) * 100
	}
	return metrics
}
