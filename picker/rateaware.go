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

package picker

import (
	"slices"
	"sync"
	"time"

	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/internal"
	"golang.org/x/time/rate"
)

// NewRateAware returns a picker that spreads load across endpoints with
// small request budgets, such as free public RPC providers. It picks the
// healthy endpoint that has gone longest without being picked. Endpoints
// with a known RateLimit are passed over while their token bucket is
// empty, unless every healthy endpoint is out of tokens, in which case
// the longest idle one is picked anyway.
func NewRateAware() Picker {
	return &rateAware{
		clock: internal.NewRealClock(),
		state: map[endpoint.ID]*rateState{},
	}
}

type rateAware struct {
	clock internal.Clock

	mu    sync.Mutex
	state map[endpoint.ID]*rateState
}

type rateState struct {
	lastPicked time.Time
	limit      float64
	limiter    *rate.Limiter
}

func (r *rateAware) Name() string {
	return "rate-aware"
}

func (r *rateAware) Pick(candidates []Candidate) (endpoint.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()

	idle := make([]idleCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Healthy() {
			idle = append(idle, idleCandidate{id: candidate.ID, state: r.stateFor(candidate)})
		}
	}
	if len(idle) == 0 {
		return 0, false
	}
	// Never-picked endpoints have a zero lastPicked and sort first.
	slices.SortStableFunc(idle, func(a, b idleCandidate) int {
		return a.state.lastPicked.Compare(b.state.lastPicked)
	})
	chosen := idle[0]
	for _, candidate := range idle {
		if candidate.state.limiter == nil || candidate.state.limiter.AllowN(now, 1) {
			chosen = candidate
			break
		}
	}
	chosen.state.lastPicked = now
	return chosen.id, true
}

type idleCandidate struct {
	id    endpoint.ID
	state *rateState
}

// stateFor returns the bookkeeping for a candidate, creating or resizing
// its limiter to match the endpoint's rate limit.
func (r *rateAware) stateFor(candidate Candidate) *rateState {
	state, ok := r.state[candidate.ID]
	if !ok {
		state = &rateState{}
		r.state[candidate.ID] = state
	}
	if limit := candidate.Endpoint.RateLimit; limit != state.limit {
		state.limit = limit
		state.limiter = nil
		if limit > 0 {
			state.limiter = rate.NewLimiter(rate.Limit(limit), max(int(limit), 1))
		}
	}
	return state
}
