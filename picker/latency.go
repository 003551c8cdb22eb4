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

import "github.com/bufbuild/rpcpool/endpoint"

// NewLatencyBased returns a picker that prefers the healthy endpoint with
// the lowest latency moving average. Endpoints that have not served a
// request yet count as fastest, so each one gets tried. Ties are broken
// by priority, then by registration order.
func NewLatencyBased() Picker {
	return latencyBased{}
}

type latencyBased struct{}

func (latencyBased) Name() string {
	return "latency-based"
}

func (latencyBased) Pick(candidates []Candidate) (endpoint.ID, bool) {
	best := -1
	for i, candidate := range candidates {
		if !candidate.Healthy() {
			continue
		}
		if best < 0 || faster(candidate, candidates[best]) {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return candidates[best].ID, true
}

func faster(a, b Candidate) bool {
	if a.LatencyEMA != b.LatencyEMA {
		return a.LatencyEMA < b.LatencyEMA
	}
	return a.Endpoint.Priority < b.Endpoint.Priority
}
