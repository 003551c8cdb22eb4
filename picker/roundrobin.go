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
	"sync/atomic"

	"github.com/bufbuild/rpcpool/endpoint"
)

// NewRoundRobin returns a picker that cycles through endpoints in
// registration order, skipping unhealthy ones. With all endpoints
// healthy, M picks over N endpoints visit each one either floor(M/N) or
// ceil(M/N) times, however many goroutines are picking.
func NewRoundRobin() Picker {
	return &roundRobin{}
}

type roundRobin struct {
	// +checkatomic
	cursor atomic.Uint64
}

func (r *roundRobin) Name() string {
	return "round-robin"
}

func (r *roundRobin) Pick(candidates []Candidate) (endpoint.ID, bool) {
	numCandidates := uint64(len(candidates))
	if numCandidates == 0 {
		return 0, false
	}
	start := r.cursor.Add(1) - 1
	for i := range numCandidates {
		candidate := candidates[(start+i)%numCandidates]
		if candidate.Healthy() {
			return candidate.ID, true
		}
	}
	return 0, false
}
