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

// NewFailover returns a picker that always prefers the healthy endpoint
// with the lowest priority value, using registration order to break ties.
// Traffic only moves to a lower-priority endpoint while every better one
// is unhealthy.
func NewFailover() Picker {
	return failover{}
}

type failover struct{}

func (failover) Name() string {
	return "failover"
}

func (failover) Pick(candidates []Candidate) (endpoint.ID, bool) {
	best := -1
	for i, candidate := range candidates {
		if !candidate.Healthy() {
			continue
		}
		if best < 0 || candidate.Endpoint.Priority < candidates[best].Endpoint.Priority {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return candidates[best].ID, true
}
