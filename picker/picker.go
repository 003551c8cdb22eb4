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
	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/health"
)

// Picker chooses an endpoint for the next attempt of a request.
type Picker interface {
	// Pick returns the ID of the chosen candidate. Candidates are given in
	// registration order. The second result is false if no candidate is
	// acceptable.
	//
	// Pick is called concurrently and must be safe for concurrent use.
	Pick(candidates []Candidate) (endpoint.ID, bool)
	// Name identifies the strategy in logs and metrics.
	Name() string
}

// Candidate is a point-in-time view of one endpoint of a pool.
type Candidate struct {
	ID       endpoint.ID
	Endpoint *endpoint.Endpoint
	State    health.State
	// LatencyEMA is the moving average of successful request latency in
	// milliseconds, or zero if the endpoint has not served a request yet.
	LatencyEMA float64
}

// Healthy reports whether the candidate may be selected.
func (c Candidate) Healthy() bool {
	return c.State.IsHealthy()
}
