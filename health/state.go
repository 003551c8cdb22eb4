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

package health

import "fmt"

// State is the health of an endpoint as seen by pickers. The zero value
// is healthy: endpoints start out eligible for selection.
type State int

const (
	StateHealthy   = State(0)
	StateUnhealthy = State(1)
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// IsHealthy reports whether pickers may select an endpoint in this state.
func (s State) IsHealthy() bool {
	return s == StateHealthy
}
