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

package endpoint

// Grade is a coarse quality rating derived from [Capabilities].
// Grades order from worst to best, so GradeA > GradeF.
type Grade int

const (
	// GradeF marks an endpoint found to be unreachable.
	GradeF = Grade(iota)
	// GradeD means no eth_getLogs support, or nothing is known.
	GradeD
	// GradeC supports eth_getLogs with small batch or block range limits.
	GradeC
	// GradeB supports eth_getLogs, batches of 10 and ranges of 1,000 blocks.
	GradeB
	// GradeA supports eth_getLogs, batches of 100 and ranges of 10,000 blocks.
	GradeA
)

func (g Grade) String() string {
	switch g {
	case GradeA:
		return "A"
	case GradeB:
		return "B"
	case GradeC:
		return "C"
	case GradeD:
		return "D"
	case GradeF:
		return "F"
	default:
		return "?"
	}
}

// Capabilities records what an endpoint was observed to support. Nil
// pointer fields are untested. A zero MaxBatchSize or MaxBlockRange means
// unlimited.
type Capabilities struct {
	SupportsGetLogs    *bool
	MaxBatchSize       *uint32
	MaxBlockRange      *uint64
	SupportsDebugTrace *bool
	SupportsWebSocket  bool
	RateLimitRPS       *uint32
	// Unreachable is set when the endpoint could not be contacted at all
	// while its capabilities were being measured.
	Unreachable bool
}

// Clone returns a copy of c that shares no memory with it.
func (c Capabilities) Clone() Capabilities {
	c.SupportsGetLogs = clonePtr(c.SupportsGetLogs)
	c.MaxBatchSize = clonePtr(c.MaxBatchSize)
	c.MaxBlockRange = clonePtr(c.MaxBlockRange)
	c.SupportsDebugTrace = clonePtr(c.SupportsDebugTrace)
	c.RateLimitRPS = clonePtr(c.RateLimitRPS)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Tested reports whether any of the graded capabilities have been measured.
func (c Capabilities) Tested() bool {
	return c.SupportsGetLogs != nil || c.MaxBatchSize != nil || c.MaxBlockRange != nil
}

// Grade computes the quality grade.
func (c Capabilities) Grade() Grade {
	if c.Unreachable {
		return GradeF
	}
	if !c.Tested() || c.SupportsGetLogs == nil || !*c.SupportsGetLogs {
		return GradeD
	}
	var batch uint32
	if c.MaxBatchSize != nil {
		batch = *c.MaxBatchSize
	}
	var blocks uint64
	if c.MaxBlockRange != nil {
		blocks = *c.MaxBlockRange
	}
	switch {
	case (batch == 0 || batch >= 100) && (blocks == 0 || blocks >= 10_000):
		return GradeA
	case (batch == 0 || batch >= 10) && (blocks == 0 || blocks >= 1_000):
		return GradeB
	default:
		return GradeC
	}
}

// PriorityAdjustment returns the offset to add to an endpoint's priority
// for its grade. Untested endpoints are not penalized.
func (c Capabilities) PriorityAdjustment() int {
	switch c.Grade() {
	case GradeA:
		return -20
	case GradeB:
		return -10
	case GradeD:
		if c.Tested() {
			return 10
		}
		return 0
	case GradeF:
		return 50
	default:
		return 0
	}
}
