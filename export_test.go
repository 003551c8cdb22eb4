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
	"github.com/bufbuild/rpcpool/internal"
)

func NewWithClock[C any](
	transport Transport[C],
	endpoints []endpoint.Endpoint,
	clock internal.Clock,
	options ...Option,
) (*Pool[C], error) {
	return newWithClock(transport, endpoints, clock, options...)
}

func (p *Pool[C]) SetHealthCheckHook(hook func()) {
	p.healthCheckHook = hook
}

func (p *Pool[C]) RecordFailure(url string, err error) bool {
	id, _ := p.registry.lookup(url)
	return p.registry.recordFailure(id, err)
}

func (p *Pool[C]) RecordSuccess(url string, latency time.Duration) {
	id, _ := p.registry.lookup(url)
	p.registry.recordSuccess(id, latency)
}

func (p *Pool[C]) BackoffUntil(url string) time.Time {
	id, _ := p.registry.lookup(url)
	return p.registry.backoffUntil(id)
}

func TruncateError(msg string) string {
	return truncateError(msg)
}
