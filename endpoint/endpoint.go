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

import "fmt"

// DefaultPriority is the priority given to endpoints created with New.
const DefaultPriority = 100

// ID identifies an endpoint within a single pool. IDs are assigned in
// registration order starting at zero and never change.
type ID int

// Endpoint is a single JSON-RPC endpoint. The URL is the identity of an
// endpoint: a pool never holds two endpoints with the same URL.
type Endpoint struct {
	URL  string
	Name string
	// Priority orders endpoints for failover. Lower values are preferred.
	Priority int
	ChainID  uint64
	// Weight is informational and is not used by the built-in pickers.
	Weight int
	// WSURL is an optional WebSocket URL serving the same node.
	WSURL string
	// RateLimit is the provider's request budget in requests per second.
	// Zero means unknown or unlimited.
	RateLimit    float64
	Capabilities Capabilities
}

// New returns an endpoint for the given URL, named after the URL and
// with DefaultPriority.
func New(url string) Endpoint {
	return Endpoint{
		URL:      url,
		Name:     url,
		Priority: DefaultPriority,
	}
}

// WithName returns a copy of e with the given name.
func (e Endpoint) WithName(name string) Endpoint {
	e.Name = name
	return e
}

// WithPriority returns a copy of e with the given priority.
func (e Endpoint) WithPriority(priority int) Endpoint {
	e.Priority = priority
	return e
}

// WithChainID returns a copy of e with the given chain ID.
func (e Endpoint) WithChainID(chainID uint64) Endpoint {
	e.ChainID = chainID
	return e
}

// WithRateLimit returns a copy of e with the given rate limit.
func (e Endpoint) WithRateLimit(rps float64) Endpoint {
	e.RateLimit = rps
	return e
}

// WithWebSocket returns a copy of e with a WebSocket URL. The endpoint's
// capabilities are updated to advertise WebSocket support.
func (e Endpoint) WithWebSocket(wsURL string) Endpoint {
	e.WSURL = wsURL
	e.Capabilities.SupportsWebSocket = wsURL != ""
	return e
}

// WithCapabilities returns a copy of e with a copy of the given
// capabilities.
func (e Endpoint) WithCapabilities(caps Capabilities) Endpoint {
	caps = caps.Clone()
	caps.SupportsWebSocket = caps.SupportsWebSocket || e.WSURL != ""
	e.Capabilities = caps
	return e
}

// Clone returns a copy of e whose capabilities share no memory with e's.
func (e Endpoint) Clone() Endpoint {
	e.Capabilities = e.Capabilities.Clone()
	return e
}

// AdjustedPriority is the priority shifted by the capability grade,
// floored at zero.
func (e Endpoint) AdjustedPriority() int {
	return max(e.Priority+e.Capabilities.PriorityAdjustment(), 0)
}

// DisplayName returns the name, falling back to the URL.
func (e Endpoint) DisplayName() string {
	if e.Name == "" {
		return e.URL
	}
	return e.Name
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (%s, priority %d)", e.DisplayName(), e.URL, e.Priority)
}
