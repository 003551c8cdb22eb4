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

package tiered

import (
	"fmt"
	"strings"

	"github.com/bufbuild/rpcpool/endpoint"
)

// Tier classifies endpoints by cost and reliability.
type Tier int

const (
	// Premium endpoints are paid providers with high rate limits.
	Premium Tier = iota
	// Standard endpoints are reliable providers with moderate limits.
	Standard
	// Free endpoints are public providers with low rate limits.
	Free
)

//nolint:gochecknoglobals
var allTiers = []Tier{Premium, Standard, Free}

func (t Tier) String() string {
	switch t {
	case Premium:
		return "premium"
	case Standard:
		return "standard"
	case Free:
		return "free"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// ParseTier returns the tier named s, ignoring case. An empty string is
// Standard.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "premium":
		return Premium, nil
	case "", "standard":
		return Standard, nil
	case "free":
		return Free, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// Priority is the importance of a request.
type Priority int

const (
	// Critical requests, like submitting transactions, use the best
	// endpoints available.
	Critical Priority = iota
	// Normal requests use standard endpoints before free ones.
	Normal
	// Low requests, like historical syncs, use free endpoints to save the
	// quota of paid ones.
	Low
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Endpoint is an endpoint assigned to a tier.
type Endpoint struct {
	endpoint.Endpoint
	Tier Tier
}

// Default priorities of endpoints added with the tier constructors.
const (
	PremiumPriority  = 10
	StandardPriority = 50
	FreePriority     = 100
)

// NewPremium returns a Premium endpoint.
func NewPremium(url, name string) Endpoint {
	return Endpoint{Endpoint: endpoint.New(url).WithName(name).WithPriority(PremiumPriority), Tier: Premium}
}

// NewStandard returns a Standard endpoint.
func NewStandard(url, name string) Endpoint {
	return Endpoint{Endpoint: endpoint.New(url).WithName(name).WithPriority(StandardPriority), Tier: Standard}
}

// NewFree returns a Free endpoint.
func NewFree(url, name string) Endpoint {
	return Endpoint{Endpoint: endpoint.New(url).WithName(name).WithPriority(FreePriority), Tier: Free}
}

// FreeEndpoints assigns endpoints, such as a list of public providers,
// to the Free tier. Their priorities are kept; the pool adjusts them by
// grade when it is built.
func FreeEndpoints(endpoints []endpoint.Endpoint) []Endpoint {
	tiered := make([]Endpoint, len(endpoints))
	for i, ep := range endpoints {
		tiered[i] = Endpoint{Endpoint: ep, Tier: Free}
	}
	return tiered
}
