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

import "time"

const (
	// DefaultRetryDelay is the base of the backoff sequence.
	DefaultRetryDelay = 5 * time.Second
	// MaxBackoff caps the delay between probes of a failing endpoint.
	MaxBackoff = 5 * time.Minute
)

// Backoff returns how long to wait before probing an endpoint again after
// its consecutive-th consecutive failure: base * 2^consecutive, capped
// at MaxBackoff. A non-positive base means DefaultRetryDelay.
func Backoff(base time.Duration, consecutive int) time.Duration {
	if base <= 0 {
		base = DefaultRetryDelay
	}
	return CappedBackoff(base, consecutive, MaxBackoff)
}

// CappedBackoff returns base * 2^exponent, capped at limit.
func CappedBackoff(base time.Duration, exponent int, limit time.Duration) time.Duration {
	if base >= limit {
		return limit
	}
	delay := base
	for range max(exponent, 0) {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}
