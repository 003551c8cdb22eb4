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

// Package tiered routes requests across several pools, one per tier of
// endpoints, according to the priority of each request.
//
// Paid endpoints go in the Premium and Standard tiers and are used in
// priority order. Free public endpoints go in the Free tier, which
// spreads load across them and respects their rate limits. Critical
// requests start at Premium and, unless disabled with
// [WithCriticalFallback], fall back to the lower tiers. Normal requests
// use Standard and then Free. Low requests stay on the Free tier unless
// [WithLowEscalation] is enabled.
package tiered
