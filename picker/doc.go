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

// Package picker provides the strategies a pool uses to choose an
// endpoint for each attempt.
//
// This package defines the core interface, [Picker], which selects one
// [Candidate] out of a snapshot of the pool's endpoints. The pool calls it
// once per attempt, leaving out endpoints already tried by the current
// request, so a picker only has to express a preference.
//
// Built-in pickers never return an unhealthy candidate: when no candidate
// is healthy they report that nothing was picked and the pool gives up on
// the request. Pickers that keep state (round-robin, rate-aware) belong to
// a single pool and must not be shared between pools.
package picker
