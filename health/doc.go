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

// Package health holds the pieces of health tracking that do not depend
// on a pool: the [State] of an endpoint, the exponential [Backoff] that
// spaces out recovery probes and the latency [EMA].
//
// A pool counts consecutive failures per endpoint. Each failure pushes
// the endpoint's next probe further out; once the count reaches the
// pool's threshold the endpoint is [StateUnhealthy] and pickers skip it
// until a successful request or probe restores it.
package health
