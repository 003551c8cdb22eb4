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

// Package wspool provides Ethereum subscriptions over a pool of WebSocket
// endpoints.
//
// A [Pool] keeps the endpoints that have a WebSocket URL, ordered by
// priority. Each subscription connects to the first endpoint that
// accepts it. When its connection drops, the subscription moves to the
// next endpoint; once every endpoint has refused it, it waits for an
// exponential backoff, starting at the reconnect delay and capped at the
// maximum reconnect delay, before trying all of them again in priority
// order. Items keep flowing to the caller's channel across reconnects,
// although items published while no connection was up are missed.
//
// Subscriptions end when they are unsubscribed or when the pool is
// closed.
package wspool
