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

// Package rpcpool provides a client-side pool over redundant JSON-RPC
// endpoints, such as several providers serving the same blockchain.
// Callers see a single logical endpoint; the pool chooses a physical one
// for every call, fails over when it errors and brings it back once it
// recovers.
//
// To create a pool use the [New] function. It accepts a [Transport],
// which dials a client per endpoint and knows how to probe it, the list
// of endpoints and numerous options. The [ethrpc] package provides a
// transport built on go-ethereum's RPC client.
//
// Requests are made with [Pool.Execute], or [Call] for operations that
// return a value. The operation receives the client of the chosen
// endpoint. If it fails, the pool records the failure against that
// endpoint and retries the operation on the next one, trying each
// endpoint at most once per call.
//
// # Health
//
// Each endpoint counts its consecutive failures. A failure also delays
// the endpoint's next health probe by an exponential backoff starting
// at the retry delay (5s by default) and capped at five minutes. After
// [WithMaxConsecutiveErrors] failures in a row the endpoint is unhealthy
// and no longer chosen. A single success, whether a request or a probe
// from the background monitor started by [Pool.StartHealthCheck],
// restores it.
//
// # Picking
//
// Which healthy endpoint serves an attempt is decided by a
// [picker.Picker]. The default fails over by priority; round-robin,
// latency-based and rate-aware pickers are also provided.
//
// The pool also has a notion of "closing", via its Close method. This
// stops the health monitor, makes in-flight calls return
// [ErrShuttingDown] and closes every client the pool dialed. A pool
// cannot be used after it has been closed.
//
// [ethrpc]: https://pkg.go.dev/github.com/bufbuild/rpcpool/ethrpc
package rpcpool
