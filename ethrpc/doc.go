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

// Package ethrpc provides an rpcpool.Transport for Ethereum JSON-RPC
// endpoints, built on go-ethereum's rpc and ethclient packages.
//
// Every endpoint gets its own HTTP transport, so connections to one
// provider are never reused for another. Endpoints with an "h2c" URL
// scheme are reached over HTTP/2 without TLS.
//
// Health probes fetch the latest block number. With
// [WithChainIDCheck], probes also verify that the endpoint serves the
// chain its [endpoint.Endpoint.ChainID] names.
package ethrpc
