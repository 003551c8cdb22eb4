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

// Package config loads pool configuration from TOML files.
//
// A file configures the pool, the go-ethereum transport and the list of
// endpoints. Environment variables in the file, written as $NAME or
// ${NAME}, are expanded before it is parsed, so API keys embedded in
// provider URLs can stay out of the file. Durations are integer
// milliseconds in keys ending in "_ms". Omitted values take the pool's
// defaults.
//
//	[pool]
//	strategy = "latency"
//	request_timeout_ms = 5000
//
//	[transport]
//	check_chain_id = true
//	headers = { "X-Client" = "indexer" }
//
//	[[endpoints]]
//	url = "https://eth-mainnet.g.alchemy.com/v2/${ALCHEMY_KEY}"
//	name = "alchemy"
//	tier = "premium"
//	chain_id = 1
//
//	[[endpoints]]
//	url = "https://ethereum-rpc.publicnode.com"
//	tier = "free"
//	rate_limit = 10
package config
