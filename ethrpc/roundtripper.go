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

package ethrpc

import (
	"net/http"
	"time"
)

// roundTripperResult is the leaf HTTP transport of one endpoint.
type roundTripperResult struct {
	RoundTripper http.RoundTripper
	// Scheme, if non-empty, replaces the scheme of the endpoint's URL.
	// This lets a custom scheme like "h2c" select the transport while the
	// requests themselves use "http".
	Scheme string
	Close  func()
}

func newSimpleRoundTripper(opts *transportOptions) roundTripperResult {
	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		DialContext:            defaultDialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           opts.maxIdleConns,
		MaxIdleConnsPerHost:    opts.maxIdleConns,
		IdleConnTimeout:        opts.idleConnTimeout,
		TLSHandshakeTimeout:    10 * time.Second,
		TLSClientConfig:        opts.tlsClientConfig,
		MaxResponseHeaderBytes: opts.maxResponseHeaderBytes,
		ExpectContinueTimeout:  1 * time.Second,
	}
	return roundTripperResult{RoundTripper: transport, Close: transport.CloseIdleConnections}
}
