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

//go:build go1.24

package ethrpc

import (
	"net/http"
	"time"
)

// newH2CRoundTripper serves the "h2c" scheme, which forces HTTP/2 over
// clear-text (no TLS). As of Go 1.24 this is a regular http.Transport
// limited to unencrypted HTTP/2.
func newH2CRoundTripper(opts *transportOptions) roundTripperResult {
	var protocols http.Protocols
	protocols.SetUnencryptedHTTP2(true)

	transport := &http.Transport{
		DialContext:            defaultDialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           opts.maxIdleConns,
		MaxIdleConnsPerHost:    opts.maxIdleConns,
		IdleConnTimeout:        opts.idleConnTimeout,
		MaxResponseHeaderBytes: opts.maxResponseHeaderBytes,
		ExpectContinueTimeout:  1 * time.Second,
		Protocols:              &protocols,
	}
	return roundTripperResult{RoundTripper: transport, Scheme: "http", Close: transport.CloseIdleConnections}
}
