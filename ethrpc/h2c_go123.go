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

//go:build !go1.24

package ethrpc

import (
	"context"
	"crypto/tls"
	"net"

	"golang.org/x/net/http2"
)

// newH2CRoundTripper serves the "h2c" scheme, which forces HTTP/2 over
// clear-text (no TLS). Prior to Go 1.24 this needs the
// golang.org/x/net/http2 client.
func newH2CRoundTripper(opts *transportOptions) roundTripperResult {
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return defaultDialer.DialContext(ctx, network, addr)
		},
		IdleConnTimeout:   opts.idleConnTimeout,
		MaxHeaderListSize: uint32(opts.maxResponseHeaderBytes),
	}
	return roundTripperResult{RoundTripper: transport, Scheme: "http", Close: transport.CloseIdleConnections}
}
