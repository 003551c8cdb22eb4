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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

//nolint:gochecknoglobals
var (
	defaultDialer = &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
)

// ErrChainMismatch is returned by probes of an endpoint that serves a
// different chain than configured.
var ErrChainMismatch = errors.New("ethrpc: endpoint serves a different chain")

// Client is the handle an operation receives for an endpoint. It embeds
// an *ethclient.Client; RPC returns the underlying *rpc.Client for calls
// ethclient does not wrap.
type Client struct {
	*ethclient.Client

	endpoint endpoint.Endpoint
	close    func()
}

// RPC returns the underlying go-ethereum RPC client.
func (c *Client) RPC() *rpc.Client {
	return c.Client.Client()
}

// Endpoint returns the endpoint the client was dialed for.
func (c *Client) Endpoint() endpoint.Endpoint {
	return c.endpoint
}

// Option is an option used to customize a Transport.
type Option interface {
	apply(*transportOptions)
}

// WithHeader adds a header to every request, such as an API key some
// providers expect.
func WithHeader(key, value string) Option {
	return optionFunc(func(opts *transportOptions) {
		opts.headers = append(opts.headers, [2]string{key, value})
	})
}

// WithTLSClientConfig configures the TLS settings used for "https"
// endpoints.
func WithTLSClientConfig(config *tls.Config) Option {
	return optionFunc(func(opts *transportOptions) {
		opts.tlsClientConfig = config
	})
}

// WithIdleConnTimeout configures how long an idle connection to an
// endpoint is kept open. The default is 90 seconds.
func WithIdleConnTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *transportOptions) {
		opts.idleConnTimeout = duration
	})
}

// WithMaxConnsPerEndpoint limits the idle connections kept per endpoint.
// The default is 16.
func WithMaxConnsPerEndpoint(n int) Option {
	return optionFunc(func(opts *transportOptions) {
		opts.maxIdleConns = n
	})
}

// WithMaxResponseHeaderBytes configures the maximum number of bytes
// allowed in response headers. The default is 1MB.
func WithMaxResponseHeaderBytes(limit int64) Option {
	return optionFunc(func(opts *transportOptions) {
		opts.maxResponseHeaderBytes = limit
	})
}

// WithChainIDCheck makes probes also call eth_chainId and fail with
// ErrChainMismatch when an endpoint with a non-zero ChainID reports a
// different one.
func WithChainIDCheck() Option {
	return optionFunc(func(opts *transportOptions) {
		opts.checkChainID = true
	})
}

type optionFunc func(*transportOptions)

func (f optionFunc) apply(opts *transportOptions) {
	f(opts)
}

type transportOptions struct {
	headers                [][2]string
	tlsClientConfig        *tls.Config
	idleConnTimeout        time.Duration
	maxIdleConns           int
	maxResponseHeaderBytes int64
	checkChainID           bool
}

func (opts *transportOptions) applyDefaults() {
	if opts.idleConnTimeout == 0 {
		opts.idleConnTimeout = 90 * time.Second
	}
	if opts.maxIdleConns == 0 {
		opts.maxIdleConns = 16
	}
	if opts.maxResponseHeaderBytes == 0 {
		opts.maxResponseHeaderBytes = 1 << 20
	}
}

// Transport dials go-ethereum clients for a pool. It implements
// rpcpool.Transport[*Client].
type Transport struct {
	opts transportOptions
}

// NewTransport returns a Transport configured by options.
func NewTransport(options ...Option) *Transport {
	var opts transportOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	return &Transport{opts: opts}
}

// Dial creates a client for the endpoint. No request is sent until the
// client is used.
func (t *Transport) Dial(ctx context.Context, ep endpoint.Endpoint) (*Client, error) {
	rawURL := ep.URL
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, fmt.Errorf("ethrpc: invalid endpoint URL %q", rawURL)
	}
	var leaf roundTripperResult
	switch strings.ToLower(scheme) {
	case "http", "https":
		leaf = newSimpleRoundTripper(&t.opts)
	case "h2c":
		leaf = newH2CRoundTripper(&t.opts)
	default:
		return nil, fmt.Errorf("ethrpc: unsupported URL scheme %q", scheme)
	}
	if leaf.Scheme != "" {
		rawURL = leaf.Scheme + "://" + rest
	}
	options := []rpc.ClientOption{
		rpc.WithHTTPClient(&http.Client{Transport: leaf.RoundTripper}),
	}
	for _, header := range t.opts.headers {
		options = append(options, rpc.WithHeader(header[0], header[1]))
	}
	rpcClient, err := rpc.DialOptions(ctx, rawURL, options...)
	if err != nil {
		leaf.Close()
		return nil, err
	}
	return &Client{
		Client:   ethclient.NewClient(rpcClient),
		endpoint: ep,
		close:    leaf.Close,
	}, nil
}

// Probe fetches the latest block number and, with WithChainIDCheck,
// verifies the chain ID.
func (t *Transport) Probe(ctx context.Context, client *Client) error {
	if _, err := client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("eth_blockNumber: %w", err)
	}
	want := client.endpoint.ChainID
	if !t.opts.checkChainID || want == 0 {
		return nil
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("eth_chainId: %w", err)
	}
	if !got.IsUint64() || got.Uint64() != want {
		return fmt.Errorf("%w: want %d, got %s", ErrChainMismatch, want, got)
	}
	return nil
}

// Close closes the client and its idle connections.
func (t *Transport) Close(client *Client) error {
	client.Client.Close()
	client.close()
	return nil
}
