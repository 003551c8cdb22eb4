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

package wspool

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/bufbuild/rpcpool"
	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/internal"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	// DefaultConnectTimeout bounds connecting and subscribing to one
	// endpoint.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultReconnectDelay is the wait after the first round of failed
	// reconnects.
	DefaultReconnectDelay = time.Second
	// DefaultMaxReconnectDelay caps the wait between reconnect rounds.
	DefaultMaxReconnectDelay = 30 * time.Second
)

var (
	// ErrNoWebSocketEndpoints is returned by New when no endpoint has a
	// WebSocket URL.
	ErrNoWebSocketEndpoints = errors.New("wspool: no endpoint has a WebSocket URL")
	// ErrClosed is returned by subscriptions made after the pool was
	// closed, and delivered on the Err channel of subscriptions that the
	// closing pool ended.
	ErrClosed = errors.New("wspool: pool is closed")
)

// Option is an option used to customize a Pool.
type Option interface {
	apply(*poolOptions)
}

// WithConnectTimeout limits how long connecting to an endpoint and
// establishing a subscription on it may take. The default is 15 seconds.
func WithConnectTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.connectTimeout = timeout
	})
}

// WithReconnectDelay configures the base of the backoff between rounds of
// reconnect attempts. The default is one second.
func WithReconnectDelay(delay time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.reconnectDelay = delay
	})
}

// WithMaxReconnectDelay caps the backoff between rounds of reconnect
// attempts. The default is 30 seconds.
func WithMaxReconnectDelay(delay time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.maxReconnectDelay = delay
	})
}

// WithHeader adds a header to the WebSocket handshake of every
// connection.
func WithHeader(key, value string) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.headers = append(opts.headers, [2]string{key, value})
	})
}

// WithRootContext configures the root context of the pool. Cancelling it
// closes the pool.
func WithRootContext(ctx context.Context) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.rootCtx = ctx
	})
}

// WithLogger configures the logger for connection events. If not
// specified, nothing is logged.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.logger = logger
	})
}

type optionFunc func(*poolOptions)

func (f optionFunc) apply(opts *poolOptions) {
	f(opts)
}

type poolOptions struct {
	rootCtx           context.Context //nolint:containedctx
	connectTimeout    time.Duration
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	headers           [][2]string
	logger            *zap.Logger
}

func (opts *poolOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.connectTimeout == 0 {
		opts.connectTimeout = DefaultConnectTimeout
	}
	if opts.reconnectDelay == 0 {
		opts.reconnectDelay = DefaultReconnectDelay
	}
	if opts.maxReconnectDelay == 0 {
		opts.maxReconnectDelay = DefaultMaxReconnectDelay
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
}

func (opts *poolOptions) validate() error {
	switch {
	case opts.connectTimeout < 0:
		return &rpcpool.ConfigurationError{Reason: "connect timeout must be positive"}
	case opts.reconnectDelay < 0:
		return &rpcpool.ConfigurationError{Reason: "reconnect delay must be positive"}
	case opts.maxReconnectDelay < 0:
		return &rpcpool.ConfigurationError{Reason: "max reconnect delay must be positive"}
	}
	return nil
}

// Pool opens subscriptions on WebSocket endpoints. It is safe for
// concurrent use and must be closed with Close, or by cancelling its root
// context, to end its subscriptions.
type Pool struct {
	endpoints []endpoint.Endpoint
	opts      poolOptions
	logger    *zap.Logger
	clock     internal.Clock

	//nolint:containedctx
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// +checklocks:mu
	closed bool
	active sync.WaitGroup
}

// New creates a pool over the endpoints that have a WebSocket URL, sorted
// by priority. Endpoints that share a WebSocket URL with an earlier one
// are dropped. No connection is made until a subscription is requested.
func New(endpoints []endpoint.Endpoint, options ...Option) (*Pool, error) {
	return newWithClock(endpoints, internal.NewRealClock(), options...)
}

func newWithClock(endpoints []endpoint.Endpoint, clock internal.Clock, options ...Option) (*Pool, error) {
	var opts poolOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	usable := lo.UniqBy(
		lo.Filter(endpoints, func(ep endpoint.Endpoint, _ int) bool { return ep.WSURL != "" }),
		func(ep endpoint.Endpoint) string { return ep.WSURL },
	)
	if len(usable) == 0 {
		return nil, ErrNoWebSocketEndpoints
	}
	slices.SortStableFunc(usable, func(a, b endpoint.Endpoint) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	ctx, cancel := context.WithCancel(opts.rootCtx)
	pool := &Pool{
		endpoints: usable,
		opts:      opts,
		logger:    opts.logger,
		clock:     clock,
		ctx:       ctx,
		cancel:    cancel,
	}
	go func() {
		<-pool.ctx.Done()
		_ = pool.Close()
	}()
	for _, ep := range usable {
		pool.logger.Debug("registered websocket endpoint",
			zap.String("endpoint", ep.DisplayName()),
			zap.String("ws_url", ep.WSURL),
			zap.Int("priority", ep.Priority),
		)
	}
	pool.logger.Info("websocket pool initialized", zap.Int("endpoints", len(usable)))
	return pool, nil
}

// Len returns the number of WebSocket endpoints.
func (p *Pool) Len() int {
	return len(p.endpoints)
}

// URLs returns the WebSocket URLs, in the order they are tried.
func (p *Pool) URLs() []string {
	return lo.Map(p.endpoints, func(ep endpoint.Endpoint, _ int) string { return ep.WSURL })
}

// Closed reports whether Close was called or the root context was
// cancelled.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close ends every subscription and waits for their connections to be
// closed. Subscriptions receive ErrClosed on their Err channel. Close is
// safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.logger.Info("websocket pool shutting down")
	p.cancel()
	p.active.Wait()
	return nil
}

// enter registers a subscription. It returns false once the pool is
// closed.
func (p *Pool) enter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.active.Add(1)
	return true
}

func (p *Pool) dial(ctx context.Context, ep endpoint.Endpoint) (*rpc.Client, error) {
	options := []rpc.ClientOption{
		rpc.WithWebsocketDialer(websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: p.opts.connectTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}),
	}
	for _, header := range p.opts.headers {
		options = append(options, rpc.WithHeader(header[0], header[1]))
	}
	return rpc.DialOptions(ctx, ep.WSURL, options...)
}
