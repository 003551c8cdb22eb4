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

package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/internal"
	"github.com/bufbuild/rpcpool/picker"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Transport connects a pool to its endpoints. C is the client handle
// given to operations, such as *ethrpc.Client.
//
// The pool dials each endpoint at most once and reuses the client until
// the pool is closed.
type Transport[C any] interface {
	// Dial creates a client for the endpoint.
	Dial(ctx context.Context, ep endpoint.Endpoint) (C, error)
	// Probe checks that the endpoint behind client is alive. It should be
	// a cheap call, like fetching the latest block number.
	Probe(ctx context.Context, client C) error
	// Close releases a client created by Dial.
	Close(client C) error
}

// Pool spreads calls over redundant endpoints, failing over to the next
// endpoint when one fails and taking endpoints that keep failing out of
// rotation until they recover.
//
// A Pool is safe for concurrent use. It must be closed with Close, or by
// cancelling the context given to WithRootContext, to release its clients
// and stop its health monitor.
type Pool[C any] struct {
	transport Transport[C]
	registry  *registry
	picker    picker.Picker
	opts      poolOptions
	logger    *zap.Logger
	clock     internal.Clock

	//nolint:containedctx
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.RWMutex
	// +checklocks:mu
	closing  bool
	inflight sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}

	clients []*clientSlot[C]
	dials   singleflight.Group

	// +checkatomic
	totalRequests atomic.Uint64
	// +checkatomic
	failovers atomic.Uint64
	// +checkatomic
	current atomic.Int64

	monitorMu sync.Mutex
	// +checklocks:monitorMu
	monitor *monitor

	// NB: only set from tests
	healthCheckHook func()
}

type clientSlot[C any] struct {
	mu sync.Mutex
	// +checklocks:mu
	client C
	// +checklocks:mu
	dialed bool
}

// New creates a pool over the given endpoints. Endpoints are registered
// in order; an endpoint whose URL was already registered is dropped. It
// returns a *ConfigurationError if no endpoints are given or an option
// is invalid.
func New[C any](transport Transport[C], endpoints []endpoint.Endpoint, options ...Option) (*Pool[C], error) {
	return newWithClock(transport, endpoints, internal.NewRealClock(), options...)
}

func newWithClock[C any](
	transport Transport[C],
	endpoints []endpoint.Endpoint,
	clock internal.Clock,
	options ...Option,
) (*Pool[C], error) {
	var opts poolOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	if transport == nil {
		return nil, &ConfigurationError{Reason: "no transport"}
	}
	if len(endpoints) == 0 {
		return nil, &ConfigurationError{Reason: "no endpoints configured"}
	}
	return newPool(transport, endpoints, &opts, clock), nil
}

func newPool[C any](transport Transport[C], endpoints []endpoint.Endpoint, opts *poolOptions, clock internal.Clock) *Pool[C] {
	registry := newRegistry(opts, clock)
	for _, ep := range endpoints {
		registry.register(ep)
	}
	ctx, cancel := context.WithCancel(opts.rootCtx)
	pool := &Pool[C]{
		transport: transport,
		registry:  registry,
		picker:    opts.picker,
		opts:      *opts,
		logger:    opts.logger,
		clock:     clock,
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
		clients:   make([]*clientSlot[C], registry.len()),
	}
	for i := range pool.clients {
		pool.clients[i] = &clientSlot[C]{}
	}
	pool.current.Store(-1)
	go func() {
		// close the pool as soon as the root context is cancelled
		<-pool.ctx.Done()
		_ = pool.Close()
	}()
	pool.logger.Info("pool initialized",
		zap.Int("endpoints", registry.len()),
		zap.String("picker", pool.picker.Name()),
	)
	return pool
}

// Execute runs op against one endpoint after another until it succeeds,
// trying each endpoint at most once. Each attempt is limited by the
// request timeout and ends early if ctx is done or the pool is closed.
//
// If every eligible endpoint fails, Execute returns an
// *AllEndpointsFailedError. It returns ErrShuttingDown once the pool is
// closing, and ctx's error if ctx is done first.
func (p *Pool[C]) Execute(ctx context.Context, op func(ctx context.Context, client C) error) error {
	if !p.enter() {
		return ErrShuttingDown
	}
	defer p.inflight.Done()

	total := p.registry.len()
	tried := make(map[endpoint.ID]struct{}, total)
	failedOver := false
	var lastErr *EndpointError
	for range total {
		if p.ctx.Err() != nil {
			return ErrShuttingDown
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		id, ok := p.picker.Pick(p.registry.snapshot(tried))
		if !ok {
			break
		}
		tried[id] = struct{}{}
		if lastErr != nil {
			p.failovers.Add(1)
			failedOver = true
			p.logger.Debug("failing over",
				zap.String("from", lastErr.Name),
				zap.String("to", p.registry.endpoint(id).DisplayName()),
			)
		}
		err := p.attempt(ctx, id, op)
		if err == nil {
			p.totalRequests.Add(1)
			p.switchCurrent(id, failedOver)
			return nil
		}
		if p.ctx.Err() != nil || isShutdown(err) {
			return ErrShuttingDown
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = p.recordAttemptFailure(id, err)
	}

	summary := p.registry.healthSummary()
	failed := &AllEndpointsFailedError{
		Tried:     len(tried),
		Healthy:   summary.Healthy,
		Unhealthy: summary.Unhealthy,
		Total:     summary.Total,
		LastError: lastErr,
	}
	p.logger.Warn("all endpoints failed",
		zap.Int("tried", failed.Tried),
		zap.Int("healthy", failed.Healthy),
		zap.Int("total", failed.Total),
		zap.Error(failed.Unwrap()),
	)
	return failed
}

// Call is Execute for operations that produce a value.
func Call[T, C any](ctx context.Context, pool *Pool[C], op func(ctx context.Context, client C) (T, error)) (T, error) {
	var (
		mu     sync.Mutex
		result T
	)
	err := pool.Execute(ctx, func(ctx context.Context, client C) error {
		value, err := op(ctx, client)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		// An attempt that already timed out must not overwrite the
		// value of the attempt that replaced it.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	mu.Lock()
	defer mu.Unlock()
	return result, nil
}

// Client returns the client of the endpoint the picker currently prefers,
// dialing it if needed. Calls made directly on the client bypass failover
// and are not recorded in metrics.
func (p *Pool[C]) Client(ctx context.Context) (C, error) {
	var zero C
	if !p.enter() {
		return zero, ErrShuttingDown
	}
	defer p.inflight.Done()
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	id, ok := p.picker.Pick(p.registry.snapshot(nil))
	if !ok {
		summary := p.registry.healthSummary()
		return zero, &AllEndpointsFailedError{Healthy: summary.Healthy, Unhealthy: summary.Unhealthy, Total: summary.Total}
	}
	return p.client(id)
}

// attempt runs op once against the endpoint. The op runs on its own
// goroutine so that an op ignoring its context cannot hold the caller
// past the request timeout or shutdown.
func (p *Pool[C]) attempt(ctx context.Context, id endpoint.ID, op func(context.Context, C) error) error {
	client, err := p.client(id)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.requestTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	start := p.clock.Now()
	result := make(chan error, 1)
	go func() {
		result <- op(attemptCtx, client)
	}()
	select {
	case err = <-result:
	case <-attemptCtx.Done():
		err = attemptCtx.Err()
	}
	if err != nil {
		return err
	}
	if p.registry.recordSuccess(id, p.clock.Since(start)) {
		p.logger.Info("endpoint recovered", zap.String("endpoint", p.registry.endpoint(id).DisplayName()))
	}
	return nil
}

func (p *Pool[C]) recordAttemptFailure(id endpoint.ID, err error) *EndpointError {
	ep := p.registry.endpoint(id)
	endpointErr := newEndpointError(id, ep, err)
	markedUnhealthy := p.registry.recordFailure(id, err)
	p.logger.Debug("attempt failed",
		zap.String("endpoint", ep.DisplayName()),
		zap.Bool("timeout", endpointErr.Timeout()),
		zap.Error(endpointErr),
	)
	if markedUnhealthy {
		p.logger.Warn("endpoint marked unhealthy",
			zap.String("endpoint", ep.DisplayName()),
			zap.String("url", ep.URL),
			zap.Int("consecutive_errors", p.opts.maxConsecutiveErrors),
			zap.Time("backoff", p.registry.backoffUntil(id)),
		)
	}
	return endpointErr
}

// client returns the endpoint's client, dialing it on first use.
// Concurrent first uses share a single dial, which is bounded by the
// request timeout and the pool's lifetime rather than by any one caller.
func (p *Pool[C]) client(id endpoint.ID) (C, error) {
	slot := p.clients[id]
	slot.mu.Lock()
	client, dialed := slot.client, slot.dialed
	slot.mu.Unlock()
	if dialed {
		return client, nil
	}
	ep := p.registry.endpoint(id)
	value, err, _ := p.dials.Do(ep.URL, func() (any, error) {
		slot.mu.Lock()
		client, dialed := slot.client, slot.dialed
		slot.mu.Unlock()
		if dialed {
			return client, nil
		}
		dialCtx, cancel := context.WithTimeout(p.ctx, p.opts.requestTimeout)
		defer cancel()
		client, err := p.transport.Dial(dialCtx, *ep)
		if err != nil {
			return nil, err
		}
		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.closing {
			_ = p.transport.Close(client)
			return nil, ErrShuttingDown
		}
		slot.mu.Lock()
		slot.client, slot.dialed = client, true
		slot.mu.Unlock()
		return client, nil
	})
	if err != nil {
		var zero C
		return zero, err
	}
	return value.(C), nil //nolint:forcetypeassert,errcheck
}

// enter registers an in-flight call. It returns false once the pool is
// closing.
func (p *Pool[C]) enter() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closing {
		return false
	}
	p.inflight.Add(1)
	return true
}

// switchCurrent makes id the current endpoint. Moving away from an
// unhealthy current endpoint is a failover, unless the request already
// counted one when its earlier attempt failed.
func (p *Pool[C]) switchCurrent(id endpoint.ID, failedOver bool) {
	previous := p.current.Swap(int64(id))
	if failedOver || previous < 0 || previous == int64(id) {
		return
	}
	if !p.registry.state(endpoint.ID(previous)).IsHealthy() {
		p.failovers.Add(1)
	}
}

func (p *Pool[C]) currentID() (endpoint.ID, bool) {
	current := p.current.Load()
	if current < 0 {
		return 0, false
	}
	return endpoint.ID(current), true
}

// CurrentURL returns the URL of the endpoint that served the last
// successful request. Before any request has succeeded, it returns the
// endpoint the picker would choose. It returns "" if there is none.
func (p *Pool[C]) CurrentURL() string {
	if id, ok := p.currentID(); ok {
		return p.registry.endpoint(id).URL
	}
	if id, ok := p.picker.Pick(p.registry.snapshot(nil)); ok {
		return p.registry.endpoint(id).URL
	}
	return ""
}

// URLs returns the URL of every endpoint, in registration order.
func (p *Pool[C]) URLs() []string {
	urls := make([]string, p.registry.len())
	for i := range urls {
		urls[i] = p.registry.endpoint(endpoint.ID(i)).URL
	}
	return urls
}

// Endpoints returns copies of the pool's endpoints, in registration
// order. Changing them does not affect the pool.
func (p *Pool[C]) Endpoints() []endpoint.Endpoint {
	return lo.Map(p.registry.endpoints, func(ep endpoint.Endpoint, _ int) endpoint.Endpoint {
		return ep.Clone()
	})
}

// MarkUnhealthy takes the endpoint with the given URL out of rotation
// until a health probe or request succeeds on it. It reports whether the
// URL belongs to the pool.
func (p *Pool[C]) MarkUnhealthy(url string) bool {
	id, ok := p.registry.lookup(url)
	if ok {
		p.registry.markUnhealthy(id)
	}
	return ok
}

// MarkHealthy returns the endpoint with the given URL to rotation and
// clears its error count. It reports whether the URL belongs to the pool.
func (p *Pool[C]) MarkHealthy(url string) bool {
	id, ok := p.registry.lookup(url)
	if ok {
		p.registry.markHealthy(id)
	}
	return ok
}

// Close stops the health monitor, waits for in-flight calls to return and
// closes every client the pool dialed. Calls in flight return
// ErrShuttingDown promptly. Close is safe to call more than once; later
// calls return the result of the first.
func (p *Pool[C]) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.mu.Unlock()
		p.cancel()
		p.StopHealthCheck()
		p.inflight.Wait()
		p.closeErr = p.closeClients()
		close(p.closed)
		p.logger.Info("pool closed", zap.Error(p.closeErr))
	})
	<-p.closed
	return p.closeErr
}

func (p *Pool[C]) closeClients() error {
	var (
		mu   sync.Mutex
		errs error
	)
	var grp errgroup.Group
	for i, slot := range p.clients {
		slot.mu.Lock()
		client, dialed := slot.client, slot.dialed
		var zero C
		slot.client, slot.dialed = zero, false
		slot.mu.Unlock()
		if !dialed {
			continue
		}
		url := p.registry.endpoint(endpoint.ID(i)).URL
		grp.Go(func() error {
			if err := p.transport.Close(client); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("close %s: %w", url, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = grp.Wait()
	return errs
}

func isShutdown(err error) bool {
	return errors.Is(err, ErrShuttingDown)
}
