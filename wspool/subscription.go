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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/health"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// upstreamBuffer is the number of items buffered per connection between
// the RPC client and the caller's channel.
const upstreamBuffer = 128

var errSubscriptionEnded = errors.New("subscription ended by the server")

// Subscription is a subscription that survives connection failures. It
// implements ethereum.Subscription.
type Subscription struct {
	kind   string
	cancel context.CancelFunc
	done   chan struct{}
	err    chan error

	// +checkatomic
	reconnects atomic.Uint64

	mu sync.Mutex
	// +checklocks:mu
	endpoint endpoint.Endpoint
}

var _ ethereum.Subscription = (*Subscription)(nil)

// Err returns a channel that is closed when the subscription ends. If the
// pool was closed, ErrClosed is sent first.
func (s *Subscription) Err() <-chan error {
	return s.err
}

// Unsubscribe ends the subscription and waits for its connection to be
// closed. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// Endpoint returns the endpoint currently serving the subscription, or
// the last one that did while reconnecting.
func (s *Subscription) Endpoint() endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Reconnects returns how many times the subscription moved to a new
// connection after losing one.
func (s *Subscription) Reconnects() uint64 {
	return s.reconnects.Load()
}

func (s *Subscription) setEndpoint(ep endpoint.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = ep
}

// SubscribeNewHeads delivers the header of every new block to ch. ctx
// bounds establishing the subscription only.
func (p *Pool) SubscribeNewHeads(ctx context.Context, ch chan<- *types.Header) (*Subscription, error) {
	return subscribe(ctx, p, "newHeads", ch, func(ctx context.Context, client *rpc.Client, upstream chan<- *types.Header) (ethereum.Subscription, error) {
		return ethclient.NewClient(client).SubscribeNewHead(ctx, upstream)
	})
}

// SubscribePendingTransactions delivers the hash of every transaction
// entering the endpoint's mempool to ch. ctx bounds establishing the
// subscription only.
func (p *Pool) SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (*Subscription, error) {
	return subscribe(ctx, p, "newPendingTransactions", ch, func(ctx context.Context, client *rpc.Client, upstream chan<- common.Hash) (ethereum.Subscription, error) {
		sub, err := client.EthSubscribe(ctx, upstream, "newPendingTransactions")
		if err != nil {
			return nil, err
		}
		return sub, nil
	})
}

// SubscribeLogs delivers the logs matching query to ch. ctx bounds
// establishing the subscription only.
func (p *Pool) SubscribeLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (*Subscription, error) {
	return subscribe(ctx, p, "logs", ch, func(ctx context.Context, client *rpc.Client, upstream chan<- types.Log) (ethereum.Subscription, error) {
		return ethclient.NewClient(client).SubscribeFilterLogs(ctx, query, upstream)
	})
}

// startFunc establishes a subscription on a connected client.
type startFunc[T any] func(ctx context.Context, client *rpc.Client, upstream chan<- T) (ethereum.Subscription, error)

// connection is one live subscription on one endpoint.
type connection[T any] struct {
	index    int
	client   *rpc.Client
	sub      ethereum.Subscription
	upstream chan T
}

func (c *connection[T]) close() {
	c.sub.Unsubscribe()
	c.client.Close()
}

func subscribe[T any](ctx context.Context, p *Pool, kind string, out chan<- T, start startFunc[T]) (*Subscription, error) {
	if !p.enter() {
		return nil, ErrClosed
	}
	subCtx, cancel := context.WithCancel(p.ctx)
	connectCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(subCtx, stop)()

	conn, err := connectAny(connectCtx, p, kind, 0, start)
	if err != nil {
		cancel()
		p.active.Done()
		if p.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	s := &Subscription{
		kind:   kind,
		cancel: cancel,
		done:   make(chan struct{}),
		err:    make(chan error, 1),
	}
	s.setEndpoint(p.endpoints[conn.index])
	p.logger.Info("subscribed",
		zap.String("subscription", kind),
		zap.String("endpoint", p.endpoints[conn.index].DisplayName()),
	)
	go run(subCtx, p, s, conn, out, start)
	return s, nil
}

// connectAny tries every endpoint once, starting at index from and
// wrapping around, and returns the first connection established.
func connectAny[T any](ctx context.Context, p *Pool, kind string, from int, start startFunc[T]) (*connection[T], error) {
	var lastErr error
	for i := range p.endpoints {
		index := (from + i) % len(p.endpoints)
		conn, err := connect(ctx, p, index, start)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("websocket connect failed",
			zap.String("subscription", kind),
			zap.String("endpoint", p.endpoints[index].DisplayName()),
			zap.Error(err),
		)
		lastErr = err
	}
	return nil, fmt.Errorf("wspool: all %d endpoints failed: %w", len(p.endpoints), lastErr)
}

func connect[T any](ctx context.Context, p *Pool, index int, start startFunc[T]) (*connection[T], error) {
	ep := p.endpoints[index]
	ctx, cancel := context.WithTimeout(ctx, p.opts.connectTimeout)
	defer cancel()
	client, err := p.dial(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", ep.DisplayName(), err)
	}
	upstream := make(chan T, upstreamBuffer)
	sub, err := start(ctx, client, upstream)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscribe on %s: %w", ep.DisplayName(), err)
	}
	return &connection[T]{index: index, client: client, sub: sub, upstream: upstream}, nil
}

// run forwards items until ctx is done, replacing the connection each
// time it fails.
func run[T any](ctx context.Context, p *Pool, s *Subscription, conn *connection[T], out chan<- T, start startFunc[T]) {
	defer p.active.Done()
	defer func() {
		if p.ctx.Err() != nil {
			s.err <- ErrClosed
		}
		close(s.err)
		close(s.done)
	}()
	for {
		err := forward(ctx, conn, out)
		conn.close()
		if ctx.Err() != nil {
			return
		}
		failed := p.endpoints[conn.index]
		p.logger.Warn("subscription dropped",
			zap.String("subscription", s.kind),
			zap.String("endpoint", failed.DisplayName()),
			zap.Error(err),
		)
		conn = reconnect(ctx, p, s.kind, conn.index, start)
		if conn == nil {
			return
		}
		s.reconnects.Add(1)
		s.setEndpoint(p.endpoints[conn.index])
		p.logger.Info("subscription restored",
			zap.String("subscription", s.kind),
			zap.String("from", failed.DisplayName()),
			zap.String("to", p.endpoints[conn.index].DisplayName()),
		)
	}
}

func forward[T any](ctx context.Context, conn *connection[T], out chan<- T) error {
	for {
		select {
		case value := <-conn.upstream:
			select {
			case out <- value:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err := <-conn.sub.Err():
			if err == nil {
				err = errSubscriptionEnded
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconnect fails over to the endpoint after the failed one, then keeps
// trying every endpoint in priority order with a growing delay between
// rounds. It returns nil once ctx is done.
func reconnect[T any](ctx context.Context, p *Pool, kind string, failed int, start startFunc[T]) *connection[T] {
	from := failed + 1
	for round := 0; ; round++ {
		conn, err := connectAny(ctx, p, kind, from, start)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		delay := health.CappedBackoff(p.opts.reconnectDelay, round, p.opts.maxReconnectDelay)
		p.logger.Warn("reconnect failed",
			zap.String("subscription", kind),
			zap.Int("round", round+1),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		timer := p.clock.NewTimer(delay)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
		from = 0
	}
}
