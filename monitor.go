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

	"github.com/bufbuild/rpcpool/endpoint"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartHealthCheck starts probing endpoints in the background, once per
// health check interval. Each round probes every endpoint whose backoff
// has elapsed: a successful probe returns the endpoint to rotation and a
// failed one counts against it like a failed request.
//
// It returns ErrMonitorRunning if health checks are already running and
// ErrShuttingDown if the pool is closed. Health checks stop when the pool
// is closed or StopHealthCheck is called.
func (p *Pool[C]) StartHealthCheck() error {
	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()
	if p.ctx.Err() != nil {
		return ErrShuttingDown
	}
	if p.monitor != nil {
		return ErrMonitorRunning
	}
	ctx, cancel := context.WithCancel(p.ctx)
	m := &monitor{cancel: cancel, done: make(chan struct{})}
	p.monitor = m
	go p.runHealthChecks(ctx, m.done)
	p.logger.Info("health check started", zap.Duration("interval", p.opts.healthCheckInterval))
	return nil
}

// StopHealthCheck stops background health checks and waits for an
// ongoing round to finish. It does nothing if they are not running.
func (p *Pool[C]) StopHealthCheck() {
	p.monitorMu.Lock()
	m := p.monitor
	p.monitor = nil
	p.monitorMu.Unlock()
	if m == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (p *Pool[C]) runHealthChecks(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := p.clock.NewTicker(p.opts.healthCheckInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		p.checkHealth(ctx)
		if p.healthCheckHook != nil {
			p.healthCheckHook()
		}
	}
}

// checkHealth runs one round of probes, concurrently.
func (p *Pool[C]) checkHealth(ctx context.Context) {
	now := p.clock.Now()
	var grp errgroup.Group
	for i := range p.registry.len() {
		id := endpoint.ID(i)
		if !p.registry.due(id, now) {
			continue
		}
		grp.Go(func() error {
			p.probe(ctx, id)
			return nil
		})
	}
	_ = grp.Wait()
}

func (p *Pool[C]) probe(ctx context.Context, id endpoint.ID) {
	if ctx.Err() != nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.opts.healthCheckTimeout)
	defer cancel()
	client, err := p.client(id)
	if err == nil {
		err = p.transport.Probe(probeCtx, client)
	}
	if ctx.Err() != nil {
		// stopped mid-probe; the result says nothing about the endpoint
		return
	}
	ep := p.registry.endpoint(id)
	if err == nil {
		if p.registry.markHealthy(id) {
			p.logger.Info("endpoint recovered", zap.String("endpoint", ep.DisplayName()))
		}
		return
	}
	markedUnhealthy := p.registry.recordProbeFailure(id, err)
	p.logger.Debug("health probe failed",
		zap.String("endpoint", ep.DisplayName()),
		zap.Time("backoff", p.registry.backoffUntil(id)),
		zap.Error(err),
	)
	if markedUnhealthy {
		p.logger.Warn("endpoint marked unhealthy",
			zap.String("endpoint", ep.DisplayName()),
			zap.String("url", ep.URL),
			zap.Int("consecutive_errors", p.opts.maxConsecutiveErrors),
		)
	}
}
