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
	"time"

	"github.com/bufbuild/rpcpool/health"
	"github.com/bufbuild/rpcpool/picker"
	"go.uber.org/zap"
)

const (
	defaultHealthCheckInterval  = 60 * time.Second
	defaultMaxConsecutiveErrors = 3
	defaultRequestTimeout       = 30 * time.Second
	defaultHealthCheckTimeout   = 10 * time.Second
)

// Option is an option used to customize the behavior of a pool.
type Option interface {
	apply(*poolOptions)
}

// WithRootContext configures the root context of the pool. If not
// specified, [context.Background] is used.
//
// Cancelling the context closes the pool, just as calling Close would:
// health checks stop, in-flight requests return ErrShuttingDown and every
// client the pool dialed is closed.
func WithRootContext(ctx context.Context) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.rootCtx = ctx
	})
}

// WithPicker configures the strategy used to choose an endpoint for each
// attempt. If no such option is provided, [picker.NewFailover] is used.
//
// Stateful pickers belong to one pool; pass a fresh picker to each pool.
func WithPicker(p picker.Picker) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.picker = p
	})
}

// WithHealthCheckInterval configures how often the health monitor probes
// endpoints once started with Pool.StartHealthCheck. The default is one
// minute.
func WithHealthCheckInterval(interval time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.healthCheckInterval = interval
	})
}

// WithMaxConsecutiveErrors configures how many failures in a row mark an
// endpoint unhealthy. The default is three.
func WithMaxConsecutiveErrors(n int) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.maxConsecutiveErrors = n
	})
}

// WithRequestTimeout limits each attempt of Pool.Execute. The caller's
// context may impose a shorter limit. The default is 30 seconds.
func WithRequestTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.requestTimeout = timeout
	})
}

// WithHealthCheckTimeout limits each health probe. The default is
// 10 seconds.
func WithHealthCheckTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.healthCheckTimeout = timeout
	})
}

// WithRetryDelay configures the base of the exponential backoff applied
// to failing endpoints. After k consecutive failures an endpoint is not
// probed again for min(delay * 2^k, 5m). The default is five seconds.
func WithRetryDelay(delay time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.retryDelay = delay
	})
}

// WithLogger configures the logger for pool events. If not specified,
// nothing is logged.
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
	rootCtx              context.Context //nolint:containedctx
	picker               picker.Picker
	healthCheckInterval  time.Duration
	maxConsecutiveErrors int
	requestTimeout       time.Duration
	healthCheckTimeout   time.Duration
	retryDelay           time.Duration
	logger               *zap.Logger
}

func (opts *poolOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.picker == nil {
		opts.picker = picker.NewFailover()
	}
	if opts.healthCheckInterval == 0 {
		opts.healthCheckInterval = defaultHealthCheckInterval
	}
	if opts.maxConsecutiveErrors == 0 {
		opts.maxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if opts.requestTimeout == 0 {
		opts.requestTimeout = defaultRequestTimeout
	}
	if opts.healthCheckTimeout == 0 {
		opts.healthCheckTimeout = defaultHealthCheckTimeout
	}
	if opts.retryDelay == 0 {
		opts.retryDelay = health.DefaultRetryDelay
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
}

func (opts *poolOptions) validate() error {
	switch {
	case opts.healthCheckInterval < 0:
		return &ConfigurationError{Reason: "health check interval must be positive"}
	case opts.maxConsecutiveErrors < 0:
		return &ConfigurationError{Reason: "max consecutive errors must be positive"}
	case opts.requestTimeout < 0:
		return &ConfigurationError{Reason: "request timeout must be positive"}
	case opts.healthCheckTimeout < 0:
		return &ConfigurationError{Reason: "health check timeout must be positive"}
	case opts.retryDelay < 0:
		return &ConfigurationError{Reason: "retry delay must be positive"}
	}
	return nil
}
