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

package tiered

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bufbuild/rpcpool"
	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/picker"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNoTiers is returned when there is no pool to serve a request: no
// endpoints were given to New, or none of the tiers a priority may use
// has endpoints.
var ErrNoTiers = errors.New("tiered: no tier available")

// Option is an option used to customize a tiered Pool.
type Option interface {
	apply(*tieredOptions)
}

// WithCriticalFallback configures whether Critical requests may fall back
// to the Standard and Free tiers when the Premium tier fails. It is
// enabled by default.
func WithCriticalFallback(allow bool) Option {
	return optionFunc(func(opts *tieredOptions) {
		opts.allowCriticalFallback = allow
	})
}

// WithLowEscalation configures whether Low requests may escalate to the
// Standard and Premium tiers when the Free tier fails. It is disabled by
// default, since it spends paid quota on unimportant requests.
func WithLowEscalation(allow bool) Option {
	return optionFunc(func(opts *tieredOptions) {
		opts.allowLowEscalation = allow
	})
}

// WithPoolOptions configures options applied to the pool of every tier.
// Picker options are ignored: the picker is chosen by tier.
func WithPoolOptions(options ...rpcpool.Option) Option {
	return optionFunc(func(opts *tieredOptions) {
		opts.poolOptions = append(opts.poolOptions, options...)
	})
}

// WithLogger configures the logger. Each tier's pool logs through it with
// a "tier" field.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *tieredOptions) {
		opts.logger = logger
	})
}

type optionFunc func(*tieredOptions)

func (f optionFunc) apply(opts *tieredOptions) {
	f(opts)
}

type tieredOptions struct {
	allowCriticalFallback bool
	allowLowEscalation    bool
	poolOptions           []rpcpool.Option
	logger                *zap.Logger
}

// Pool is a set of pools, one per tier that has endpoints.
type Pool[C any] struct {
	pools                 map[Tier]*rpcpool.Pool[C]
	allowCriticalFallback bool
	allowLowEscalation    bool
	logger                *zap.Logger
}

// New creates a pool for every tier that has endpoints. An endpoint whose
// URL was already given, in any tier, is dropped. Free endpoints have
// their priority adjusted by their capability grade.
func New[C any](transport rpcpool.Transport[C], endpoints []Endpoint, options ...Option) (*Pool[C], error) {
	opts := tieredOptions{allowCriticalFallback: true}
	for _, opt := range options {
		opt.apply(&opts)
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}

	seen := make(map[string]struct{}, len(endpoints))
	deduped := make([]Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if _, ok := seen[ep.URL]; ok {
			opts.logger.Warn("dropping duplicate endpoint",
				zap.String("url", ep.URL),
				zap.String("endpoint", ep.DisplayName()),
				zap.Stringer("tier", ep.Tier),
			)
			continue
		}
		seen[ep.URL] = struct{}{}
		if ep.Tier == Free {
			if adjusted := ep.AdjustedPriority(); adjusted != ep.Priority {
				opts.logger.Debug("adjusting endpoint priority",
					zap.String("endpoint", ep.DisplayName()),
					zap.Stringer("grade", ep.Capabilities.Grade()),
					zap.Int("old_priority", ep.Priority),
					zap.Int("new_priority", adjusted),
				)
				ep.Priority = adjusted
			}
		}
		deduped = append(deduped, ep)
	}
	if len(deduped) == 0 {
		return nil, ErrNoTiers
	}

	byTier := lo.GroupBy(deduped, func(ep Endpoint) Tier { return ep.Tier })
	pool := &Pool[C]{
		pools:                 make(map[Tier]*rpcpool.Pool[C], len(byTier)),
		allowCriticalFallback: opts.allowCriticalFallback,
		allowLowEscalation:    opts.allowLowEscalation,
		logger:                opts.logger,
	}
	for _, tier := range allTiers {
		members, ok := byTier[tier]
		if !ok {
			continue
		}
		logger := opts.logger.With(zap.Stringer("tier", tier))
		poolOptions := append(slices.Clip(opts.poolOptions),
			rpcpool.WithPicker(pickerFor(tier)),
			rpcpool.WithLogger(logger),
		)
		tierPool, err := rpcpool.New(transport, lo.Map(members, func(ep Endpoint, _ int) endpoint.Endpoint {
			return ep.Endpoint
		}), poolOptions...)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("tier %s: %w", tier, err), pool.Close())
		}
		pool.pools[tier] = tierPool
		logger.Info("tier configured", zap.Int("endpoints", len(members)))
	}
	return pool, nil
}

// pickerFor returns the picker for a tier. Paid tiers use the best
// endpoint available; the free tier rotates to stay within rate limits.
func pickerFor(tier Tier) picker.Picker {
	if tier == Free {
		return picker.NewRateAware()
	}
	return picker.NewFailover()
}

// Order returns the tiers a request of the given priority may use, in
// the order they are tried. Tiers without endpoints are included.
func (p *Pool[C]) Order(priority Priority) []Tier {
	switch priority {
	case Critical:
		if p.allowCriticalFallback {
			return []Tier{Premium, Standard, Free}
		}
		return []Tier{Premium}
	case Low:
		if p.allowLowEscalation {
			return []Tier{Free, Standard, Premium}
		}
		return []Tier{Free}
	default:
		return []Tier{Standard, Free}
	}
}

// Execute runs op on the pool of the first tier, in the priority's
// order, that can serve it. A tier fails over between its own endpoints
// first; only when all of them fail does the next tier get the request.
// The error of the last tier tried is returned if every tier fails.
func (p *Pool[C]) Execute(ctx context.Context, priority Priority, op func(ctx context.Context, client C) error) error {
	var lastErr error
	var tried []Tier
	for _, tier := range p.Order(priority) {
		pool, ok := p.pools[tier]
		if !ok {
			p.logger.Debug("tier not configured", zap.Stringer("tier", tier))
			continue
		}
		tried = append(tried, tier)
		err := pool.Execute(ctx, op)
		if err == nil {
			return nil
		}
		if errors.Is(err, rpcpool.ErrShuttingDown) || ctx.Err() != nil {
			return err
		}
		p.logger.Warn("tier failed",
			zap.Stringer("tier", tier),
			zap.Stringer("priority", priority),
			zap.Error(err),
		)
		lastErr = err
	}
	if lastErr == nil {
		return fmt.Errorf("%w for %s requests", ErrNoTiers, priority)
	}
	p.logger.Warn("all tiers failed",
		zap.Stringer("priority", priority),
		zap.Stringers("tried", tried),
		zap.Error(lastErr),
	)
	return lastErr
}

// Call is Execute for operations that produce a value.
func Call[T, C any](ctx context.Context, pool *Pool[C], priority Priority, op func(ctx context.Context, client C) (T, error)) (T, error) {
	var (
		mu     sync.Mutex
		result T
	)
	err := pool.Execute(ctx, priority, func(ctx context.Context, client C) error {
		value, err := op(ctx, client)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
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

// Pool returns the pool of a tier, if the tier has endpoints.
func (p *Pool[C]) Pool(tier Tier) (*rpcpool.Pool[C], bool) {
	pool, ok := p.pools[tier]
	return pool, ok
}

// AvailableTiers returns the tiers that have endpoints, best first.
func (p *Pool[C]) AvailableTiers() []Tier {
	tiers := lo.Keys(p.pools)
	slices.Sort(tiers)
	return tiers
}

// TierCounts returns the number of endpoints in each tier that has any.
func (p *Pool[C]) TierCounts() map[Tier]int {
	return lo.MapValues(p.pools, func(pool *rpcpool.Pool[C], _ Tier) int {
		return len(pool.URLs())
	})
}

// Metrics returns a snapshot of every tier's pool.
func (p *Pool[C]) Metrics() map[Tier]rpcpool.PoolMetrics {
	return lo.MapValues(p.pools, func(pool *rpcpool.Pool[C], _ Tier) rpcpool.PoolMetrics {
		return pool.Metrics()
	})
}

// StartHealthChecks starts the health monitor of every tier.
func (p *Pool[C]) StartHealthChecks() error {
	var err error
	for _, tier := range p.AvailableTiers() {
		if startErr := p.pools[tier].StartHealthCheck(); startErr != nil {
			err = multierr.Append(err, fmt.Errorf("tier %s: %w", tier, startErr))
		}
	}
	return err
}

// Close closes the pool of every tier.
func (p *Pool[C]) Close() error {
	var err error
	for _, tier := range p.AvailableTiers() {
		if closeErr := p.pools[tier].Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("tier %s: %w", tier, closeErr))
		}
	}
	return err
}
