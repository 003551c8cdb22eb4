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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bufbuild/rpcpool"
	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/ethrpc"
	"github.com/bufbuild/rpcpool/picker"
	"github.com/bufbuild/rpcpool/tiered"
	"github.com/bufbuild/rpcpool/wspool"
	"github.com/samber/lo"
)

// Strategies that can be named in a file.
const (
	StrategyFailover   = "failover"
	StrategyRoundRobin = "round_robin"
	StrategyLatency    = "latency"
	StrategyRateAware  = "rate_aware"
)

// Defaults written into a parsed Config for omitted values.
const (
	DefaultHealthCheckIntervalMs = 60_000
	DefaultMaxConsecutiveErrors  = 3
	DefaultRequestTimeoutMs      = 30_000
	DefaultHealthCheckTimeoutMs  = 10_000
	DefaultRetryDelayMs          = 5_000
)

// Config is the content of a configuration file.
type Config struct {
	Pool      PoolConfig       `toml:"pool"`
	Transport TransportConfig  `toml:"transport"`
	Endpoints []EndpointConfig `toml:"endpoints"`
}

// PoolConfig holds the options of a pool. The tier settings only apply
// to tiered pools.
type PoolConfig struct {
	Strategy              string `toml:"strategy"`
	HealthCheckIntervalMs int64  `toml:"health_check_interval_ms"`
	MaxConsecutiveErrors  int    `toml:"max_consecutive_errors"`
	RequestTimeoutMs      int64  `toml:"request_timeout_ms"`
	HealthCheckTimeoutMs  int64  `toml:"health_check_timeout_ms"`
	RetryDelayMs          int64  `toml:"retry_delay_ms"`
	AllowCriticalFallback *bool  `toml:"allow_critical_fallback"`
	AllowLowEscalation    bool   `toml:"allow_low_escalation"`
}

// TransportConfig holds the options of the go-ethereum transport.
type TransportConfig struct {
	Headers             map[string]string `toml:"headers"`
	IdleConnTimeoutMs   int64             `toml:"idle_conn_timeout_ms"`
	MaxConnsPerEndpoint int               `toml:"max_conns_per_endpoint"`
	CheckChainID        bool              `toml:"check_chain_id"`
}

// EndpointConfig describes one endpoint.
type EndpointConfig struct {
	URL  string `toml:"url"`
	Name string `toml:"name"`
	// Priority defaults to endpoint.DefaultPriority, or to the tier's
	// default priority for tiered pools.
	Priority  *int    `toml:"priority"`
	ChainID   uint64  `toml:"chain_id"`
	Weight    int     `toml:"weight"`
	WSURL     string  `toml:"ws_url"`
	RateLimit float64 `toml:"rate_limit"`
	Tier      string  `toml:"tier"`
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &rpcpool.ConfigurationError{Reason: "reading config file", Err: err}
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it and fills in
// defaults. Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	meta, err := toml.Decode(os.ExpandEnv(string(data)), &cfg)
	if err != nil {
		return nil, &rpcpool.ConfigurationError{Reason: "parsing config file", Err: err}
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := lo.Map(undecoded, func(key toml.Key, _ int) string { return key.String() })
		return nil, &rpcpool.ConfigurationError{Reason: "unknown keys: " + strings.Join(keys, ", ")}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	pool := &c.Pool
	if pool.Strategy == "" {
		pool.Strategy = StrategyFailover
	}
	if pool.HealthCheckIntervalMs == 0 {
		pool.HealthCheckIntervalMs = DefaultHealthCheckIntervalMs
	}
	if pool.MaxConsecutiveErrors == 0 {
		pool.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if pool.RequestTimeoutMs == 0 {
		pool.RequestTimeoutMs = DefaultRequestTimeoutMs
	}
	if pool.HealthCheckTimeoutMs == 0 {
		pool.HealthCheckTimeoutMs = DefaultHealthCheckTimeoutMs
	}
	if pool.RetryDelayMs == 0 {
		pool.RetryDelayMs = DefaultRetryDelayMs
	}
	if pool.AllowCriticalFallback == nil {
		pool.AllowCriticalFallback = lo.ToPtr(true)
	}
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return &rpcpool.ConfigurationError{Reason: "no endpoints configured"}
	}
	if _, err := newPicker(c.Pool.Strategy); err != nil {
		return &rpcpool.ConfigurationError{Reason: "pool.strategy", Err: err}
	}
	limits := []struct {
		key   string
		value int64
	}{
		{"pool.health_check_interval_ms", c.Pool.HealthCheckIntervalMs},
		{"pool.max_consecutive_errors", int64(c.Pool.MaxConsecutiveErrors)},
		{"pool.request_timeout_ms", c.Pool.RequestTimeoutMs},
		{"pool.health_check_timeout_ms", c.Pool.HealthCheckTimeoutMs},
		{"pool.retry_delay_ms", c.Pool.RetryDelayMs},
		{"transport.idle_conn_timeout_ms", c.Transport.IdleConnTimeoutMs},
		{"transport.max_conns_per_endpoint", int64(c.Transport.MaxConnsPerEndpoint)},
	}
	for _, limit := range limits {
		if limit.value < 0 {
			return &rpcpool.ConfigurationError{Reason: limit.key + " must not be negative"}
		}
	}
	for i, ep := range c.Endpoints {
		if ep.URL == "" {
			return &rpcpool.ConfigurationError{Reason: fmt.Sprintf("endpoints[%d]: missing url", i)}
		}
		if ep.RateLimit < 0 {
			return &rpcpool.ConfigurationError{Reason: fmt.Sprintf("endpoints[%d]: rate_limit must not be negative", i)}
		}
		if _, err := tiered.ParseTier(ep.Tier); err != nil {
			return &rpcpool.ConfigurationError{Reason: fmt.Sprintf("endpoints[%d]", i), Err: err}
		}
	}
	return nil
}

// PoolEndpoints returns the configured endpoints, ignoring tiers.
func (c *Config) PoolEndpoints() []endpoint.Endpoint {
	return lo.Map(c.Endpoints, func(ep EndpointConfig, _ int) endpoint.Endpoint {
		return ep.endpoint(endpoint.DefaultPriority)
	})
}

// TieredEndpoints returns the configured endpoints with their tiers.
// Endpoints without a priority get their tier's default.
func (c *Config) TieredEndpoints() []tiered.Endpoint {
	return lo.Map(c.Endpoints, func(ep EndpointConfig, _ int) tiered.Endpoint {
		// Validate has checked the tier.
		tier, _ := tiered.ParseTier(ep.Tier)
		return tiered.Endpoint{Endpoint: ep.endpoint(tierPriority(tier)), Tier: tier}
	})
}

func tierPriority(tier tiered.Tier) int {
	switch tier {
	case tiered.Premium:
		return tiered.PremiumPriority
	case tiered.Free:
		return tiered.FreePriority
	default:
		return tiered.StandardPriority
	}
}

func (ep EndpointConfig) endpoint(defaultPriority int) endpoint.Endpoint {
	e := endpoint.New(ep.URL).
		WithPriority(lo.FromPtrOr(ep.Priority, defaultPriority)).
		WithChainID(ep.ChainID).
		WithRateLimit(ep.RateLimit)
	if ep.Name != "" {
		e = e.WithName(ep.Name)
	}
	if ep.WSURL != "" {
		e = e.WithWebSocket(ep.WSURL)
	}
	e.Weight = ep.Weight
	return e
}

// PoolOptions returns the options of a single pool. Every call creates a
// new picker, so the options can configure several pools.
func (c *Config) PoolOptions() []rpcpool.Option {
	// Validate has checked the strategy.
	p, _ := newPicker(c.Pool.Strategy)
	return append(c.sharedPoolOptions(), rpcpool.WithPicker(p))
}

func (c *Config) sharedPoolOptions() []rpcpool.Option {
	return []rpcpool.Option{
		rpcpool.WithHealthCheckInterval(millis(c.Pool.HealthCheckIntervalMs)),
		rpcpool.WithMaxConsecutiveErrors(c.Pool.MaxConsecutiveErrors),
		rpcpool.WithRequestTimeout(millis(c.Pool.RequestTimeoutMs)),
		rpcpool.WithHealthCheckTimeout(millis(c.Pool.HealthCheckTimeoutMs)),
		rpcpool.WithRetryDelay(millis(c.Pool.RetryDelayMs)),
	}
}

// TieredOptions returns the options of a tiered pool. The strategy is
// not used: tiered pools choose pickers by tier.
func (c *Config) TieredOptions() []tiered.Option {
	return []tiered.Option{
		tiered.WithPoolOptions(c.sharedPoolOptions()...),
		tiered.WithCriticalFallback(lo.FromPtrOr(c.Pool.AllowCriticalFallback, true)),
		tiered.WithLowEscalation(c.Pool.AllowLowEscalation),
	}
}

// TransportOptions returns the options of the go-ethereum transport.
func (c *Config) TransportOptions() []ethrpc.Option {
	var options []ethrpc.Option
	for _, key := range lo.Keys(c.Transport.Headers) {
		options = append(options, ethrpc.WithHeader(key, c.Transport.Headers[key]))
	}
	if c.Transport.IdleConnTimeoutMs > 0 {
		options = append(options, ethrpc.WithIdleConnTimeout(millis(c.Transport.IdleConnTimeoutMs)))
	}
	if c.Transport.MaxConnsPerEndpoint > 0 {
		options = append(options, ethrpc.WithMaxConnsPerEndpoint(c.Transport.MaxConnsPerEndpoint))
	}
	if c.Transport.CheckChainID {
		options = append(options, ethrpc.WithChainIDCheck())
	}
	return options
}

// NewPool creates a pool of go-ethereum clients from c. The options are
// applied after the configured ones.
func NewPool(c *Config, options ...rpcpool.Option) (*rpcpool.Pool[*ethrpc.Client], error) {
	transport := ethrpc.NewTransport(c.TransportOptions()...)
	return rpcpool.New(transport, c.PoolEndpoints(), append(c.PoolOptions(), options...)...)
}

// NewTieredPool creates a tiered pool of go-ethereum clients from c. The
// options are applied after the configured ones.
func NewTieredPool(c *Config, options ...tiered.Option) (*tiered.Pool[*ethrpc.Client], error) {
	transport := ethrpc.NewTransport(c.TransportOptions()...)
	return tiered.New(transport, c.TieredEndpoints(), append(c.TieredOptions(), options...)...)
}

// SubscriptionOptions returns the options of a WebSocket subscription
// pool. The transport headers are sent with every handshake.
func (c *Config) SubscriptionOptions() []wspool.Option {
	var options []wspool.Option
	for _, key := range lo.Keys(c.Transport.Headers) {
		options = append(options, wspool.WithHeader(key, c.Transport.Headers[key]))
	}
	return options
}

// NewSubscriptionPool creates a WebSocket subscription pool over the
// configured endpoints that have a ws_url. The options are applied after
// the configured ones.
func NewSubscriptionPool(c *Config, options ...wspool.Option) (*wspool.Pool, error) {
	return wspool.New(c.PoolEndpoints(), append(c.SubscriptionOptions(), options...)...)
}

func newPicker(strategy string) (picker.Picker, error) {
	switch strategy {
	case StrategyFailover:
		return picker.NewFailover(), nil
	case StrategyRoundRobin:
		return picker.NewRoundRobin(), nil
	case StrategyLatency:
		return picker.NewLatencyBased(), nil
	case StrategyRateAware:
		return picker.NewRateAware(), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
