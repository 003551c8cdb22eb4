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

package prommetrics_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/bufbuild/rpcpool"
	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/internal/pooltesting"
	"github.com/bufbuild/rpcpool/prommetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExportsPool(t *testing.T) {
	t.Parallel()
	pool, err := rpcpool.New(pooltesting.NewFakeTransport(), []endpoint.Endpoint{
		endpoint.New("https://a").WithName("A").WithPriority(1),
		endpoint.New("https://b").WithName("B").WithPriority(2),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, pool.Close())
	})
	err = pool.Execute(context.Background(), func(_ context.Context, client *pooltesting.FakeClient) error {
		if client.URL() == "https://a" {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)

	collector := prommetrics.NewCollector()
	collector.Add("mainnet", pool)
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(collector))
	values := gather(t, registry)

	assert.Equal(t, map[string]float64{
		`rpcpool_requests_total{pool="mainnet"}`:                                             1,
		`rpcpool_failovers_total{pool="mainnet"}`:                                            1,
		`rpcpool_healthy_endpoints{pool="mainnet"}`:                                          2,
		`rpcpool_endpoint_requests_total{endpoint="A",pool="mainnet",url="https://a"}`:       1,
		`rpcpool_endpoint_requests_total{endpoint="B",pool="mainnet",url="https://b"}`:       1,
		`rpcpool_endpoint_failures_total{endpoint="A",pool="mainnet",url="https://a"}`:       1,
		`rpcpool_endpoint_failures_total{endpoint="B",pool="mainnet",url="https://b"}`:       0,
		`rpcpool_endpoint_healthy{endpoint="A",pool="mainnet",url="https://a"}`:              1,
		`rpcpool_endpoint_healthy{endpoint="B",pool="mainnet",url="https://b"}`:              1,
		`rpcpool_endpoint_current{endpoint="A",pool="mainnet",url="https://a"}`:              0,
		`rpcpool_endpoint_current{endpoint="B",pool="mainnet",url="https://b"}`:              1,
		`rpcpool_endpoint_consecutive_errors{endpoint="A",pool="mainnet",url="https://a"}`:   1,
		`rpcpool_endpoint_consecutive_errors{endpoint="B",pool="mainnet",url="https://b"}`:   0,
		`rpcpool_endpoint_latency_milliseconds{endpoint="A",pool="mainnet",url="https://a"}`: 0,
	}, withoutKey(values, `rpcpool_endpoint_latency_milliseconds{endpoint="B",pool="mainnet",url="https://b"}`))
}

func TestCollectorCurrentEndpointWithSharedName(t *testing.T) {
	t.Parallel()
	pool, err := rpcpool.New(pooltesting.NewFakeTransport(), []endpoint.Endpoint{
		endpoint.New("https://a").WithName("alchemy").WithPriority(1),
		endpoint.New("https://b").WithName("alchemy").WithPriority(2),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, pool.Close())
	})
	require.NoError(t, pool.Execute(context.Background(), func(context.Context, *pooltesting.FakeClient) error {
		return nil
	}))

	collector := prommetrics.NewCollector()
	collector.Add("mainnet", pool)
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(collector))
	values := gather(t, registry)

	assert.InDelta(t, 1, values[`rpcpool_endpoint_current{endpoint="alchemy",pool="mainnet",url="https://a"}`], 0)
	assert.InDelta(t, 0, values[`rpcpool_endpoint_current{endpoint="alchemy",pool="mainnet",url="https://b"}`], 0)
	assert.Contains(t, values, `rpcpool_endpoint_current{endpoint="alchemy",pool="mainnet",url="https://b"}`)
}

func TestCollectorSources(t *testing.T) {
	t.Parallel()
	snapshot := func(requests uint64) prommetrics.SourceFunc {
		return func() rpcpool.PoolMetrics {
			return rpcpool.PoolMetrics{TotalRequests: requests}
		}
	}
	collector := prommetrics.NewCollector(
		prommetrics.WithNamespace("indexer"),
		prommetrics.WithConstLabels(prometheus.Labels{"chain": "arbitrum"}),
	)
	collector.Add("premium", snapshot(3))
	collector.Add("free", snapshot(5))
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(collector))

	values := gather(t, registry)
	assert.InDelta(t, 3, values[`indexer_requests_total{chain="arbitrum",pool="premium"}`], 0)
	assert.InDelta(t, 5, values[`indexer_requests_total{chain="arbitrum",pool="free"}`], 0)

	collector.Add("free", snapshot(8))
	collector.Remove("premium")
	values = gather(t, registry)
	assert.InDelta(t, 8, values[`indexer_requests_total{chain="arbitrum",pool="free"}`], 0)
	assert.NotContains(t, values, `indexer_requests_total{chain="arbitrum",pool="premium"}`)
}

// gather scrapes registry and returns every sample keyed by its name and
// sorted labels.
func gather(t *testing.T, registry *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", label.GetName(), label.GetValue()))
			}
			key := family.GetName() + "{" + strings.Join(labels, ",") + "}"
			switch {
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return values
}

func withoutKey(values map[string]float64, key string) map[string]float64 {
	delete(values, key)
	return values
}
