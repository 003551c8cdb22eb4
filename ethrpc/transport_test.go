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

package ethrpc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bufbuild/rpcpool"
	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/ethrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type fakeNode struct {
	blockNumber uint64
	chainID     uint64
	down        atomic.Bool
	requests    atomic.Int64
	http2       atomic.Bool
	apiKey      atomic.Value
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.requests.Add(1)
	n.http2.Store(r.ProtoMajor == 2)
	n.apiKey.Store(r.Header.Get("X-Api-Key"))
	if n.down.Load() {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "eth_blockNumber":
		resp["result"] = fmt.Sprintf("0x%x", n.blockNumber)
	case "eth_chainId":
		resp["result"] = fmt.Sprintf("0x%x", n.chainID)
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func startNode(t *testing.T, node *fakeNode) string {
	t.Helper()
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)
	return server.URL
}

func TestTransportProbe(t *testing.T) {
	t.Parallel()
	node := &fakeNode{blockNumber: 0x10, chainID: 1}
	url := startNode(t, node)
	transport := ethrpc.NewTransport()
	ctx := context.Background()

	client, err := transport.Dial(ctx, endpoint.New(url))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, transport.Close(client))
	})
	require.NoError(t, transport.Probe(ctx, client))
	number, err := client.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), number)
	assert.Equal(t, url, client.Endpoint().URL)

	node.down.Store(true)
	err = transport.Probe(ctx, client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eth_blockNumber")
}

func TestTransportChainIDCheck(t *testing.T) {
	t.Parallel()
	url := startNode(t, &fakeNode{blockNumber: 1, chainID: 1})
	ctx := context.Background()
	ep := endpoint.New(url).WithChainID(42161)

	checking := ethrpc.NewTransport(ethrpc.WithChainIDCheck())
	client, err := checking.Dial(ctx, ep)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = checking.Close(client)
	})
	require.ErrorIs(t, checking.Probe(ctx, client), ethrpc.ErrChainMismatch)

	mainnet, err := checking.Dial(ctx, endpoint.New(url).WithChainID(1))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = checking.Close(mainnet)
	})
	require.NoError(t, checking.Probe(ctx, mainnet))

	lenient := ethrpc.NewTransport()
	require.NoError(t, lenient.Probe(ctx, client))
}

func TestTransportHeaders(t *testing.T) {
	t.Parallel()
	node := &fakeNode{blockNumber: 1}
	url := startNode(t, node)
	transport := ethrpc.NewTransport(ethrpc.WithHeader("X-Api-Key", "secret"))
	client, err := transport.Dial(context.Background(), endpoint.New(url))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = transport.Close(client)
	})
	require.NoError(t, transport.Probe(context.Background(), client))
	assert.Equal(t, "secret", node.apiKey.Load())
}

func TestTransportH2C(t *testing.T) {
	t.Parallel()
	node := &fakeNode{blockNumber: 7}
	server := httptest.NewServer(h2c.NewHandler(node, &http2.Server{}))
	t.Cleanup(server.Close)
	url := "h2c://" + strings.TrimPrefix(server.URL, "http://")

	transport := ethrpc.NewTransport()
	client, err := transport.Dial(context.Background(), endpoint.New(url))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = transport.Close(client)
	})
	require.NoError(t, transport.Probe(context.Background(), client))
	assert.True(t, node.http2.Load())
}

func TestTransportRejectsUnknownScheme(t *testing.T) {
	t.Parallel()
	transport := ethrpc.NewTransport()
	_, err := transport.Dial(context.Background(), endpoint.New("ftp://node.example.com"))
	require.Error(t, err)
	_, err = transport.Dial(context.Background(), endpoint.New("node.example.com"))
	require.Error(t, err)
}

func TestPoolFailsOverBetweenNodes(t *testing.T) {
	t.Parallel()
	down := &fakeNode{blockNumber: 100}
	down.down.Store(true)
	up := &fakeNode{blockNumber: 101}
	endpoints := []endpoint.Endpoint{
		endpoint.New(startNode(t, down)).WithName("down").WithPriority(1),
		endpoint.New(startNode(t, up)).WithName("up").WithPriority(2),
	}
	pool, err := rpcpool.New(ethrpc.NewTransport(), endpoints)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, pool.Close())
	})

	number, err := rpcpool.Call(context.Background(), pool, func(ctx context.Context, client *ethrpc.Client) (uint64, error) {
		return client.BlockNumber(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(101), number)
	metrics := pool.Metrics()
	assert.Equal(t, uint64(1), metrics.Failovers)
	assert.Equal(t, "up", metrics.CurrentEndpoint)
	assert.Equal(t, int64(1), down.requests.Load())
	assert.Contains(t, metrics.Endpoints[0].LastError, "503")
}
