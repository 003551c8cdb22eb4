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

package wspool_test

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/rpcpool"
	"github.com/bufbuild/rpcpool/endpoint"
	"github.com/bufbuild/rpcpool/internal/clocktest"
	"github.com/bufbuild/rpcpool/wspool"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// ethService serves eth_subscribe for a wsNode.
type ethService struct {
	subscribed chan string

	mu   sync.Mutex
	subs map[string]map[rpc.ID]*rpc.Notifier
}

func newEthService() *ethService {
	return &ethService{
		subscribed: make(chan string, 16),
		subs:       map[string]map[rpc.ID]*rpc.Notifier{},
	}
}

func (s *ethService) NewHeads(ctx context.Context) (*rpc.Subscription, error) {
	return s.subscribe(ctx, "newHeads")
}

func (s *ethService) NewPendingTransactions(ctx context.Context) (*rpc.Subscription, error) {
	return s.subscribe(ctx, "newPendingTransactions")
}

func (s *ethService) Logs(ctx context.Context, _ map[string]any) (*rpc.Subscription, error) {
	return s.subscribe(ctx, "logs")
}

func (s *ethService) subscribe(ctx context.Context, kind string) (*rpc.Subscription, error) {
	notifier, ok := rpc.NotifierFromContext(ctx)
	if !ok {
		return nil, rpc.ErrNotificationsUnsupported
	}
	sub := notifier.CreateSubscription()
	s.mu.Lock()
	if s.subs[kind] == nil {
		s.subs[kind] = map[rpc.ID]*rpc.Notifier{}
	}
	s.subs[kind][sub.ID] = notifier
	s.mu.Unlock()
	go func() {
		<-sub.Err()
		s.mu.Lock()
		delete(s.subs[kind], sub.ID)
		s.mu.Unlock()
	}()
	s.subscribed <- kind
	return sub, nil
}

func (s *ethService) publish(kind string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, notifier := range s.subs[kind] {
		_ = notifier.Notify(id, value)
	}
}

// wsNode is a WebSocket JSON-RPC node that can be taken down and brought
// back.
type wsNode struct {
	service *ethService
	url     string
	down    atomic.Bool
	dials   atomic.Int64

	mu     sync.Mutex
	server *rpc.Server
}

func startNode(t *testing.T) *wsNode {
	t.Helper()
	node := &wsNode{service: newEthService()}
	node.server = node.newServer(t)
	httpServer := httptest.NewServer(node)
	t.Cleanup(httpServer.Close)
	t.Cleanup(func() {
		node.mu.Lock()
		defer node.mu.Unlock()
		node.server.Stop()
	})
	node.url = "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return node
}

func (n *wsNode) newServer(t *testing.T) *rpc.Server {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", n.service))
	return server
}

func (n *wsNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.dials.Add(1)
	if n.down.Load() {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	n.mu.Lock()
	server := n.server
	n.mu.Unlock()
	server.WebsocketHandler([]string{"*"}).ServeHTTP(w, r)
}

// drop closes every open connection and refuses new ones.
func (n *wsNode) drop() {
	n.down.Store(true)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.server.Stop()
}

func (n *wsNode) restore(t *testing.T) {
	t.Helper()
	n.mu.Lock()
	n.server = n.newServer(t)
	n.mu.Unlock()
	n.down.Store(false)
}

func (n *wsNode) awaitSubscribed(t *testing.T, kind string) {
	t.Helper()
	select {
	case got := <-n.service.subscribed:
		require.Equal(t, kind, got)
	case <-time.After(waitTimeout):
		t.Fatalf("no %s subscription on %s", kind, n.url)
	}
}

func wsEndpoint(t *testing.T, name, wsURL string, priority int) endpoint.Endpoint {
	t.Helper()
	return endpoint.New("https://" + name + ".example.com").
		WithName(name).
		WithPriority(priority).
		WithWebSocket(wsURL)
}

func newPool(t *testing.T, endpoints []endpoint.Endpoint, options ...wspool.Option) (*wspool.Pool, clocktest.FakeClock) {
	t.Helper()
	clock := clocktest.NewFakeClock()
	pool, err := wspool.NewWithClock(endpoints, clock, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return pool, clock
}

func header(number int64) *types.Header {
	return &types.Header{
		Number:     big.NewInt(number),
		Difficulty: big.NewInt(0),
		Extra:      []byte{},
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case value := <-ch:
		return value
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a notification")
	}
	var zero T
	return zero
}

func TestNewSelectsWebSocketEndpoints(t *testing.T) {
	t.Parallel()
	plain := endpoint.New("https://plain.example.com")
	endpoints := []endpoint.Endpoint{
		wsEndpoint(t, "low", "wss://low.example.com", 90),
		plain,
		wsEndpoint(t, "high", "wss://high.example.com", 10),
		wsEndpoint(t, "copy", "wss://high.example.com", 5),
		wsEndpoint(t, "mid", "wss://mid.example.com", 50),
	}
	pool, _ := newPool(t, endpoints)
	assert.Equal(t, 3, pool.Len())
	// The copy has a better priority but shares its URL with an earlier
	// endpoint, so it is dropped before sorting.
	assert.Equal(t, []string{"wss://high.example.com", "wss://mid.example.com", "wss://low.example.com"}, pool.URLs())
}

func TestNewWithoutWebSocketEndpoints(t *testing.T) {
	t.Parallel()
	plain := endpoint.New("https://plain.example.com")
	_, err := wspool.New([]endpoint.Endpoint{plain})
	require.ErrorIs(t, err, wspool.ErrNoWebSocketEndpoints)
	_, err = wspool.New(nil)
	require.ErrorIs(t, err, wspool.ErrNoWebSocketEndpoints)
}

func TestNewRejectsNegativeDelays(t *testing.T) {
	t.Parallel()
	endpoints := []endpoint.Endpoint{wsEndpoint(t, "a", "wss://a.example.com", 10)}
	for _, opt := range []wspool.Option{
		wspool.WithConnectTimeout(-time.Second),
		wspool.WithReconnectDelay(-time.Second),
		wspool.WithMaxReconnectDelay(-time.Second),
	} {
		_, err := wspool.New(endpoints, opt)
		var configErr *rpcpool.ConfigurationError
		require.ErrorAs(t, err, &configErr)
	}
}

func TestSubscribeNewHeadsFailsOver(t *testing.T) {
	t.Parallel()
	nodeA, nodeB := startNode(t), startNode(t)
	pool, _ := newPool(t, []endpoint.Endpoint{
		wsEndpoint(t, "b", nodeB.url, 20),
		wsEndpoint(t, "a", nodeA.url, 10),
	})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	heads := make(chan *types.Header, 8)
	sub, err := pool.SubscribeNewHeads(ctx, heads)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	nodeA.awaitSubscribed(t, "newHeads")
	assert.Equal(t, "a", sub.Endpoint().Name)
	assert.Zero(t, nodeB.dials.Load())

	nodeA.service.publish("newHeads", header(100))
	assert.Equal(t, int64(100), receive(t, heads).Number.Int64())

	nodeA.drop()
	nodeB.awaitSubscribed(t, "newHeads")
	nodeB.service.publish("newHeads", header(101))
	assert.Equal(t, int64(101), receive(t, heads).Number.Int64())
	assert.Equal(t, "b", sub.Endpoint().Name)
	assert.Equal(t, uint64(1), sub.Reconnects())
}

func TestSubscribeSkipsUnreachableEndpoint(t *testing.T) {
	t.Parallel()
	nodeA, nodeB := startNode(t), startNode(t)
	nodeA.down.Store(true)
	pool, _ := newPool(t, []endpoint.Endpoint{
		wsEndpoint(t, "a", nodeA.url, 10),
		wsEndpoint(t, "b", nodeB.url, 20),
	})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	heads := make(chan *types.Header, 8)
	sub, err := pool.SubscribeNewHeads(ctx, heads)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	nodeB.awaitSubscribed(t, "newHeads")
	assert.Equal(t, "b", sub.Endpoint().Name)
	assert.Equal(t, int64(1), nodeA.dials.Load())
	assert.Zero(t, sub.Reconnects())
}

func TestSubscribeFailsWhenEveryEndpointIsDown(t *testing.T) {
	t.Parallel()
	nodeA, nodeB := startNode(t), startNode(t)
	nodeA.down.Store(true)
	nodeB.down.Store(true)
	pool, _ := newPool(t, []endpoint.Endpoint{
		wsEndpoint(t, "a", nodeA.url, 10),
		wsEndpoint(t, "b", nodeB.url, 20),
	})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	_, err := pool.SubscribeNewHeads(ctx, make(chan *types.Header))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 endpoints failed")
	assert.Equal(t, int64(1), nodeA.dials.Load())
	assert.Equal(t, int64(1), nodeB.dials.Load())
}

func TestReconnectBacksOff(t *testing.T) {
	t.Parallel()
	nodeA, nodeB := startNode(t), startNode(t)
	nodeB.down.Store(true)
	pool, clock := newPool(t, []endpoint.Endpoint{
		wsEndpoint(t, "a", nodeA.url, 10),
		wsEndpoint(t, "b", nodeB.url, 20),
	})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	heads := make(chan *types.Header, 8)
	sub, err := pool.SubscribeNewHeads(ctx, heads)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	nodeA.awaitSubscribed(t, "newHeads")

	nodeA.drop()
	// Both endpoints fail the first round, so the subscription waits for
	// the reconnect delay.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int64(1), nodeB.dials.Load())
	assert.Equal(t, int64(2), nodeA.dials.Load())
	assert.Zero(t, sub.Reconnects())

	nodeB.restore(t)
	clock.Advance(wspool.DefaultReconnectDelay)
	nodeB.awaitSubscribed(t, "newHeads")
	nodeB.service.publish("newHeads", header(7))
	assert.Equal(t, int64(7), receive(t, heads).Number.Int64())
	assert.Equal(t, "b", sub.Endpoint().Name)
	assert.Equal(t, uint64(1), sub.Reconnects())
}

func TestSubscribeLogsAndPendingTransactions(t *testing.T) {
	t.Parallel()
	node := startNode(t)
	pool, _ := newPool(t, []endpoint.Endpoint{wsEndpoint(t, "a", node.url, 10)})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	logs := make(chan types.Log, 8)
	logSub, err := pool.SubscribeLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress("0x01")},
	}, logs)
	require.NoError(t, err)
	defer logSub.Unsubscribe()
	node.awaitSubscribed(t, "logs")

	hashes := make(chan common.Hash, 8)
	txSub, err := pool.SubscribePendingTransactions(ctx, hashes)
	require.NoError(t, err)
	defer txSub.Unsubscribe()
	node.awaitSubscribed(t, "newPendingTransactions")

	address := common.HexToAddress("0x01")
	node.service.publish("logs", types.Log{
		Address:     address,
		Topics:      []common.Hash{},
		Data:        []byte{},
		BlockNumber: 12,
	})
	got := receive(t, logs)
	assert.Equal(t, address, got.Address)
	assert.Equal(t, uint64(12), got.BlockNumber)

	hash := common.HexToHash("0xabc")
	node.service.publish("newPendingTransactions", hash)
	assert.Equal(t, hash, receive(t, hashes))
}

func TestCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()
	node := startNode(t)
	pool, _ := newPool(t, []endpoint.Endpoint{wsEndpoint(t, "a", node.url, 10)})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	sub, err := pool.SubscribeNewHeads(ctx, make(chan *types.Header, 1))
	require.NoError(t, err)
	node.awaitSubscribed(t, "newHeads")

	require.NoError(t, pool.Close())
	assert.True(t, pool.Closed())
	assert.ErrorIs(t, receive(t, sub.Err()), wspool.ErrClosed)
	_, open := <-sub.Err()
	assert.False(t, open)
	sub.Unsubscribe()
	require.NoError(t, pool.Close())

	_, err = pool.SubscribeNewHeads(ctx, make(chan *types.Header))
	require.ErrorIs(t, err, wspool.ErrClosed)
}

func TestRootContextClosesPool(t *testing.T) {
	t.Parallel()
	node := startNode(t)
	root, cancelRoot := context.WithCancel(context.Background())
	pool, _ := newPool(t, []endpoint.Endpoint{wsEndpoint(t, "a", node.url, 10)}, wspool.WithRootContext(root))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	sub, err := pool.SubscribeNewHeads(ctx, make(chan *types.Header, 1))
	require.NoError(t, err)
	node.awaitSubscribed(t, "newHeads")

	cancelRoot()
	assert.ErrorIs(t, receive(t, sub.Err()), wspool.ErrClosed)
	assert.Eventually(t, pool.Closed, waitTimeout, 10*time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	node := startNode(t)
	pool, _ := newPool(t, []endpoint.Endpoint{wsEndpoint(t, "a", node.url, 10)})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	sub, err := pool.SubscribeNewHeads(ctx, make(chan *types.Header))
	require.NoError(t, err)
	node.awaitSubscribed(t, "newHeads")

	sub.Unsubscribe()
	sub.Unsubscribe()
	err, open := <-sub.Err()
	assert.False(t, open)
	assert.NoError(t, err)
	assert.False(t, pool.Closed())
}
