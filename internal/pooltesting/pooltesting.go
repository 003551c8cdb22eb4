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

// Package pooltesting provides a fake transport for exercising pools
// without a network.
package pooltesting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/rpcpool/endpoint"
)

// FakeClient is the client handed out by FakeTransport. Clients are
// numbered in the order they are dialed, starting at 1.
type FakeClient struct {
	Index    int
	Endpoint endpoint.Endpoint

	closed atomic.Bool
}

// URL is the URL of the endpoint the client was dialed for.
func (c *FakeClient) URL() string {
	return c.Endpoint.URL
}

// Closed reports whether the transport closed this client.
func (c *FakeClient) Closed() bool {
	return c.closed.Load()
}

// FakeTransport implements rpcpool.Transport[*FakeClient]. Dials and
// probes succeed unless an error is scripted for the endpoint's URL.
type FakeTransport struct {
	// ProbeFunc, if set, replaces the default probe behavior. It should be
	// set before any probe runs.
	ProbeFunc func(ctx context.Context, client *FakeClient) error // +checklocksignore: set before use.

	probed chan string

	mu sync.Mutex
	// +checklocks:mu
	index int
	// +checklocks:mu
	clients []*FakeClient
	// +checklocks:mu
	dials map[string]int
	// +checklocks:mu
	probes map[string]int
	// +checklocks:mu
	dialErrs map[string]error
	// +checklocks:mu
	probeErrs map[string]error
}

// NewFakeTransport constructs a new FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		probed:    make(chan string, 64),
		dials:     map[string]int{},
		probes:    map[string]int{},
		dialErrs:  map[string]error{},
		probeErrs: map[string]error{},
	}
}

// SetDialError makes dials of url fail with err. A nil err clears it.
func (t *FakeTransport) SetDialError(url string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErrs[url] = err
}

// SetProbeError makes probes of url fail with err. A nil err clears it.
func (t *FakeTransport) SetProbeError(url string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probeErrs[url] = err
}

// Dial implements rpcpool.Transport.
func (t *FakeTransport) Dial(ctx context.Context, ep endpoint.Endpoint) (*FakeClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials[ep.URL]++
	if err := t.dialErrs[ep.URL]; err != nil {
		return nil, err
	}
	t.index++
	client := &FakeClient{Index: t.index, Endpoint: ep}
	t.clients = append(t.clients, client)
	return client, nil
}

// Probe implements rpcpool.Transport. Test code can await probes with
// AwaitProbe.
func (t *FakeTransport) Probe(ctx context.Context, client *FakeClient) error {
	if client.Closed() {
		return errors.New("probe on closed client")
	}
	t.mu.Lock()
	t.probes[client.URL()]++
	err := t.probeErrs[client.URL()]
	t.mu.Unlock()
	select {
	case t.probed <- client.URL():
	default:
	}
	if t.ProbeFunc != nil {
		return t.ProbeFunc(ctx, client)
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// Close implements rpcpool.Transport.
func (t *FakeTransport) Close(client *FakeClient) error {
	if client.closed.Swap(true) {
		return fmt.Errorf("client %d closed twice", client.Index)
	}
	return nil
}

// DialCount returns how many times url was dialed.
func (t *FakeTransport) DialCount(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[url]
}

// ProbeCount returns how many times url was probed.
func (t *FakeTransport) ProbeCount(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probes[url]
}

// TotalProbes returns the number of probes across all endpoints.
func (t *FakeTransport) TotalProbes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int
	for _, n := range t.probes {
		total += n
	}
	return total
}

// OpenClients returns the clients that were dialed and not yet closed.
func (t *FakeTransport) OpenClients() []*FakeClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	var open []*FakeClient
	for _, client := range t.clients {
		if !client.Closed() {
			open = append(open, client)
		}
	}
	return open
}

// AwaitProbe waits for the next probe and returns the URL probed.
func (t *FakeTransport) AwaitProbe(ctx context.Context) (string, error) {
	select {
	case url := <-t.probed:
		return url, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
