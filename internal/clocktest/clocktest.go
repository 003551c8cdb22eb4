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

// Package clocktest provides a manually driven internal.Clock.
package clocktest

import (
	"context"
	"time"

	"github.com/bufbuild/rpcpool/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock is an internal.Clock whose time only moves when Advance is
// called. BlockUntilContext waits for the given number of tickers, timers
// or sleepers to be registered, which lets a test synchronize with the
// health monitor or a reconnect delay before moving time forward.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock returns a FakeClock starting at the current wall time.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

// NewFakeClockAt returns a FakeClock starting at t.
func NewFakeClockAt(t time.Time) FakeClock {
	return fakeClock{clockwork.NewFakeClockAt(t)}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

func (f fakeClock) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}

func (f fakeClock) NewTimer(d time.Duration) internal.Timer {
	return f.FakeClock.NewTimer(d)
}
