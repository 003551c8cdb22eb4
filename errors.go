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
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/bufbuild/rpcpool/endpoint"
)

// maxErrorLen bounds the error text kept per endpoint.
const maxErrorLen = 256

var (
	// ErrShuttingDown is returned by calls made while, or after, the pool
	// is being closed.
	ErrShuttingDown = errors.New("rpcpool: pool is shutting down")
	// ErrMonitorRunning is returned when health checks are started on a
	// pool that is already running them.
	ErrMonitorRunning = errors.New("rpcpool: health check already running")
)

// ConfigurationError reports invalid pool configuration. No pool is
// created when it is returned.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpcpool: invalid configuration: %s: %v", e.Reason, e.Err)
	}
	return "rpcpool: invalid configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// EndpointError is the failure of a single attempt against one endpoint.
// The pool absorbs these and moves on; the last one is reported by
// AllEndpointsFailedError.
type EndpointError struct {
	ID   endpoint.ID
	Name string
	URL  string
	// Message is the cause's text, truncated to at most 256 bytes.
	Message string
	Err     error
}

func newEndpointError(id endpoint.ID, ep *endpoint.Endpoint, err error) *EndpointError {
	return &EndpointError{
		ID:      id,
		Name:    ep.DisplayName(),
		URL:     ep.URL,
		Message: truncateError(err.Error()),
		Err:     err,
	}
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint %s: %s", e.Name, e.Message)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the attempt failed because it ran out of time.
func (e *EndpointError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(e.Err, &timeout) && timeout.Timeout()
}

// AllEndpointsFailedError is returned when no endpoint could serve a
// request. The counts describe the pool when the request gave up.
type AllEndpointsFailedError struct {
	Tried     int
	Healthy   int
	Unhealthy int
	Total     int
	// LastError is the failure of the final attempt, or nil if no
	// endpoint was eligible to be tried.
	LastError *EndpointError
}

func (e *AllEndpointsFailedError) Error() string {
	msg := fmt.Sprintf(
		"rpcpool: all endpoints failed (tried %d, healthy %d, unhealthy %d, total %d)",
		e.Tried, e.Healthy, e.Unhealthy, e.Total,
	)
	if e.LastError != nil {
		msg += ": last error: " + e.LastError.Error()
	}
	return msg
}

func (e *AllEndpointsFailedError) Unwrap() error {
	if e.LastError == nil {
		return nil
	}
	return e.LastError
}

// truncateError cuts msg to at most maxErrorLen bytes without splitting
// a UTF-8 sequence.
func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
