// Copyright 2023-2026 Buf Technologies, Inc.
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

// Package pooltesting provides fake connections, connectors and listeners
// that can be useful when testing connection pools and the code built on
// them.
package pooltesting

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/httppool/conn"
	"github.com/bufbuild/httppool/connpool"
	"github.com/bufbuild/httppool/resolver"
)

// FakeConn is an implementation of conn.Conn that can be used for testing.
// If it was created with a handler, RoundTrip serves requests in-process
// using that handler. Otherwise, RoundTrip always fails.
//
// To create new instances of FakeConn, use a FakeConnector.
type FakeConn struct {
	// Index is the sequence number of the connection. The first connection
	// created by a FakeConnector has an Index of 1.
	Index int
	// Address is the address passed to the connector's transport, if the
	// connection was created through FakeConnector.Transport.
	Address resolver.Address

	handler http.Handler

	// +checkatomic
	maxMultiplex atomic.Int32
	// +checkatomic
	closed atomic.Bool
	// +checkatomic
	closeCount atomic.Int32
	// +checkatomic
	requests atomic.Int32
}

// RoundTrip implements the conn.Conn interface.
func (c *FakeConn) RoundTrip(req *http.Request) (*http.Response, error) {
	if c.closed.Load() {
		return nil, errors.New("connection is closed")
	}
	if c.handler == nil {
		return nil, errors.New("FakeConn has no handler")
	}
	c.requests.Add(1)
	recorder := httptest.NewRecorder()
	c.handler.ServeHTTP(recorder, req)
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	resp := recorder.Result()
	resp.Request = req
	return resp, nil
}

// Close implements the conn.Conn interface.
func (c *FakeConn) Close() error {
	c.closed.Store(true)
	c.closeCount.Add(1)
	return nil
}

// IsClosed implements the conn.Conn interface.
func (c *FakeConn) IsClosed() bool {
	return c.closed.Load()
}

// MaxMultiplex implements the conn.Conn interface.
func (c *FakeConn) MaxMultiplex() int {
	return int(c.maxMultiplex.Load())
}

// SetMaxMultiplex changes the value reported by MaxMultiplex, like an
// HTTP/2 peer changing its settings.
func (c *FakeConn) SetMaxMultiplex(maxMultiplex int) {
	c.maxMultiplex.Store(int32(maxMultiplex)) //nolint:gosec // test values are small
}

// Kill marks the connection as closed by the peer, without it having been
// closed by its owner.
func (c *FakeConn) Kill() {
	c.closed.Store(true)
}

// CloseCount returns the number of times Close has been called.
func (c *FakeConn) CloseCount() int {
	return int(c.closeCount.Load())
}

// RequestCount returns the number of requests served by RoundTrip.
func (c *FakeConn) RequestCount() int {
	return int(c.requests.Load())
}

// FakeConnector is an implementation of connpool.Connector that creates
// *FakeConn instances. Connection attempts can be made to block, until
// released by the test, or to fail.
//
// See NewFakeConnector.
type FakeConnector struct {
	// Handler, if set, serves the requests sent on connections created by
	// this connector. It should be set immediately after the connector is
	// created, before any connections are created, to avoid races.
	Handler http.Handler // +checklocksignore: only written before use.

	attempted chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	attempts int
	// +checklocks:mu
	conns []*FakeConn
	// +checklocks:mu
	maxMultiplex int
	// +checklocks:mu
	gate chan struct{}
	// +checklocks:mu
	failures []error
	// +checklocks:mu
	failAll error
}

// NewFakeConnector constructs a new FakeConnector. Its connections report
// a MaxMultiplex of 1 unless SetMaxMultiplex is used.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{
		attempted:    make(chan struct{}, 1),
		maxMultiplex: 1,
	}
}

// Connect implements the connpool.Connector interface. If the connector is
// held, it blocks until released or until the context is done.
func (c *FakeConnector) Connect(ctx context.Context) (conn.Conn, error) {
	return c.connect(ctx, resolver.Address{})
}

// Transport returns a conn.Transport that creates connections using this
// connector, recording the address of each connection.
func (c *FakeConnector) Transport() conn.Transport {
	return conn.TransportFunc(func(ctx context.Context, _, _ string, addr resolver.Address) (conn.Conn, error) {
		return c.connect(ctx, addr)
	})
}

func (c *FakeConnector) connect(ctx context.Context, addr resolver.Address) (conn.Conn, error) {
	c.mu.Lock()
	c.attempts++
	gate := c.gate
	var err error
	switch {
	case len(c.failures) > 0:
		err = c.failures[0]
		c.failures = c.failures[1:]
	case c.failAll != nil:
		err = c.failAll
	}
	c.mu.Unlock()
	select {
	case c.attempted <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	newConn := &FakeConn{Index: len(c.conns) + 1, Address: addr, handler: c.Handler}
	newConn.SetMaxMultiplex(c.maxMultiplex)
	c.conns = append(c.conns, newConn)
	return newConn, nil
}

// Hold makes subsequent connection attempts block until Release is called.
func (c *FakeConnector) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate == nil {
		c.gate = make(chan struct{})
	}
}

// Release unblocks all connection attempts blocked because of Hold, and
// lets future attempts proceed immediately.
func (c *FakeConnector) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// FailNext makes the next connection attempts fail with the given errors,
// one error per attempt.
func (c *FakeConnector) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, errs...)
}

// FailAll makes all connection attempts fail with the given error. A nil
// error lets them succeed again.
func (c *FakeConnector) FailAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAll = err
}

// SetMaxMultiplex sets the MaxMultiplex of connections created after this
// call.
func (c *FakeConnector) SetMaxMultiplex(maxMultiplex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxMultiplex = maxMultiplex
}

// Attempts returns the number of times Connect has been called.
func (c *FakeConnector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Conns returns a snapshot of the connections created so far, in creation
// order.
func (c *FakeConnector) Conns() []*FakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]*FakeConn, len(c.conns))
	copy(snapshot, c.conns)
	return snapshot
}

// OpenConns returns how many of the connections created so far have not
// been closed.
func (c *FakeConnector) OpenConns() int {
	var open int
	for _, fakeConn := range c.Conns() {
		if !fakeConn.IsClosed() {
			open++
		}
	}
	return open
}

// AwaitAttempt waits for a concurrent call to Connect. It may return
// immediately if there was a past call that has yet to be acknowledged via a
// call to this method. It returns the total number of attempts, or an error
// if the given context is done first.
func (c *FakeConnector) AwaitAttempt(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.attempted:
		return c.Attempts(), nil
	}
}

// RecordingListener is a connpool.Listener that counts events and records
// the reasons connections were removed.
type RecordingListener struct {
	// +checkatomic
	created atomic.Int32
	// +checkatomic
	acquired atomic.Int32
	// +checkatomic
	released atomic.Int32

	mu sync.Mutex
	// +checklocks:mu
	removed []connpool.RemoveReason
}

var _ connpool.Listener = (*RecordingListener)(nil)

// OnCreated implements the connpool.Listener interface.
func (l *RecordingListener) OnCreated(connpool.EntryInfo) {
	l.created.Add(1)
}

// OnAcquired implements the connpool.Listener interface.
func (l *RecordingListener) OnAcquired(connpool.EntryInfo) {
	l.acquired.Add(1)
}

// OnReleased implements the connpool.Listener interface.
func (l *RecordingListener) OnReleased(connpool.EntryInfo) {
	l.released.Add(1)
}

// OnRemoved implements the connpool.Listener interface.
func (l *RecordingListener) OnRemoved(_ connpool.EntryInfo, reason connpool.RemoveReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, reason)
}

// Created returns the number of connections reported as created.
func (l *RecordingListener) Created() int {
	return int(l.created.Load())
}

// Acquired returns the number of leases reported as granted.
func (l *RecordingListener) Acquired() int {
	return int(l.acquired.Load())
}

// Released returns the number of leases reported as returned.
func (l *RecordingListener) Released() int {
	return int(l.released.Load())
}

// Removed returns the number of connections reported as removed.
func (l *RecordingListener) Removed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.removed)
}

// RemoveReasons returns the reasons reported for removed connections, in
// the order they were removed.
func (l *RecordingListener) RemoveReasons() []connpool.RemoveReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	reasons := make([]connpool.RemoveReason, len(l.removed))
	copy(reasons, l.removed)
	return reasons
}
