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

package httppool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"

	"github.com/bufbuild/httppool/conn"
	"github.com/bufbuild/httppool/connpool"
	"github.com/bufbuild/httppool/resolver"
	"go.uber.org/zap"
)

// Destination sends requests for one origin over the connections of its
// own pool. Destinations are created by a Client, the first time it sees a
// request for an origin.
type Destination struct {
	origin               Origin
	pool                 *connpool.Pool
	applyTimeout         func(ctx context.Context) (context.Context, context.CancelFunc)
	resourceLeakCallback func(req *http.Request, resp *http.Response)
	logger               *zap.Logger
}

// Origin returns the origin whose requests this destination sends.
func (d *Destination) Origin() Origin {
	return d.origin
}

// Pool returns the destination's connection pool, mainly for diagnostics.
func (d *Destination) Pool() *connpool.Pool {
	return d.pool
}

// RoundTrip sends the given request and waits for its response. Like
// [http.RoundTripper], a non-nil error means there is no response, and the
// caller must close the body of any returned response. The connection used
// for the request is returned to the pool once the body has been read to
// the end or closed.
func (d *Destination) RoundTrip(req *http.Request) (*http.Response, error) {
	type result struct {
		resp *http.Response
		err  error
	}
	results := make(chan result, 1)
	d.Send(req, func(resp *http.Response, err error) {
		results <- result{resp: resp, err: err}
	})
	res := <-results
	return res.resp, res.err
}

// Send sends the given request without blocking. The callback is invoked
// exactly once, from another goroutine, with the response or an error. If
// no connection is available, the request waits in the pool's queue until
// one is, or until the request's context is done.
func (d *Destination) Send(req *http.Request, callback func(*http.Response, error)) {
	cancel := context.CancelFunc(func() {})
	if d.applyTimeout != nil {
		var ctx context.Context
		ctx, cancel = d.applyTimeout(req.Context())
		req = req.WithContext(ctx)
	}
	d.pool.AcquireFunc(req.Context(), func(lease *connpool.Lease, err error) {
		if err != nil {
			cancel()
			callback(nil, err)
			return
		}
		resp, err := lease.Conn().RoundTrip(req)
		if err != nil {
			cancel()
			d.finish(lease, err)
			callback(nil, err)
			return
		}
		if resp.Body == nil || resp.Body == http.NoBody {
			cancel()
			d.finish(lease, nil)
			callback(resp, nil)
			return
		}
		addCompletionHook(req, resp, func(err error) {
			cancel()
			d.finish(lease, err)
		}, d.resourceLeakCallback)
		callback(resp, nil)
	})
}

// Close closes the destination's pool and all of its connections.
func (d *Destination) Close() error {
	return d.pool.Close()
}

// finish returns a leased connection to the pool. A connection that failed
// mid-request is discarded unless it is still usable, like an HTTP/2
// connection after one of its streams was reset.
func (d *Destination) finish(lease *connpool.Lease, err error) {
	var releaseErr error
	if err != nil && lease.Conn().IsClosed() {
		releaseErr = lease.Discard(err)
	} else {
		releaseErr = lease.Release()
	}
	if releaseErr != nil {
		d.logger.Warn("failed to return connection to pool", zap.Error(releaseErr))
	}
}

type connector struct {
	origin    Origin
	resolver  resolver.Resolver
	transport conn.Transport
	logger    *zap.Logger
}

// Connect resolves the origin's addresses and tries each of them in turn
// until a connection is established.
func (c *connector) Connect(ctx context.Context) (conn.Conn, error) {
	addrs, err := c.resolver.Resolve(ctx, c.origin.Host, c.origin.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hostname %q: %w", c.origin.Host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("failed to resolve hostname %q: %w", c.origin.Host, resolver.ErrNoAddresses)
	}
	var errs []error
	for _, addr := range addrs {
		connection, err := c.transport.Connect(ctx, c.origin.Scheme, c.origin.Host, addr)
		if err == nil {
			return connection, nil
		}
		c.logger.Debug("failed to connect to address", zap.String("address", addr.HostPort), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", addr.HostPort, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func addCompletionHook(
	req *http.Request,
	resp *http.Response,
	whenComplete func(error),
	resourceLeakCallback func(req *http.Request, resp *http.Response),
) {
	var hookedBody *hookReadCloser
	bodyWriter, isWriter := resp.Body.(io.Writer)
	if isWriter {
		hookedWriter := &hookReadWriteCloser{
			hookReadCloser: hookReadCloser{ReadCloser: resp.Body, hook: whenComplete},
			Writer:         bodyWriter,
		}
		hookedBody = &hookedWriter.hookReadCloser
		resp.Body = hookedWriter
	} else {
		hookedBody = &hookReadCloser{ReadCloser: resp.Body, hook: whenComplete}
		resp.Body = hookedBody
	}

	if resourceLeakCallback != nil {
		// The finalizer must not reference the body, directly or through
		// resp, or the body is never collected.
		leaked := *resp
		leaked.Body = nil
		runtime.SetFinalizer(hookedBody, func(body *hookReadCloser) {
			if body.closed.CompareAndSwap(false, true) {
				// The body was never closed, so the connection was never
				// returned to the pool.
				resourceLeakCallback(req, &leaked)
			}
		})
		// Wrap again so that a finalizer set by the caller does not replace
		// the one above.
		if isWriter {
			type wrapper struct {
				io.ReadWriteCloser
			}
			//nolint:forcetypeassert // set above
			resp.Body = &wrapper{ReadWriteCloser: resp.Body.(io.ReadWriteCloser)}
		} else {
			type wrapper struct {
				io.ReadCloser
			}
			resp.Body = &wrapper{ReadCloser: resp.Body}
		}
	}
}

// hookReadCloser calls its hook once the body is done: at EOF, on a read
// error or when closed, whichever happens first.
type hookReadCloser struct {
	io.ReadCloser
	hook func(error)

	// +checkatomic
	closed atomic.Bool
}

func (h *hookReadCloser) done(err error) {
	if h.closed.CompareAndSwap(false, true) {
		h.hook(err)
	}
}

func (h *hookReadCloser) Read(p []byte) (n int, err error) {
	n, err = h.ReadCloser.Read(p)
	switch {
	case errors.Is(err, io.EOF):
		h.done(nil)
	case err != nil:
		h.done(err)
	}
	return n, err
}

func (h *hookReadCloser) Close() error {
	err := h.ReadCloser.Close()
	h.done(nil)
	return err
}

type hookReadWriteCloser struct {
	hookReadCloser
	io.Writer
}

var _ io.ReadWriteCloser = (*hookReadWriteCloser)(nil)
