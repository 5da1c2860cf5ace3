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
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/httppool/conn"
	"github.com/bufbuild/httppool/connpool"
	"github.com/bufbuild/httppool/internal"
	"github.com/bufbuild/httppool/resolver"
	"github.com/bufbuild/httppool/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultIdleDestinationTimeout = 15 * time.Minute
	defaultResolverTTL            = 5 * time.Minute
)

// ErrClientClosed is returned for requests sent through a closed Client.
var ErrClientClosed = errors.New("client is closed")

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithRootContext configures the root context used for any background
// goroutines that a client may create. If not specified,
// [context.Background] is used.
//
// When the given context is cancelled, the client is closed.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// WithMaxConnectionsPerDestination limits the number of connections each
// destination may have open or being established at once. Requests that
// arrive while all of them are busy wait in line. If zero or no such option
// is used, [connpool.DefaultMaxConnections] applies.
func WithMaxConnectionsPerDestination(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.poolOptions = append(opts.poolOptions, connpool.WithMaxConnections(limit))
	})
}

// WithMaxUsageCount closes connections after they have carried the given
// number of requests. If zero or no such option is used, connections are
// reused indefinitely.
func WithMaxUsageCount(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.poolOptions = append(opts.poolOptions, connpool.WithMaxUsageCount(limit))
	})
}

// WithMaxDuration closes connections once they are older than the given
// age. Connections in use are closed when their last request completes.
// If zero or no such option is used, connections have no maximum age.
func WithMaxDuration(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.poolOptions = append(opts.poolOptions, connpool.WithMaxDuration(duration))
	})
}

// WithIdleConnectionTimeout configures a timeout for how long an idle
// connection will remain open. If zero or no WithIdleConnectionTimeout
// option is used, idle connections will be left open indefinitely. If
// backend servers or intermediary proxies/load balancers place time
// limits on idle connections, this should be configured to be less
// than that time limit, to prevent the client from trying to use a
// connection that could be concurrently closed by a server for being idle
// for too long.
func WithIdleConnectionTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.poolOptions = append(opts.poolOptions, connpool.WithIdleTimeout(duration))
	})
}

// WithConnectTimeout bounds how long establishing a connection may take,
// including name resolution and the TLS handshake. If zero or no such
// option is used, [connpool.DefaultConnectTimeout] applies.
func WithConnectTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.poolOptions = append(opts.poolOptions, connpool.WithConnectTimeout(duration))
	})
}

// WithPolicy configures how destinations select connections for requests.
// If no such option is used, "h2c" destinations use
// [connpool.MultiplexPolicy] and all others use [connpool.DuplexPolicy].
func WithPolicy(policy connpool.Policy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.policy = &policy
	})
}

// WithPoolListener registers a listener that is notified of connection
// events in the pools of all destinations. Listeners must not block.
func WithPoolListener(listener connpool.Listener) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.poolOptions = append(opts.poolOptions, connpool.WithListener(listener))
	})
}

// WithResolver configures how host names are resolved into addresses. If
// no such option is used, DNS is used, preferring IPv4 addresses, with
// results cached for five minutes.
func WithResolver(res resolver.Resolver) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resolver = res
	})
}

// WithTransport configures the transport used to create connections for
// URLs with the given scheme. This can also be used to add support for
// schemes other than the defaults:
//
//   - "http": HTTP/1.1 over clear-text.
//   - "https": HTTP/2 or HTTP/1.1 over TLS, as negotiated with the server.
//   - "h2c": HTTP/2 over clear-text, with prior knowledge.
func WithTransport(scheme string, trans conn.Transport) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		if opts.transports == nil {
			opts.transports = map[string]conn.Transport{}
		}
		opts.transports[strings.ToLower(scheme)] = trans
	})
}

// WithDialer configures the client to use the given function to establish
// network connections for the default transports. If no WithDialer option
// is provided, a default [net.Dialer] is used that uses a 30-second dial
// timeout and configures the connection to use TCP keep-alive every 30
// seconds.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.transportConfig.DialFunc = dialFunc
	})
}

// WithTLSConfig adds custom TLS configuration to the default transports.
// The given config is used when using TLS to communicate with servers. The
// given timeout is applied to the TLS handshake step. If the given timeout
// is zero or no WithTLSConfig option is used, a default timeout of 10
// seconds will be used.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.transportConfig.TLSClientConfig = config
		opts.transportConfig.TLSHandshakeTimeout = handshakeTimeout
	})
}

// WithMaxResponseHeaderBytes configures the maximum size of response headers
// to consume. If zero or if no WithMaxResponseHeaderBytes option is used, the
// client will default to a 1 MB limit (2^20 bytes).
func WithMaxResponseHeaderBytes(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.transportConfig.MaxResponseHeaderBytes = int64(limit)
	})
}

// WithDefaultTimeout limits requests that otherwise have no timeout to
// the given timeout. Unlike WithRequestTimeout, if the request's context
// already has a deadline, then no timeout is applied. Otherwise, the
// given timeout is used and applies to the entire duration of the request,
// from waiting for a connection to receiving the last response byte.
func WithDefaultTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultTimeout = duration
		opts.requestTimeout = 0
	})
}

// WithRequestTimeout limits all requests to the given timeout. This time
// is the entire duration of the request, including waiting in line for a
// connection, sending the request, waiting for a response, and consuming
// the response body.
func WithRequestTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultTimeout = 0
		opts.requestTimeout = duration
	})
}

// WithIdleDestinationTimeout configures how long a destination may go
// without requests before it is removed, closing its pool. A destination
// with requests in flight or waiting for a connection is never removed.
//
// This differs from WithIdleConnectionTimeout in that it is for
// managing client resources, to prevent the set of destinations from
// growing too large if the client is used for dynamic outbound
// requests. Whereas WithIdleConnectionTimeout is to coordinate with
// servers that close idle connections.
//
// If zero or no such option is used, a default of 15 minutes will be used.
// A negative value disables removal of idle destinations.
func WithIdleDestinationTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.idleDestinationTimeout = duration
	})
}

// WithLogger configures the logger used by the client and its pools. If
// no such option is used, nothing is logged.
func WithLogger(logger *zap.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithDebugResourceLeaks configures a callback that is invoked when a
// response body is garbage collected without having been closed. Such a
// leak keeps the response's connection from returning to its pool. This is
// intended for debugging and should not be used in production, since it
// adds a finalizer to every response body.
func WithDebugResourceLeaks(callback func(req *http.Request, resp *http.Response)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resourceLeakCallback = callback
	})
}

// Client sends HTTP requests through per-origin connection pools. It
// implements [http.RoundTripper]; use NewHTTPClient to wrap it in an
// [*http.Client].
//
// A destination, with its own pool, is created on the first request for
// each origin. Destinations are removed when idle for too long (see
// WithIdleDestinationTimeout), when removed explicitly, or when the client
// is closed.
type Client struct {
	opts   *clientOptions
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	logger *zap.Logger

	closeComplete chan struct{}

	mu sync.RWMutex
	// +checklocks:mu
	destinations map[Origin]destinationEntry
	// +checklocks:mu
	closed bool
}

type destinationEntry struct {
	dest     *Destination
	activity chan struct{}
}

// NewClient returns a new client that uses the given options.
func NewClient(options ...ClientOption) *Client {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(opts.rootCtx)
	client := &Client{
		opts:          &opts,
		ctx:           ctx,
		cancel:        cancel,
		logger:        opts.logger.Named("httppool"),
		closeComplete: make(chan struct{}),
		destinations:  map[Origin]destinationEntry{},
	}
	context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	return client
}

// NewHTTPClient returns an HTTP client that sends its requests through the
// given client. Redirects are not followed: the redirect response itself is
// returned to the caller.
func NewHTTPClient(client *Client) *http.Client {
	return &http.Client{
		Transport: client,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// RoundTrip implements [http.RoundTripper]. The request is sent through the
// destination for its URL's origin, tagged with the tag of its context, if
// any. See WithTag.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	dest, err := c.destinationFor(req)
	if err != nil {
		return nil, err
	}
	return dest.RoundTrip(req)
}

// Send sends the request without blocking. The callback is invoked exactly
// once, from another goroutine, with the response or an error.
func (c *Client) Send(req *http.Request, callback func(*http.Response, error)) {
	dest, err := c.destinationFor(req)
	if err != nil {
		go callback(nil, err)
		return
	}
	dest.Send(req, callback)
}

func (c *Client) destinationFor(req *http.Request) (*Destination, error) {
	origin, err := OriginFromURL(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL: %w", err)
	}
	return c.ResolveDestination(origin.WithTag(TagFromContext(req.Context())))
}

// ResolveDestination returns the destination for the given origin, creating
// it if necessary. It fails if the client is closed or if no transport is
// configured for the origin's scheme.
func (c *Client) ResolveDestination(origin Origin) (*Destination, error) {
	c.mu.RLock()
	closed := c.closed
	dest := c.getDestinationLocked(origin)
	c.mu.RUnlock()

	if closed {
		return nil, ErrClientClosed
	}
	if dest != nil {
		return dest, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// double-check in case things changed while upgrading lock
	if c.closed {
		return nil, ErrClientClosed
	}
	if dest := c.getDestinationLocked(origin); dest != nil {
		return dest, nil
	}
	trans, ok := c.opts.transports[origin.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported URL scheme %q", origin.Scheme)
	}
	dest = c.newDestination(origin, trans)
	var activity chan struct{}
	if c.opts.idleDestinationTimeout > 0 {
		activity = make(chan struct{}, 1)
		go c.removeWhenIdle(origin, dest, activity)
	}
	c.destinations[origin] = destinationEntry{dest: dest, activity: activity}
	c.logger.Debug("destination created", zap.Stringer("origin", origin))
	return dest, nil
}

func (c *Client) newDestination(origin Origin, trans conn.Transport) *Destination {
	logger := c.logger.With(zap.Stringer("origin", origin))
	policy := connpool.DuplexPolicy()
	if c.opts.policy != nil {
		policy = *c.opts.policy
	} else if origin.Scheme == "h2c" {
		policy = connpool.MultiplexPolicy(0)
	}
	poolOptions := append(
		[]connpool.Option{connpool.WithPolicy(policy), connpool.WithLogger(logger)},
		c.opts.poolOptions...,
	)
	connector := &connector{
		origin:    origin,
		resolver:  c.opts.resolver,
		transport: trans,
		logger:    logger,
	}
	return &Destination{
		origin:               origin,
		pool:                 connpool.New(c.ctx, connector, poolOptions...),
		applyTimeout:         c.opts.applyTimeout(),
		resourceLeakCallback: c.opts.resourceLeakCallback,
		logger:               logger,
	}
}

// +checklocksread:c.mu
func (c *Client) getDestinationLocked(origin Origin) *Destination {
	entry := c.destinations[origin]
	if entry.activity != nil {
		// Non-blocking, so this is fine under a read lock. Recording the
		// activity while locked keeps the idle timer from concurrently
		// removing this destination.
		select {
		case entry.activity <- struct{}{}:
		default:
		}
	}
	return entry.dest
}

// Destinations returns the client's current destinations, in no particular
// order.
func (c *Client) Destinations() []*Destination {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dests := make([]*Destination, 0, len(c.destinations))
	for _, entry := range c.destinations {
		dests = append(dests, entry.dest)
	}
	return dests
}

// RemoveDestination removes the destination for the given origin and closes
// its pool. Requests still waiting for a connection from that pool fail. It
// returns false if there was no such destination.
func (c *Client) RemoveDestination(origin Origin) bool {
	c.mu.Lock()
	entry, ok := c.destinations[origin]
	delete(c.destinations, origin)
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.closeDestination(entry.dest)
	return true
}

// Close closes the client and all of its destinations. Requests waiting for
// a connection fail, and all connections are closed, even those in use.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.closeComplete
		return nil
	}
	c.closed = true
	dests := make([]*Destination, 0, len(c.destinations))
	for origin, entry := range c.destinations {
		dests = append(dests, entry.dest)
		delete(c.destinations, origin)
	}
	c.mu.Unlock()

	c.cancel()
	var grp errgroup.Group
	for _, dest := range dests {
		grp.Go(dest.Close)
	}
	err := grp.Wait()
	close(c.closeComplete)
	return err
}

func (c *Client) removeWhenIdle(origin Origin, dest *Destination, activity <-chan struct{}) {
	timer := c.opts.clock.NewTimer(c.opts.idleDestinationTimeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			if c.tryRemoveDestination(origin, dest, activity) {
				c.logger.Debug("idle destination removed", zap.Stringer("origin", origin))
				c.closeDestination(dest)
				return
			}
			// Busy or concurrently used, so check again later.
			timer.Reset(c.opts.idleDestinationTimeout)
		case <-c.ctx.Done():
			return
		case <-activity:
			// bump idle timer whenever there's activity
			timer.Reset(c.opts.idleDestinationTimeout)
		}
	}
}

func (c *Client) tryRemoveDestination(origin Origin, dest *Destination, activity <-chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	// need to check activity after lock acquired to make
	// sure we aren't racing with use of this destination
	select {
	case <-activity:
		return false
	default:
	}
	if entry, ok := c.destinations[origin]; !ok || entry.dest != dest {
		// Already removed.
		return true
	}
	pool := dest.pool
	if pool.ActiveConnectionCount() > 0 || pool.PendingConnectionCount() > 0 || pool.QueuedCount() > 0 {
		return false
	}
	delete(c.destinations, origin)
	return true
}

func (c *Client) closeDestination(dest *Destination) {
	if err := dest.Close(); err != nil {
		c.logger.Debug("error closing destination", zap.Stringer("origin", dest.origin), zap.Error(err))
	}
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	rootCtx                context.Context //nolint:containedctx
	poolOptions            []connpool.Option
	policy                 *connpool.Policy
	resolver               resolver.Resolver
	transports             map[string]conn.Transport
	transportConfig        transport.Config
	logger                 *zap.Logger
	resourceLeakCallback   func(req *http.Request, resp *http.Response)
	idleDestinationTimeout time.Duration
	defaultTimeout         time.Duration
	requestTimeout         time.Duration
	clock                  internal.Clock
}

func (opts *clientOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.resolver == nil {
		opts.resolver = resolver.NewCachingResolver(
			resolver.NewDNSResolver(net.DefaultResolver, "ip", resolver.PreferIPv4),
			defaultResolverTTL,
		)
	}
	defaults := map[string]func() conn.Transport{
		"http":  func() conn.Transport { return transport.NewHTTP1(opts.transportConfig) },
		"https": func() conn.Transport { return transport.Negotiating(opts.transportConfig) },
		"h2c":   func() conn.Transport { return transport.NewHTTP2(opts.transportConfig) },
	}
	transports := make(map[string]conn.Transport, len(defaults)+len(opts.transports))
	for scheme, newTransport := range defaults {
		transports[scheme] = newTransport()
	}
	for scheme, trans := range opts.transports {
		transports[scheme] = trans
	}
	opts.transports = transports
	if opts.idleDestinationTimeout == 0 {
		opts.idleDestinationTimeout = defaultIdleDestinationTimeout
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}

func (opts *clientOptions) applyTimeout() func(ctx context.Context) (context.Context, context.CancelFunc) {
	switch {
	case opts.requestTimeout > 0:
		timeout := opts.requestTimeout
		return func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(ctx, timeout)
		}
	case opts.defaultTimeout > 0:
		timeout := opts.defaultTimeout
		return func(ctx context.Context) (context.Context, context.CancelFunc) {
			if _, ok := ctx.Deadline(); ok {
				return ctx, func() {}
			}
			// no existing deadline, so set one
			return context.WithTimeout(ctx, timeout)
		}
	default:
		return nil
	}
}
