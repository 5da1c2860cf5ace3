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
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/httppool/conn"
	"github.com/bufbuild/httppool/connpool"
	"github.com/bufbuild/httppool/internal/clocktest"
	"github.com/bufbuild/httppool/resolver"
	"github.com/bufbuild/httppool/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func TestNewClient(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(([]byte)("got it"))
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, WithDebugResourceLeaks(func(req *http.Request, _ *http.Response) {
		assert.Fail(t, "response was finalized but never consumed/closed", "url: %v", req.URL)
	}))
	httpClient := NewHTTPClient(client)
	for range 3 {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/foo", http.NoBody)
		require.NoError(t, err)
		resp, err := httpClient.Do(req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, "got it", string(body))
	}

	dests := client.Destinations()
	require.Len(t, dests, 1)
	assert.Equal(t, Origin{Scheme: "http", Host: "127.0.0.1", Port: portOf(t, server)}, dests[0].Origin())
	stats := dests[0].Pool().Stats()
	assert.Equal(t, int64(1), stats.TotalCreated)
	assert.Equal(t, 1, stats.IdleConnections)
}

func TestClientTagsSeparateDestinations(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t)
	assert.Equal(t, "ok", fetchURL(ctx, t, client, server.URL))
	assert.Equal(t, "ok", fetchURL(WithTag(ctx, "bulk"), t, client, server.URL))
	assert.Equal(t, "ok", fetchURL(WithTag(ctx, "bulk"), t, client, server.URL))
	require.Len(t, client.Destinations(), 2)

	origin := Origin{Scheme: "http", Host: "127.0.0.1", Port: portOf(t, server)}
	plain, err := client.ResolveDestination(origin)
	require.NoError(t, err)
	tagged, err := client.ResolveDestination(origin.WithTag("bulk"))
	require.NoError(t, err)
	assert.NotSame(t, plain, tagged)
	assert.Equal(t, "bulk", tagged.Origin().Tag)
	assert.Equal(t, int64(1), plain.Pool().Stats().TotalCreated)
	assert.Equal(t, int64(1), tagged.Pool().Stats().TotalCreated)
	require.Len(t, client.Destinations(), 2)
}

func TestClientBoundsConnectionsPerDestination(t *testing.T) {
	t.Parallel()
	const maxConns, requests = 3, 8
	for _, policy := range testPolicies() {
		t.Run(policy.String(), func(t *testing.T) {
			t.Parallel()
			ctx := testContext(t)
			handler, barrier, maxActive := newBarrierHandler()
			server := httptest.NewServer(handler)
			t.Cleanup(server.Close)

			client := newTestClient(t, WithMaxConnectionsPerDestination(maxConns), WithPolicy(policy))
			var wg sync.WaitGroup
			for range requests {
				wg.Add(1)
				go func() {
					defer wg.Done()
					body, err := tryFetchURL(ctx, client, server.URL)
					assert.NoError(t, err)
					assert.Equal(t, "done", body)
				}()
			}
			require.Eventually(t, func() bool {
				return maxActive.Load() == maxConns
			}, 5*time.Second, time.Millisecond)
			dest := onlyDestination(t, client)
			require.Eventually(t, func() bool {
				return dest.Pool().QueuedCount() == requests-maxConns
			}, 5*time.Second, time.Millisecond)
			assert.Equal(t, maxConns, dest.Pool().ConnectionCount())

			close(barrier)
			wg.Wait()
			assert.Equal(t, int32(maxConns), maxActive.Load())
			assert.LessOrEqual(t, dest.Pool().ConnectionCount(), maxConns)
			assert.Zero(t, dest.Pool().QueuedCount())
		})
	}
}

func TestClientOpensConnectionPerBlockedRequest(t *testing.T) {
	t.Parallel()
	const requests = 8
	for _, policy := range testPolicies() {
		t.Run(policy.String(), func(t *testing.T) {
			t.Parallel()
			ctx := testContext(t)
			handler, barrier, maxActive := newBarrierHandler()
			server := httptest.NewServer(handler)
			t.Cleanup(server.Close)

			client := newTestClient(t, WithMaxConnectionsPerDestination(2*requests), WithPolicy(policy))
			var wg sync.WaitGroup
			for range requests {
				wg.Add(1)
				go func() {
					defer wg.Done()
					body, err := tryFetchURL(ctx, client, server.URL)
					assert.NoError(t, err)
					assert.Equal(t, "done", body)
				}()
			}
			// With room to spare, no request waits behind another.
			require.Eventually(t, func() bool {
				return maxActive.Load() == requests
			}, 5*time.Second, time.Millisecond)
			dest := onlyDestination(t, client)
			assert.GreaterOrEqual(t, dest.Pool().ConnectionCount(), requests)
			assert.LessOrEqual(t, dest.Pool().ConnectionCount(), 2*requests)
			assert.Zero(t, dest.Pool().QueuedCount())

			close(barrier)
			wg.Wait()
		})
	}
}

func TestClientQueuedRequestTimeout(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	handler, barrier, maxActive := newBarrierHandler()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := newTestClient(t, WithMaxConnectionsPerDestination(1))
	firstDone := make(chan error, 1)
	go func() {
		_, err := tryFetchURL(ctx, client, server.URL)
		firstDone <- err
	}()
	require.Eventually(t, func() bool {
		return maxActive.Load() == 1
	}, 5*time.Second, time.Millisecond)

	queuedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := tryFetchURL(queuedCtx, client, server.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	dest := onlyDestination(t, client)
	assert.Zero(t, dest.Pool().QueuedCount())

	close(barrier)
	require.NoError(t, <-firstDone)
	assert.Equal(t, 1, dest.Pool().ConnectionCount())
}

func TestClientRequestTimeout(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, WithRequestTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := tryFetchURL(ctx, client, server.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The connection was in use when the request timed out, so it is gone.
	dest := onlyDestination(t, client)
	assert.Eventually(t, func() bool {
		return dest.Pool().IsEmpty()
	}, time.Second, 10*time.Millisecond)
}

func TestClientDefaultTimeout(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("block") != "" {
			<-r.Context().Done()
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, WithDefaultTimeout(50*time.Millisecond))
	noDeadline, cancelNoDeadline := context.WithCancel(context.Background())
	t.Cleanup(cancelNoDeadline)
	_, err := tryFetchURL(noDeadline, client, server.URL+"?block=1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A deadline on the request takes precedence over the default.
	deadlineCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.Equal(t, "ok", fetchURL(deadlineCtx, t, client, server.URL))
}

func TestClientSlowResolver(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	const maxConns, requests = 3, 10
	handler, barrier, _ := newBarrierHandler()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	close(barrier)

	var resolves atomic.Int32
	slowResolver := resolver.Func(func(ctx context.Context, _ string, _ int) ([]resolver.Address, error) {
		resolves.Add(1)
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []resolver.Address{{HostPort: server.Listener.Addr().String()}}, nil
	})
	client := newTestClient(t, WithResolver(slowResolver), WithMaxConnectionsPerDestination(maxConns))
	url := fmt.Sprintf("http://backend.example.com:%d/", portOf(t, server))
	var wg sync.WaitGroup
	for range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := tryFetchURL(ctx, client, url)
			assert.NoError(t, err)
			assert.Equal(t, "done", body)
		}()
	}
	wg.Wait()

	dest := onlyDestination(t, client)
	assert.Equal(t, "backend.example.com", dest.Origin().Host)
	assert.LessOrEqual(t, dest.Pool().ConnectionCount(), maxConns)
	assert.LessOrEqual(t, resolves.Load(), int32(maxConns))
}

func TestClientConnectFailure(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	failing := resolver.Func(func(context.Context, string, int) ([]resolver.Address, error) {
		return nil, errors.New("no such host")
	})
	client := newTestClient(t, WithResolver(failing))
	_, err := tryFetchURL(ctx, client, "http://unknown.example.com/")
	var connectErr *connpool.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.ErrorContains(t, err, `failed to resolve hostname "unknown.example.com": no such host`)
	assert.True(t, onlyDestination(t, client).Pool().IsEmpty())
}

func TestClientH2C(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	const requests = 5
	handler, barrier, maxActive := newBarrierHandler()
	server := httptest.NewServer(h2c.NewHandler(handler, &http2.Server{MaxConcurrentStreams: 10}))
	t.Cleanup(server.Close)

	client := newTestClient(t)
	url := "h2c://" + server.Listener.Addr().String() + "/"
	var wg sync.WaitGroup
	for range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := tryFetchURL(ctx, client, url)
			assert.NoError(t, err)
			assert.Equal(t, "done", body)
		}()
	}
	require.Eventually(t, func() bool {
		return maxActive.Load() == requests
	}, 5*time.Second, time.Millisecond)
	close(barrier)
	wg.Wait()

	dest := onlyDestination(t, client)
	assert.Equal(t, "multiplex:100", dest.Pool().Policy().String())
	assert.Equal(t, 1, dest.Pool().ConnectionCount())
}

func TestClientHTTPS(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	cert, err := tls.X509KeyPair([]byte(localhostCert), []byte(localhostKey))
	require.NoError(t, err)
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Proto+" "+r.TLS.ServerName)
	}))
	server.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	server.EnableHTTP2 = true
	server.StartTLS()
	t.Cleanup(server.Close)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM([]byte(localhostCert)))
	localhost := resolver.Func(func(context.Context, string, int) ([]resolver.Address, error) {
		return []resolver.Address{{HostPort: server.Listener.Addr().String()}}, nil
	})
	client := newTestClient(t,
		WithResolver(localhost),
		WithTLSConfig(&tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}, time.Second),
	)
	url := fmt.Sprintf("https://localhost:%d/", portOf(t, server))
	assert.Equal(t, "HTTP/2.0 localhost", fetchURL(ctx, t, client, url))
	assert.Equal(t, "duplex", onlyDestination(t, client).Pool().Policy().String())
}

func TestClientUnsupportedScheme(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	client := newTestClient(t)
	_, err := tryFetchURL(ctx, client, "ftp://example.com/file")
	require.ErrorContains(t, err, `unsupported URL scheme "ftp"`)
	assert.Empty(t, client.Destinations())

	_, err = client.ResolveDestination(Origin{Scheme: "gopher", Host: "example.com", Port: 70})
	require.ErrorContains(t, err, `unsupported URL scheme "gopher"`)
}

func TestClientCustomTransport(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Host)
	}))
	t.Cleanup(server.Close)

	var schemes sync.Map
	http1 := transport.NewHTTP1(transport.Config{})
	custom := conn.TransportFunc(func(ctx context.Context, scheme, host string, addr resolver.Address) (conn.Conn, error) {
		schemes.Store(scheme, host)
		return http1.Connect(ctx, "http", host, addr)
	})
	client := newTestClient(t, WithTransport("Custom", custom))
	url := "custom://" + server.Listener.Addr().String() + "/"
	assert.Equal(t, server.Listener.Addr().String(), fetchURL(ctx, t, client, url))
	host, ok := schemes.Load("custom")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", host)
}

func TestClientRemoveDestination(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t)
	assert.Equal(t, "ok", fetchURL(ctx, t, client, server.URL))
	dest := onlyDestination(t, client)

	assert.True(t, client.RemoveDestination(dest.Origin()))
	assert.False(t, client.RemoveDestination(dest.Origin()))
	assert.Empty(t, client.Destinations())
	_, err := dest.Pool().Acquire(ctx)
	require.ErrorIs(t, err, connpool.ErrPoolClosed)

	// The next request creates a new destination.
	assert.Equal(t, "ok", fetchURL(ctx, t, client, server.URL))
	assert.NotSame(t, dest, onlyDestination(t, client))
}

func TestClientClose(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	handler, barrier, maxActive := newBarrierHandler()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(barrier) })

	client := NewClient(WithLogger(zaptest.NewLogger(t)), WithMaxConnectionsPerDestination(1))
	inFlight := make(chan error, 1)
	queued := make(chan error, 1)
	go func() {
		_, err := tryFetchURL(ctx, client, server.URL)
		inFlight <- err
	}()
	require.Eventually(t, func() bool {
		return maxActive.Load() == 1
	}, 5*time.Second, time.Millisecond)
	go func() {
		_, err := tryFetchURL(ctx, client, server.URL)
		queued <- err
	}()
	dest := onlyDestination(t, client)
	require.Eventually(t, func() bool {
		return dest.Pool().QueuedCount() == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.ErrorIs(t, <-queued, connpool.ErrPoolClosed)
	require.Error(t, <-inFlight)
	assert.Empty(t, client.Destinations())

	_, err := tryFetchURL(ctx, client, server.URL)
	require.ErrorIs(t, err, ErrClientClosed)
	_, err = client.ResolveDestination(dest.Origin())
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClientClosesWithRootContext(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	rootCtx, cancel := context.WithCancel(ctx)
	client := NewClient(WithLogger(zaptest.NewLogger(t)), WithRootContext(rootCtx))
	assert.Equal(t, "ok", fetchURL(ctx, t, client, server.URL))
	cancel()
	assert.Eventually(t, func() bool {
		_, err := client.ResolveDestination(Origin{Scheme: "http", Host: "127.0.0.1", Port: 80})
		return errors.Is(err, ErrClientClosed)
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, client.Close())
}

func TestClientRemovesIdleDestinations(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	handler, barrier, maxActive := newBarrierHandler()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	clock := clocktest.NewFakeClock()
	client := newTestClient(t, WithClock(clock), WithIdleDestinationTimeout(time.Minute))
	responses := make(chan *http.Response, 1)
	client.Send(newRequest(ctx, t, server.URL), func(resp *http.Response, err error) {
		assert.NoError(t, err)
		responses <- resp
	})
	require.Eventually(t, func() bool {
		return maxActive.Load() == 1
	}, 5*time.Second, time.Millisecond)
	dest := onlyDestination(t, client)

	// A destination with a request in flight is kept.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Len(t, client.Destinations(), 1)

	close(barrier)
	resp := <-responses
	_, err := io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return len(client.Destinations()) == 0 && dest.Pool().IsEmpty()
	}, time.Second, 10*time.Millisecond)
	_, err = dest.Pool().Acquire(ctx)
	require.ErrorIs(t, err, connpool.ErrPoolClosed)
}

func TestClientActivityKeepsDestination(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	clock := clocktest.NewFakeClock()
	client := newTestClient(t, WithClock(clock), WithIdleDestinationTimeout(time.Minute))
	assert.Equal(t, "ok", fetchURL(ctx, t, client, server.URL))
	origin := onlyDestination(t, client).Origin()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(30 * time.Second)
	assert.Equal(t, "ok", fetchURL(ctx, t, client, server.URL))
	// Wait for the activity to reset the timer.
	require.Eventually(t, func() bool {
		return pendingActivity(client, origin) == 0
	}, time.Second, time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(45 * time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Len(t, client.Destinations(), 1)
	clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool {
		return len(client.Destinations()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestClientDisablesIdleDestinationRemoval(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	clock := clocktest.NewFakeClock()
	client := newTestClient(t, WithClock(clock), WithIdleDestinationTimeout(-1))
	assert.Equal(t, "ok", fetchURL(ctx, t, client, server.URL))
	clock.Advance(time.Hour)
	assert.Len(t, client.Destinations(), 1)
}

func TestClientReportsResourceLeaks(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "leaked")
	}))
	t.Cleanup(server.Close)

	leaks := make(chan *http.Request, 1)
	client := newTestClient(t, WithDebugResourceLeaks(func(req *http.Request, _ *http.Response) {
		leaks <- req
	}))
	func() {
		resp, err := client.RoundTrip(newRequest(ctx, t, server.URL+"/leak"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}()
	var leaked *http.Request
	require.Eventually(t, func() bool {
		runtime.GC()
		select {
		case leaked = <-leaks:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "/leak", leaked.URL.Path)
	// The leaked connection is never returned to the pool.
	assert.Equal(t, 1, onlyDestination(t, client).Pool().ActiveConnectionCount())
}

func TestClientSend(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "async")
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t)
	type result struct {
		body string
		err  error
	}
	results := make(chan result, 2)
	callback := func(resp *http.Response, err error) {
		if err != nil {
			results <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		results <- result{body: string(body), err: err}
	}
	client.Send(newRequest(ctx, t, server.URL), callback)
	client.Send(newRequest(ctx, t, "gopher://example.com/"), callback)
	var bodies []string
	var errs []error
	for range 2 {
		res := <-results
		if res.err != nil {
			errs = append(errs, res.err)
		} else {
			bodies = append(bodies, res.body)
		}
	}
	assert.Equal(t, []string{"async"}, bodies)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "unsupported URL scheme")
}

func TestHTTPClientDoesNotFollowRedirects(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	t.Cleanup(server.Close)

	httpClient := NewHTTPClient(newTestClient(t))
	resp, err := httpClient.Do(newRequest(ctx, t, server.URL))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}

func newTestClient(t *testing.T, options ...ClientOption) *Client {
	t.Helper()
	options = append([]ClientOption{WithLogger(zaptest.NewLogger(t))}, options...)
	client := NewClient(options...)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return client
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPolicies() []connpool.Policy {
	return []connpool.Policy{
		connpool.DuplexPolicy(),
		connpool.DuplexMaxDurationPolicy(time.Minute),
		connpool.MultiplexPolicy(0),
		connpool.RoundRobinPolicy(0),
		connpool.RandomPolicy(0),
		connpool.PowerOfTwoPolicy(0),
	}
}

// newBarrierHandler returns a handler that blocks until barrier is closed and
// then responds with "done". It tracks the most requests it ever had in
// progress at once.
func newBarrierHandler() (http.Handler, chan struct{}, *atomic.Int32) {
	var active, maxActive atomic.Int32
	barrier := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := active.Add(1)
		defer active.Add(-1)
		for {
			observed := maxActive.Load()
			if current <= observed || maxActive.CompareAndSwap(observed, current) {
				break
			}
		}
		select {
		case <-barrier:
			_, _ = io.WriteString(w, "done")
		case <-r.Context().Done():
		}
	})
	return handler, barrier, &maxActive
}

func pendingActivity(client *Client, origin Origin) int {
	client.mu.RLock()
	defer client.mu.RUnlock()
	return len(client.destinations[origin].activity)
}

func onlyDestination(t *testing.T, client *Client) *Destination {
	t.Helper()
	dests := client.Destinations()
	require.Len(t, dests, 1)
	return dests[0]
}

func portOf(t *testing.T, server *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func newRequest(ctx context.Context, t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	return req
}

func fetchURL(ctx context.Context, t *testing.T, client *Client, url string) string {
	t.Helper()
	body, err := tryFetchURL(ctx, client, url)
	require.NoError(t, err)
	return body
}

func tryFetchURL(ctx context.Context, client *Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", err
	}
	resp, err := client.RoundTrip(req)
	if err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); err == nil {
		err = closeErr
	}
	return string(body), err
}
