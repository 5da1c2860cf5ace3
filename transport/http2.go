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

package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/bufbuild/httppool/conn"
	"github.com/bufbuild/httppool/resolver"
	"golang.org/x/net/http2"
)

// NewHTTP2 returns a transport that creates HTTP/2 connections. Each
// connection multiplexes concurrent requests as streams, up to the limit
// advertised by the server.
//
// The "h2c" and "http" schemes use HTTP/2 over clear-text with prior
// knowledge, aka H2C. The "https" scheme requires the server to select "h2"
// during the TLS handshake. Requests sent on the connections always carry
// the "http" or "https" scheme on the wire.
func NewHTTP2(config Config) conn.Transport {
	return newHTTP2Transport(config.withDefaults())
}

type http2Transport struct {
	cfg       Config
	transport *http2.Transport
}

func newHTTP2Transport(cfg Config) *http2Transport {
	return &http2Transport{
		cfg: cfg,
		transport: &http2.Transport{
			AllowHTTP:         true,
			MaxHeaderListSize: uint32(min(cfg.MaxResponseHeaderBytes, 1<<32-1)), //nolint:gosec // bounded above
		},
	}
}

func (t *http2Transport) Connect(ctx context.Context, scheme, host string, addr resolver.Address) (conn.Conn, error) {
	switch scheme {
	case "h2c", "http":
		netConn, _, err := t.cfg.dial(ctx, host, addr, false)
		if err != nil {
			return nil, err
		}
		return t.newConn(netConn, "http")
	case "https":
		netConn, protocol, err := t.cfg.dial(ctx, host, addr, true, "h2")
		if err != nil {
			return nil, err
		}
		if protocol != "h2" {
			_ = netConn.Close()
			return nil, fmt.Errorf("server at %s did not negotiate http/2", addr.HostPort)
		}
		return t.newConn(netConn, "https")
	default:
		return nil, fmt.Errorf("http/2 transport does not support scheme %q", scheme)
	}
}

func (t *http2Transport) newConn(netConn net.Conn, wireScheme string) (conn.Conn, error) {
	clientConn, err := t.transport.NewClientConn(netConn)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return &http2Conn{clientConn: clientConn, wireScheme: wireScheme}, nil
}

type http2Conn struct {
	clientConn *http2.ClientConn
	wireScheme string
}

var _ conn.Conn = (*http2Conn)(nil)

func (c *http2Conn) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != c.wireScheme {
		req = req.Clone(req.Context())
		req.URL.Scheme = c.wireScheme
	}
	return c.clientConn.RoundTrip(req)
}

func (c *http2Conn) Close() error {
	return c.clientConn.Close()
}

// IsClosed reports whether the connection is closed or is shutting down,
// for example because the server sent GOAWAY.
func (c *http2Conn) IsClosed() bool {
	state := c.clientConn.State()
	return state.Closed || state.Closing
}

func (c *http2Conn) MaxMultiplex() int {
	maxStreams := int(c.clientConn.State().MaxConcurrentStreams)
	if maxStreams < 1 {
		return 1
	}
	return maxStreams
}
