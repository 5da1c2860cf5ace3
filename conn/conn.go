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

// Package conn provides the representation of a physical connection.
// A connection is the unit that a [github.com/bufbuild/httppool/connpool.Pool]
// leases out to requests. Each connection wraps a single socket (or other
// stream) to a single resolved address.
package conn

import (
	"context"
	"net/http"

	"github.com/bufbuild/httppool/resolver"
)

// Conn represents a physical connection to a resolved address.
//
// A Conn is owned by the pool that created it. Between leases it is idle and
// only the pool touches it; while leased, only the lease holders may call
// RoundTrip.
type Conn interface {
	// RoundTrip sends a request using this connection. This is the same as
	// [http.RoundTripper]'s method of the same name. For duplex connections,
	// the response body must be fully consumed or closed before the
	// connection can carry another request.
	RoundTrip(req *http.Request) (*http.Response, error)
	// Close closes the connection. Any in-flight requests fail.
	Close() error
	// IsClosed reports whether the connection has been closed, either
	// locally or by the peer, and can no longer carry new requests.
	IsClosed() bool
	// MaxMultiplex returns the number of requests that may concurrently use
	// this connection. It is 1 for duplex protocols like HTTP/1.1. The value
	// may change over the life of a connection, for example when an HTTP/2
	// peer updates its settings.
	MaxMultiplex() int
}

// Transport creates physical connections.
type Transport interface {
	// Connect establishes a new connection to the given address. The scheme
	// is the URL scheme of the requests that will be sent on it and host is
	// the origin's host name, used to verify TLS certificates. The context
	// bounds the connect and handshake only; it must not be retained by the
	// returned connection.
	Connect(ctx context.Context, scheme, host string, addr resolver.Address) (Conn, error)
}

// TransportFunc adapts an ordinary function into a Transport.
type TransportFunc func(ctx context.Context, scheme, host string, addr resolver.Address) (Conn, error)

// Connect implements Transport.
func (f TransportFunc) Connect(ctx context.Context, scheme, host string, addr resolver.Address) (Conn, error) {
	return f(ctx, scheme, host, addr)
}
