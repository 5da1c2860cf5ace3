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

// Package httppool provides an HTTP client whose connections are managed
// by explicit, bounded connection pools, one per destination. It is meant
// for server-to-server traffic where the number of connections to each
// backend, and how long requests wait for one, must be predictable.
//
// To create a new client use the [NewClient] function. The returned
// [Client] implements [http.RoundTripper], so it can be used as the
// Transport of an [http.Client]; [NewHTTPClient] does exactly that.
//
// # Destinations
//
// Requests are grouped by [Origin]: the URL's scheme, host and port, plus
// an optional tag attached to the request context with [WithTag]. Each
// origin gets its own [Destination], with its own [connpool.Pool]. Tags
// make it possible to keep, for example, latency-sensitive requests and
// bulk transfers to the same server on separate sets of connections.
//
// Destinations are created on first use and removed after they have been
// idle for a while (see [WithIdleDestinationTimeout]), when removed with
// [Client.RemoveDestination], or when the client is closed.
//
// # Pools
//
// A pool never has more than a fixed number of connections open or being
// established (see [WithMaxConnectionsPerDestination]). When every
// connection is busy and the limit has been reached, requests wait in
// line, in arrival order, until a connection frees up or their context
// is done. Connections are established asynchronously: a request that
// triggers a new connection does not necessarily get that connection,
// since it goes to whichever request has been waiting longest.
//
// How a pool picks a connection for a request is controlled by a
// [connpool.Policy]. By default, "http" and "https" destinations use
// [connpool.DuplexPolicy], which gives each connection to one request at
// a time, and "h2c" destinations use [connpool.MultiplexPolicy], which
// packs concurrent requests onto as few HTTP/2 connections as the server's
// stream limits allow. Use [WithPolicy] to choose another.
//
// Connections can also be retired after a number of requests
// ([WithMaxUsageCount]), after a maximum age ([WithMaxDuration]) or after
// sitting idle ([WithIdleConnectionTimeout]).
//
// # Custom Transports
//
// One of the options in this package, [WithTransport], allows users to
// implement custom transports and select them using custom URL schemes.
// The default transports, from the [transport] package, speak HTTP/1.1
// for "http" URLs, HTTP/2 or HTTP/1.1 (as negotiated via ALPN) for "https"
// URLs, and HTTP/2 over plaintext for "h2c" URLs.
//
// Unlike [http.Transport], each connection used by this package is a
// single physical connection, created by the transport and owned by the
// pool. That is what lets the pool count, bound and retire them.
package httppool
