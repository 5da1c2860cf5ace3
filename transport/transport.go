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

// Package transport provides the physical connections used by connection
// pools: HTTP/1.1 connections, which carry one request at a time, and
// HTTP/2 connections, which multiplex concurrent requests as streams.
//
// Both kinds dial a single resolved address, optionally performing a TLS
// handshake, and implement [conn.Conn].
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bufbuild/httppool/conn"
	"github.com/bufbuild/httppool/resolver"
)

const (
	defaultTLSHandshakeTimeout    = 10 * time.Second
	defaultMaxResponseHeaderBytes = 1 << 20
)

var (
	defaultDialer = &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	errConnClosed = errors.New("connection is closed")
)

// Config configures how transports establish connections. The zero value
// is usable.
type Config struct {
	// DialFunc opens network connections. Defaults to a net.Dialer with a
	// 30 second timeout and keep-alive period.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
	// TLSClientConfig is used for "https" and "h2" connections. The server
	// name is set from the origin's host if the config does not specify
	// one. ALPN protocols are always set by the transport.
	TLSClientConfig *tls.Config
	// TLSHandshakeTimeout bounds the TLS handshake. Defaults to 10 seconds.
	TLSHandshakeTimeout time.Duration
	// MaxResponseHeaderBytes limits the size of response headers. Defaults
	// to 1 MiB.
	MaxResponseHeaderBytes int64
}

func (cfg Config) withDefaults() Config {
	if cfg.DialFunc == nil {
		cfg.DialFunc = defaultDialer.DialContext
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = defaultTLSHandshakeTimeout
	}
	if cfg.MaxResponseHeaderBytes <= 0 {
		cfg.MaxResponseHeaderBytes = defaultMaxResponseHeaderBytes
	}
	return cfg
}

// dial opens a connection to addr, performing a TLS handshake that
// negotiates one of the given protocols when secure is true. It returns
// the negotiated protocol, which is empty if the server did not take part
// in ALPN.
func (cfg Config) dial(
	ctx context.Context,
	host string,
	addr resolver.Address,
	secure bool,
	protocols ...string,
) (net.Conn, string, error) {
	netConn, err := cfg.DialFunc(ctx, "tcp", addr.HostPort)
	if err != nil {
		return nil, "", err
	}
	if !secure {
		return netConn, "", nil
	}
	var tlsConfig *tls.Config
	if cfg.TLSClientConfig != nil {
		tlsConfig = cfg.TLSClientConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = host
	}
	tlsConfig.NextProtos = protocols

	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.TLSHandshakeTimeout)
	defer cancel()
	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = netConn.Close()
		return nil, "", fmt.Errorf("tls handshake with %s: %w", addr.HostPort, err)
	}
	return tlsConn, tlsConn.ConnectionState().NegotiatedProtocol, nil
}

// Negotiating returns a transport for "https" that uses HTTP/2 when the
// server selects it during the TLS handshake and HTTP/1.1 otherwise. Other
// schemes are delegated to the HTTP/1.1 transport.
//
// Callers must be prepared for connections with a MaxMultiplex above 1.
func Negotiating(config Config) conn.Transport {
	cfg := config.withDefaults()
	h1 := &http1Transport{cfg: cfg}
	h2 := newHTTP2Transport(cfg)
	return conn.TransportFunc(func(ctx context.Context, scheme, host string, addr resolver.Address) (conn.Conn, error) {
		if scheme != "https" {
			return h1.Connect(ctx, scheme, host, addr)
		}
		netConn, protocol, err := cfg.dial(ctx, host, addr, true, "h2", "http/1.1")
		if err != nil {
			return nil, err
		}
		if protocol == "h2" {
			return h2.newConn(netConn, "https")
		}
		return h1.newConn(netConn), nil
	})
}
