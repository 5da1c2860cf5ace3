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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/conn"
	"github.com/bufbuild/httppool/resolver"
)

var errConnBusy = errors.New("connection is already carrying a request")

// NewHTTP1 returns a transport that creates HTTP/1.1 connections for the
// "http" and "https" schemes. Each connection carries one request at a
// time, so its MaxMultiplex is always 1.
func NewHTTP1(config Config) conn.Transport {
	return &http1Transport{cfg: config.withDefaults()}
}

type http1Transport struct {
	cfg Config
}

func (t *http1Transport) Connect(ctx context.Context, scheme, host string, addr resolver.Address) (conn.Conn, error) {
	var secure bool
	switch scheme {
	case "http":
	case "https":
		secure = true
	default:
		return nil, fmt.Errorf("http/1.1 transport does not support scheme %q", scheme)
	}
	netConn, _, err := t.cfg.dial(ctx, host, addr, secure, "http/1.1")
	if err != nil {
		return nil, err
	}
	return t.newConn(netConn), nil
}

func (t *http1Transport) newConn(netConn net.Conn) *http1Conn {
	head := &headLimitReader{reader: netConn}
	return &http1Conn{
		netConn:        netConn,
		head:           head,
		reader:         bufio.NewReader(head),
		writer:         bufio.NewWriter(netConn),
		maxHeaderBytes: t.cfg.MaxResponseHeaderBytes,
	}
}

// http1Conn is a persistent HTTP/1.1 connection. The busy flag is held from
// the start of a request until its response body has been consumed, which
// also excludes liveness probes while a request is in flight.
type http1Conn struct {
	netConn        net.Conn
	head           *headLimitReader
	reader         *bufio.Reader
	writer         *bufio.Writer
	maxHeaderBytes int64

	closeOnce sync.Once
	// +checkatomic
	closed atomic.Bool
	// +checkatomic
	busy atomic.Bool
}

var _ conn.Conn = (*http1Conn)(nil)

func (c *http1Conn) RoundTrip(req *http.Request) (*http.Response, error) {
	if c.closed.Load() {
		return nil, errConnClosed
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, errConnBusy
	}
	// A cancelled exchange leaves the stream in an unknown state.
	stop := context.AfterFunc(req.Context(), func() {
		_ = c.Close()
	})
	resp, err := c.exchange(req)
	if err != nil {
		stop()
		_ = c.Close()
		c.busy.Store(false)
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	reusable := !resp.Close && !req.Close
	if resp.Body == nil || resp.Body == http.NoBody {
		resp.Body = http.NoBody
		c.finish(stop, reusable)
		return resp, nil
	}
	resp.Body = &http1Body{conn: c, body: resp.Body, stop: stop, reusable: reusable}
	return resp, nil
}

func (c *http1Conn) exchange(req *http.Request) (*http.Response, error) {
	if err := req.Write(c.writer); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}
	for {
		c.head.limit(c.maxHeaderBytes)
		resp, err := http.ReadResponse(c.reader, req)
		exceeded := c.head.unlimit()
		if err != nil {
			if exceeded {
				return nil, fmt.Errorf("response headers exceeded %d bytes", c.maxHeaderBytes)
			}
			return nil, err
		}
		// Informational responses precede the final one.
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		return resp, nil
	}
}

func (c *http1Conn) finish(stop func() bool, reusable bool) {
	if !stop() || !reusable {
		_ = c.Close()
	}
	c.busy.Store(false)
}

func (c *http1Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.netConn.Close()
	})
	return err
}

// IsClosed reports whether the connection is unusable. When the connection
// is idle, this probes the socket without blocking, so a connection closed
// by the server is detected before it is handed to a request.
func (c *http1Conn) IsClosed() bool {
	if c.closed.Load() {
		return true
	}
	if !c.busy.CompareAndSwap(false, true) {
		return false
	}
	defer c.busy.Store(false)
	if c.reader.Buffered() > 0 {
		// Unsolicited bytes from the server.
		_ = c.Close()
		return true
	}
	if err := c.netConn.SetReadDeadline(time.Now()); err != nil {
		_ = c.Close()
		return true
	}
	_, err := c.reader.Peek(1)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if err := c.netConn.SetReadDeadline(time.Time{}); err == nil {
			return false
		}
	}
	_ = c.Close()
	return true
}

func (c *http1Conn) MaxMultiplex() int {
	return 1
}

// http1Body returns the connection for reuse once the body is drained.
type http1Body struct {
	conn     *http1Conn
	body     io.ReadCloser
	stop     func() bool
	reusable bool

	once sync.Once
}

func (b *http1Body) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	switch {
	case errors.Is(err, io.EOF):
		b.done(true)
	case err != nil:
		b.done(false)
	}
	return n, err
}

func (b *http1Body) Close() error {
	// Closing before EOF leaves unread bytes on the wire, so the socket goes
	// first and the body's own close does not drain it.
	b.done(false)
	_ = b.body.Close()
	return nil
}

func (b *http1Body) done(atEOF bool) {
	b.once.Do(func() {
		b.conn.finish(b.stop, b.reusable && atEOF)
	})
}

// headLimitReader caps how many bytes can be read from the socket while a
// response head is being parsed. Bytes buffered ahead of the body count
// against the limit too.
type headLimitReader struct {
	reader    io.Reader
	limited   bool
	remaining int64
	exceeded  bool
}

func (r *headLimitReader) limit(n int64) {
	r.limited, r.remaining, r.exceeded = true, n, false
}

func (r *headLimitReader) unlimit() (exceeded bool) {
	r.limited = false
	return r.exceeded
}

func (r *headLimitReader) Read(p []byte) (int, error) {
	if !r.limited {
		return r.reader.Read(p)
	}
	if r.remaining <= 0 {
		r.exceeded = true
		return 0, io.ErrUnexpectedEOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.reader.Read(p)
	r.remaining -= int64(n)
	return n, err
}
