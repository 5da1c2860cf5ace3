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

package connpool

import "errors"

var (
	// ErrPoolClosed is returned when acquiring from a pool that has been
	// closed. Requests still queued when the pool closes fail with it, too.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrAlreadyReleased is returned when a lease is released or discarded
	// more than once. It indicates a bug in the caller.
	ErrAlreadyReleased = errors.New("connection lease already released")
	// ErrConnectTimeout is wrapped by the *ConnectError of a connection
	// attempt that did not complete within the pool's connect timeout.
	ErrConnectTimeout = errors.New("connect timed out")
)

// ConnectError is returned to requests when the connection that was opened on
// their behalf could not be established. The underlying cause may be a name
// resolution failure, a refused connection, a failed TLS handshake, or
// ErrConnectTimeout.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return "failed to connect: " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
