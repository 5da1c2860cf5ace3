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

import (
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/conn"
)

// State is the lifecycle state of a pooled connection.
type State int

const (
	// StatePending is the state of a connection that is being established.
	// It already counts against the pool's connection limit.
	StatePending State = iota
	// StateIdle is the state of an established connection that no request
	// is using.
	StateIdle
	// StateActive is the state of a connection in use by at least one
	// request. Multiplexed connections may still have spare capacity.
	StateActive
	// StateClosed is the state of a connection that has been removed from
	// its pool.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// entry is one connection slot. All fields are guarded by the owning pool's
// mutex, except id, which never changes, and connected/connectErr, which
// follow the usual close-then-read channel discipline.
type entry struct {
	id    uint64
	conn  conn.Conn
	state State
	// requests currently leasing this connection
	inUse int
	// leases ever granted
	usageCount   int
	maxMultiplex int
	createdAt    time.Time
	lastUsed     time.Time
	releaseSeq   uint64
	// a retiring entry takes no new leases and is removed once inUse is 0
	retiring     bool
	retireReason RemoveReason
	// waiter on whose behalf a pending entry is connecting, if any
	owner *waiter

	connected  chan struct{}
	connectErr error
}

func (e *entry) info() EntryInfo {
	return EntryInfo{
		ID:           e.id,
		State:        e.state,
		InUse:        e.inUse,
		MaxMultiplex: e.maxMultiplex,
		UsageCount:   e.usageCount,
		CreatedAt:    e.createdAt,
	}
}

func (e *entry) hasSpare() bool {
	return (e.state == StateIdle || e.state == StateActive) && !e.retiring && e.inUse < e.maxMultiplex
}

// Lease is a connection borrowed from a pool. Exactly one of Release or
// Discard must be called when the request using it completes, on every
// completion path.
type Lease struct {
	pool  *Pool
	entry *entry
	conn  conn.Conn

	// +checkatomic
	released atomic.Bool
}

// Conn returns the leased connection.
func (l *Lease) Conn() conn.Conn {
	return l.conn
}

// ID returns the pool-assigned ID of the leased connection.
func (l *Lease) ID() uint64 {
	return l.entry.id
}

// Release returns the connection to the pool. If the connection has reached
// its usage or age limit, or has been closed, it is removed from the pool.
// Otherwise it is handed to the next queued request or left idle.
//
// Calling Release or Discard more than once returns ErrAlreadyReleased.
func (l *Lease) Release() error {
	return l.pool.release(l, false, nil)
}

// Discard returns the connection to the pool after the request using it
// failed in a way that leaves the connection unusable, such as the peer
// resetting it mid-request. The connection takes no new requests and is
// closed and removed as soon as no request is using it. The given error is
// only logged.
//
// Calling Release or Discard more than once returns ErrAlreadyReleased.
func (l *Lease) Discard(cause error) error {
	return l.pool.release(l, true, cause)
}
