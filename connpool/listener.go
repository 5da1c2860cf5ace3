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

import "time"

// Listener is notified of connection lifecycle events in a pool.
//
// Methods are called synchronously, in the order the events happened, by
// whichever goroutine caused the transition, but never while the pool's lock
// is held. They must not block: a slow listener delays the request that
// triggered the event.
type Listener interface {
	// OnCreated is called when a new connection has been established.
	OnCreated(info EntryInfo)
	// OnAcquired is called when a connection is leased to a request.
	OnAcquired(info EntryInfo)
	// OnReleased is called when a request returns its lease, before any
	// resulting removal is reported.
	OnReleased(info EntryInfo)
	// OnRemoved is called when an established connection is closed and
	// removed from the pool.
	OnRemoved(info EntryInfo, reason RemoveReason)
}

// ListenerFuncs is a Listener made of optional functions. Nil fields are
// ignored.
type ListenerFuncs struct {
	Created  func(EntryInfo)
	Acquired func(EntryInfo)
	Released func(EntryInfo)
	Removed  func(EntryInfo, RemoveReason)
}

var _ Listener = ListenerFuncs{}

// OnCreated implements Listener.
func (l ListenerFuncs) OnCreated(info EntryInfo) {
	if l.Created != nil {
		l.Created(info)
	}
}

// OnAcquired implements Listener.
func (l ListenerFuncs) OnAcquired(info EntryInfo) {
	if l.Acquired != nil {
		l.Acquired(info)
	}
}

// OnReleased implements Listener.
func (l ListenerFuncs) OnReleased(info EntryInfo) {
	if l.Released != nil {
		l.Released(info)
	}
}

// OnRemoved implements Listener.
func (l ListenerFuncs) OnRemoved(info EntryInfo, reason RemoveReason) {
	if l.Removed != nil {
		l.Removed(info, reason)
	}
}

// EntryInfo is a snapshot of one connection's state, taken when an event
// happened.
type EntryInfo struct {
	// ID identifies the connection within its pool. IDs are assigned in
	// creation order, starting at 1.
	ID           uint64
	State        State
	InUse        int
	MaxMultiplex int
	UsageCount   int
	CreatedAt    time.Time
}

// RemoveReason describes why a connection was removed from a pool.
type RemoveReason string

// Reasons reported to Listener.OnRemoved.
const (
	RemoveReasonMaxUsage    RemoveReason = "max usage count reached"
	RemoveReasonMaxDuration RemoveReason = "max duration exceeded"
	RemoveReasonIdleTimeout RemoveReason = "idle timeout"
	RemoveReasonConnClosed  RemoveReason = "connection closed"
	RemoveReasonDiscarded   RemoveReason = "discarded after failure"
	RemoveReasonPoolClosed  RemoveReason = "pool closed"
)

// Pending entries that fail to connect are never reported to listeners.
const removeReasonConnectError RemoveReason = "connect failed"

type eventKind int

const (
	eventCreated eventKind = iota
	eventAcquired
	eventReleased
	eventRemoved
)

type event struct {
	kind   eventKind
	info   EntryInfo
	reason RemoveReason
}

func (e event) notify(listener Listener) {
	switch e.kind {
	case eventCreated:
		listener.OnCreated(e.info)
	case eventAcquired:
		listener.OnAcquired(e.info)
	case eventReleased:
		listener.OnReleased(e.info)
	case eventRemoved:
		listener.OnRemoved(e.info, e.reason)
	}
}
