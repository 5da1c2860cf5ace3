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

// Package connpool implements a bounded pool of physical connections to a
// single origin.
//
// A [Pool] lends its connections to requests through [Lease] values. When a
// request arrives and no connection has spare capacity, the pool either opens
// a new connection, if it is below its limit, or queues the request. Queued
// requests are served strictly in arrival order as connections are released
// or finish connecting.
//
// Connections are retired after a configurable number of uses or a maximum
// age, are evicted after sitting idle too long, and are removed when they fail
// while in use. The [Policy] chosen for a pool decides which connection a
// request gets when more than one could serve it.
//
// All pool state is guarded by a single mutex. Callbacks given to
// [Pool.AcquireFunc] and [Listener] methods are never invoked while that
// mutex is held.
package connpool
