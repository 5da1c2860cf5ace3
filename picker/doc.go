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

// Package picker provides functionality for picking a connection.
// This is used by a [github.com/bufbuild/httppool/connpool.Pool] to select
// which of its open connections should carry the next request.
//
// This package defines the core interface, [Picker], which is a selection
// function over a snapshot of a pool's connections. The pool owns all of
// the state: it builds the candidate list, holds its lock while calling
// Pick, and decides what to do when the picked connection has no spare
// capacity.
//
// This package also contains the implementations, all in the form of
// functions whose names start with "New". Each such function produces a
// picker that implements a particular selection algorithm, like LIFO reuse
// for duplex connections, best-fit for multiplexed connections, round-robin,
// or random.
package picker
