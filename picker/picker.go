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

package picker

// Candidate describes one open connection in a pool, as seen by a Picker.
// Candidates are presented in the order their connections were created.
type Candidate struct {
	// InUse is the number of requests currently using the connection.
	InUse int
	// MaxMultiplex is the number of requests the connection can carry at
	// once. It is 1 for duplex connections.
	MaxMultiplex int
	// LastReleased orders connections by when they were last returned to
	// the pool. Larger values were released more recently. Connections that
	// were never released have a value of zero.
	LastReleased uint64
}

// Spare returns how many more requests the connection can carry.
func (c Candidate) Spare() int {
	if c.InUse >= c.MaxMultiplex {
		return 0
	}
	return c.MaxMultiplex - c.InUse
}

// Picker implements connection selection. Pick returns the index of the
// candidate to use, or -1 if none should be used, in which case the pool
// creates a new connection if it can or queues the request if it cannot.
//
// A picker may return a candidate with no spare capacity. Pools treat that
// as a signal to create a new connection when below their limit, and fall
// back to any candidate with spare capacity otherwise.
//
// Pick is always called with the owning pool's lock held, so
// implementations need not be safe for concurrent use, but they must be
// fast and must not block. Each pool gets its own Picker instance.
type Picker interface {
	Pick(candidates []Candidate) int
}

// Func adapts an ordinary function into a Picker.
type Func func(candidates []Candidate) int

// Pick implements Picker.
func (f Func) Pick(candidates []Candidate) int {
	return f(candidates)
}

// FirstFit returns the index of the first candidate with spare capacity,
// or -1 if they are all saturated.
func FirstFit(candidates []Candidate) int {
	for i, candidate := range candidates {
		if candidate.Spare() > 0 {
			return i
		}
	}
	return -1
}
