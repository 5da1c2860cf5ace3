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

// NewRoundRobin creates pickers that cycle through the connections in
// creation order, regardless of whether they are busy. When the next
// connection in the cycle is saturated, the pool opens a new connection if
// it is below its limit instead of looking further, so a round-robin pool
// may hold more connections than strictly needed.
func NewRoundRobin() Picker {
	return &roundRobin{}
}

type roundRobin struct {
	counter uint64
}

func (r *roundRobin) Pick(candidates []Candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	index := r.counter % uint64(len(candidates))
	r.counter++
	return int(index) //nolint:gosec // bounded by len(candidates)
}
