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

// NewDuplex creates pickers that select the connection with spare capacity
// that was most recently released. Reusing the most recently used
// connection keeps it warm and lets the rest go idle long enough to be
// evicted, which shrinks the pool when load drops.
func NewDuplex() Picker {
	return Func(pickMostRecent)
}

func pickMostRecent(candidates []Candidate) int {
	best := -1
	for i, candidate := range candidates {
		if candidate.Spare() == 0 {
			continue
		}
		if best < 0 || candidate.LastReleased > candidates[best].LastReleased {
			best = i
		}
	}
	return best
}
