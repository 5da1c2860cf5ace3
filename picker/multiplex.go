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

// NewMultiplex creates pickers that select the connection with the most
// spare capacity. When several connections have the same spare capacity,
// the oldest one wins.
func NewMultiplex() Picker {
	return Func(pickMostSpare)
}

func pickMostSpare(candidates []Candidate) int {
	best, bestSpare := -1, 0
	for i, candidate := range candidates {
		if spare := candidate.Spare(); spare > bestSpare {
			best, bestSpare = i, spare
		}
	}
	return best
}
