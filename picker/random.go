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

import (
	"math/rand"

	"github.com/bufbuild/httppool/internal"
)

// NewRandom creates pickers that select a connection uniformly at random,
// regardless of whether it is busy. Like round-robin, this may cause the
// pool to open more connections than strictly needed.
func NewRandom() Picker {
	return &randomPicker{rng: internal.NewRand()}
}

type randomPicker struct {
	rng *rand.Rand
}

func (r *randomPicker) Pick(candidates []Candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	return r.rng.Intn(len(candidates))
}
