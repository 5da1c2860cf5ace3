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

// NewPowerOfTwo creates pickers that select two connections at random
// and pick the one with more spare capacity. This takes advantage of the
// [power of two random choices], which spreads load far better than a
// simple random picker without scanning every connection.
//
// [power of two random choices]: http://www.eecs.harvard.edu/~michaelm/postscripts/handbook2001.pdf
func NewPowerOfTwo() Picker {
	return &powerOfTwo{rng: internal.NewRand()}
}

type powerOfTwo struct {
	rng *rand.Rand
}

func (p *powerOfTwo) Pick(candidates []Candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	first := p.rng.Intn(len(candidates))
	second := p.rng.Intn(len(candidates))
	if candidates[second].Spare() > candidates[first].Spare() {
		return second
	}
	return first
}
