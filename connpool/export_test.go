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

import "github.com/bufbuild/httppool/internal"

// WithClock configures the clock used for connection ages, idle times and
// the idle sweep.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.clock = clock
	})
}
