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

import (
	"time"

	"github.com/bufbuild/httppool/internal"
	"go.uber.org/zap"
)

const (
	// DefaultMaxConnections is the connection limit of a pool created
	// without the WithMaxConnections option.
	DefaultMaxConnections = 64
	// DefaultConnectTimeout bounds connection attempts of a pool created
	// without the WithConnectTimeout option.
	DefaultConnectTimeout = 15 * time.Second
)

// Option is an option used to customize the behavior of a pool.
type Option interface {
	apply(*poolOptions)
}

// WithMaxConnections limits the number of connections the pool may hold at
// once, counting connections that are still being established. Requests
// that arrive when every connection is busy and the limit is reached are
// queued. If zero or no WithMaxConnections option is used, the limit is
// DefaultMaxConnections.
func WithMaxConnections(limit int) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.maxConnections = limit
	})
}

// WithMaxUsageCount retires connections after they have carried the given
// number of requests. A retired connection is closed as soon as its last
// request completes. If zero or no WithMaxUsageCount option is used,
// connections may be reused indefinitely.
func WithMaxUsageCount(limit int) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.maxUsageCount = limit
	})
}

// WithMaxDuration retires connections once they are older than the given
// duration, measured from when the connection was established. Idle
// connections that have expired are closed when next considered for a
// request, rather than being reused, and busy ones are closed when their
// last request completes. If zero or no WithMaxDuration option is used, the
// policy's maximum age applies, if any.
func WithMaxDuration(duration time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.maxDuration = duration
	})
}

// WithIdleTimeout closes connections that have been idle for the given
// duration. If zero or no WithIdleTimeout option is used, idle connections
// are left open indefinitely.
func WithIdleTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.idleTimeout = duration
	})
}

// WithConnectTimeout bounds how long the pool waits for a connection to be
// established, including name resolution and any TLS handshake. If zero or
// no WithConnectTimeout option is used, DefaultConnectTimeout applies.
func WithConnectTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.connectTimeout = duration
	})
}

// WithPolicy configures how the pool selects among its connections. If no
// WithPolicy option is used, DuplexPolicy is used.
func WithPolicy(policy Policy) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.policy = policy
	})
}

// WithLogger configures the logger used for connection lifecycle messages.
// If no WithLogger option is used, nothing is logged.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.logger = logger
	})
}

// WithListener adds a listener that is notified of connection lifecycle
// events. This option may be used more than once; listeners are notified in
// the order they were added.
func WithListener(listener Listener) Option {
	return optionFunc(func(opts *poolOptions) {
		if listener != nil {
			opts.listeners = append(opts.listeners, listener)
		}
	})
}

// WithExecutor configures how callbacks passed to Pool.AcquireFunc are run.
// The executor must run the given function asynchronously. If no
// WithExecutor option is used, each callback runs in a new goroutine.
func WithExecutor(executor func(func())) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.executor = executor
	})
}

type optionFunc func(*poolOptions)

func (f optionFunc) apply(opts *poolOptions) {
	f(opts)
}

type poolOptions struct {
	maxConnections int
	maxUsageCount  int
	maxDuration    time.Duration
	idleTimeout    time.Duration
	connectTimeout time.Duration
	policy         Policy
	logger         *zap.Logger
	listeners      []Listener
	executor       func(func())
	clock          internal.Clock
}

func (opts *poolOptions) applyDefaults() {
	if opts.maxConnections <= 0 {
		opts.maxConnections = DefaultMaxConnections
	}
	if opts.maxUsageCount < 0 {
		opts.maxUsageCount = 0
	}
	if opts.connectTimeout <= 0 {
		opts.connectTimeout = DefaultConnectTimeout
	}
	opts.policy = opts.policy.orDefault()
	if opts.maxDuration <= 0 {
		opts.maxDuration = opts.policy.maxDuration
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.executor == nil {
		opts.executor = func(f func()) { go f() }
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
