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

package resolver

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bufbuild/httppool/internal"
	"golang.org/x/sync/singleflight"
)

// NewCachingResolver wraps another resolver and caches successful results
// for the given TTL. Concurrent lookups of the same host and port that miss
// the cache are coalesced into a single call to the underlying resolver, so
// a burst of new connections to one origin results in one lookup.
//
// Errors are not cached. If a lookup fails while a stale entry exists, the
// stale addresses are returned instead of the error.
func NewCachingResolver(res Resolver, ttl time.Duration) Resolver {
	return &cachingResolver{
		res:   res,
		ttl:   ttl,
		clock: internal.NewRealClock(),
		cache: map[string]cacheEntry{},
	}
}

type cachingResolver struct {
	res   Resolver
	ttl   time.Duration
	clock internal.Clock
	group singleflight.Group

	mu sync.Mutex
	// +checklocks:mu
	cache map[string]cacheEntry
}

type cacheEntry struct {
	addresses []Address
	expiry    time.Time
}

func (r *cachingResolver) Resolve(ctx context.Context, host string, port int) ([]Address, error) {
	key := net.JoinHostPort(host, strconv.Itoa(port))
	now := r.clock.Now()
	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if ok && now.Before(entry.expiry) {
		return cloneAddresses(entry.addresses), nil
	}

	result := r.group.DoChan(key, func() (any, error) {
		// Shared by all callers; detached from the first caller's cancellation.
		addresses, err := r.res.Resolve(context.WithoutCancel(ctx), host, port)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[key] = cacheEntry{addresses: addresses, expiry: r.clock.Now().Add(r.ttl)}
		r.mu.Unlock()
		return addresses, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			if ok {
				// serve stale results rather than failing outright
				return cloneAddresses(entry.addresses), nil
			}
			return nil, res.Err
		}
		addresses, _ := res.Val.([]Address) //nolint:errcheck // always []Address
		return cloneAddresses(addresses), nil
	}
}

func cloneAddresses(addresses []Address) []Address {
	clone := make([]Address, len(addresses))
	copy(clone, addresses)
	return clone
}
