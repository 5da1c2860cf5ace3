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

// Package resolver provides functionality for name resolution. A
// [Resolver] turns the host and port of an origin into a list of network
// addresses. Connection pools call it once for each new physical
// connection, so it is effectively asynchronous: it runs on the pool's
// connect goroutine, never on the caller's.
//
// The default resolver is a DNS resolver wrapped in a caching resolver:
//
//	resolver.NewCachingResolver(
//	    resolver.NewDNSResolver(net.DefaultResolver, "ip", resolver.PreferIPv4),
//	    time.Minute,
//	)
//
// Custom resolvers can be plugged into a client with httppool.WithResolver.
// [Func] adapts a plain function, which is handy for static service
// discovery or for tests that want to inject latency.
package resolver
