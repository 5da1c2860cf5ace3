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
	"errors"
	"net"
	"strconv"
)

// ErrNoAddresses is returned by resolvers that completed successfully but
// found no usable addresses for a host.
var ErrNoAddresses = errors.New("resolver returned no addresses")

// AddressFamilyAffinity is an option that allows control over the preference
// for which addresses to consider when resolving, based on their address
// family.
type AddressFamilyAffinity int

const (
	// AllFamilies will result in all addresses being used, regardless of
	// their address family.
	AllFamilies AddressFamilyAffinity = iota

	// PreferIPv4 will result in only IPv4 addresses being used, if any
	// IPv4 addresses are present. If no IPv4 addresses are resolved, then
	// all addresses will be used.
	PreferIPv4

	// PreferIPv6 will result in only IPv6 addresses being used, if any
	// IPv6 addresses are present. If no IPv6 addresses are resolved, then
	// all addresses will be used.
	PreferIPv6
)

// Resolver resolves a host and port into the network addresses that a
// transport can connect to.
type Resolver interface {
	// Resolve returns the addresses for the given host and port, in the
	// order in which connections should be attempted.
	//
	// A connection pool calls this once per new physical connection, from
	// its own goroutine, so implementations may be slow. Calls for the same
	// host may overlap and must be safe for concurrent use. The given
	// context carries the connect timeout; implementations should give up
	// when it is done.
	Resolve(ctx context.Context, host string, port int) ([]Address, error)
}

// Func adapts an ordinary function into a Resolver.
type Func func(ctx context.Context, host string, port int) ([]Address, error)

// Resolve implements Resolver.
func (f Func) Resolve(ctx context.Context, host string, port int) ([]Address, error) {
	return f(ctx, host, port)
}

// Address is a resolved network address.
type Address struct {
	// HostPort stores the host:port pair of the resolved address.
	HostPort string
}

// NewDNSResolver creates a new resolver that resolves DNS names.
// You can specify which kind of network addresses to resolve with the network
// parameter, and the resolver will return only IP addresses of the type
// specified by network. The network must be one of "ip", "ip4" or "ip6".
// The specified address family affinity value can be used to prefer using
// either IPv4 or IPv6 addresses only, in cases where there are both A and
// AAAA records.
//
// Lookups are not cached. Wrap the result with NewCachingResolver to avoid a
// DNS round-trip for every new connection.
func NewDNSResolver(
	resolver *net.Resolver,
	network string,
	affinity AddressFamilyAffinity,
) Resolver {
	return &dnsResolver{
		resolver: resolver,
		network:  network,
		affinity: affinity,
	}
}

type dnsResolver struct {
	resolver *net.Resolver
	network  string
	affinity AddressFamilyAffinity
}

func (r *dnsResolver) Resolve(ctx context.Context, host string, port int) ([]Address, error) {
	addresses, err := r.resolver.LookupNetIP(ctx, r.network, host)
	if err != nil {
		return nil, err
	}
	switch r.affinity {
	case AllFamilies:
		break
	case PreferIPv4:
		ip4Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is4() || address.Is4In6() {
				ip4Addresses = append(ip4Addresses, address)
			}
		}
		if len(ip4Addresses) > 0 {
			addresses = ip4Addresses
		}
	case PreferIPv6:
		ip6Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is6() && !address.Is4In6() {
				ip6Addresses = append(ip6Addresses, address)
			}
		}
		if len(ip6Addresses) > 0 {
			addresses = ip6Addresses
		}
	}
	if len(addresses) == 0 {
		return nil, ErrNoAddresses
	}
	portStr := strconv.Itoa(port)
	result := make([]Address, len(addresses))
	for i, address := range addresses {
		result[i].HostPort = net.JoinHostPort(address.Unmap().String(), portStr)
	}
	return result, nil
}
