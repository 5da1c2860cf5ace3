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

package httppool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var errMissingHost = errors.New("URL has no host")

// Origin identifies a logical remote endpoint. Requests are grouped into
// destinations, each with its own connection pool, by origin. Two origins
// are equal only if all of their fields are equal, so requests to the same
// server that carry different tags use different pools.
type Origin struct {
	// Scheme is the URL scheme, like "http", "https" or "h2c".
	Scheme string
	// Host is the host name or IP address, in lower case and without
	// brackets for IPv6 literals.
	Host string
	// Port is the TCP port. It is never zero for origins computed from URLs.
	Port int
	// Tag is an optional label that separates requests to the same server
	// into different pools. See WithTag.
	Tag string
}

// OriginFromURL computes the origin for a request URL. An empty scheme is
// treated as "http". When the URL has no explicit port, the default port of
// the scheme is used: 443 for "https" and 80 otherwise.
func OriginFromURL(u *url.URL) (Origin, error) {
	origin := Origin{Scheme: strings.ToLower(u.Scheme)}
	if origin.Scheme == "" {
		origin.Scheme = "http"
	}
	origin.Host = strings.ToLower(u.Hostname())
	if origin.Host == "" {
		return Origin{}, errMissingHost
	}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return Origin{}, fmt.Errorf("invalid port %q", portStr)
		}
		origin.Port = port
	} else {
		origin.Port = defaultPort(origin.Scheme)
	}
	return origin, nil
}

// WithTag returns a copy of this origin with the given tag.
func (o Origin) WithTag(tag string) Origin {
	o.Tag = tag
	return o
}

// HostPort returns the origin's host and port in "host:port" form.
func (o Origin) HostPort() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// String returns the origin as "scheme://host:port", followed by "#tag" if
// the origin has a tag.
func (o Origin) String() string {
	str := o.Scheme + "://" + o.HostPort()
	if o.Tag != "" {
		str += "#" + o.Tag
	}
	return str
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

type tagKey struct{}

// WithTag returns a context that tags the requests that use it. Tagged
// requests are sent through a destination of their own, separate from
// untagged requests and from requests with other tags to the same server.
func WithTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, tagKey{}, tag)
}

// TagFromContext returns the tag set with WithTag, or the empty string.
func TagFromContext(ctx context.Context) string {
	tag, _ := ctx.Value(tagKey{}).(string)
	return tag
}
