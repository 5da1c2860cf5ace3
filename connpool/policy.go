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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bufbuild/httppool/picker"
)

const (
	// DefaultMaxMultiplex is the number of concurrent requests per
	// connection assumed by MultiplexPolicy when no limit is given.
	DefaultMaxMultiplex = 100
	// DefaultPolicyMaxDuration is the maximum connection age used by
	// DuplexMaxDurationPolicy when no age is given.
	DefaultPolicyMaxDuration = time.Minute
)

// Policy determines how a pool selects among its connections and how many
// requests each connection may carry at once. The zero value is equivalent
// to DuplexPolicy.
type Policy struct {
	name         string
	arg          string
	newPicker    func() picker.Picker
	maxMultiplex int
	maxDuration  time.Duration
}

// DuplexPolicy returns a policy that sends one request at a time over each
// connection, preferring the most recently released idle connection.
func DuplexPolicy() Policy {
	return Policy{name: "duplex", newPicker: picker.NewDuplex, maxMultiplex: 1}
}

// DuplexMaxDurationPolicy is like DuplexPolicy but also retires connections
// once they are older than the given age. A pool's own MaxDuration option,
// if set, takes precedence. If the given age is not positive,
// DefaultPolicyMaxDuration is used.
func DuplexMaxDurationPolicy(maxDuration time.Duration) Policy {
	if maxDuration <= 0 {
		maxDuration = DefaultPolicyMaxDuration
	}
	policy := DuplexPolicy()
	policy.name = "duplex-max-duration"
	policy.arg = maxDuration.String()
	policy.maxDuration = maxDuration
	return policy
}

// MultiplexPolicy returns a policy that sends up to maxMultiplex concurrent
// requests over each connection, preferring the connection with the most
// spare capacity. Connections that report a lower limit of their own, like
// HTTP/2 connections whose peer limits concurrent streams, use that limit
// instead. If maxMultiplex is not positive, DefaultMaxMultiplex is used.
func MultiplexPolicy(maxMultiplex int) Policy {
	if maxMultiplex <= 0 {
		maxMultiplex = DefaultMaxMultiplex
	}
	return Policy{
		name:         "multiplex",
		arg:          strconv.Itoa(maxMultiplex),
		newPicker:    picker.NewMultiplex,
		maxMultiplex: maxMultiplex,
	}
}

// RoundRobinPolicy returns a policy that cycles through connections in
// creation order. See picker.NewRoundRobin.
func RoundRobinPolicy(maxMultiplex int) Policy {
	return simplePolicy("round-robin", picker.NewRoundRobin, maxMultiplex)
}

// RandomPolicy returns a policy that selects connections at random. See
// picker.NewRandom.
func RandomPolicy(maxMultiplex int) Policy {
	return simplePolicy("random", picker.NewRandom, maxMultiplex)
}

// PowerOfTwoPolicy returns a policy that picks the less loaded of two
// randomly selected connections. See picker.NewPowerOfTwo.
func PowerOfTwoPolicy(maxMultiplex int) Policy {
	return simplePolicy("power-of-two", picker.NewPowerOfTwo, maxMultiplex)
}

// CustomPolicy returns a policy that uses pickers created by the given
// function. Each pool calls newPicker once.
func CustomPolicy(name string, newPicker func() picker.Picker, maxMultiplex int) Policy {
	return simplePolicy(name, newPicker, maxMultiplex)
}

func simplePolicy(name string, newPicker func() picker.Picker, maxMultiplex int) Policy {
	if maxMultiplex <= 0 {
		maxMultiplex = 1
	}
	policy := Policy{name: name, newPicker: newPicker, maxMultiplex: maxMultiplex}
	if maxMultiplex > 1 {
		policy.arg = strconv.Itoa(maxMultiplex)
	}
	return policy
}

// ParsePolicy parses a policy from its string form, as produced by
// Policy.String. The accepted forms are:
//
//	duplex
//	duplex-max-duration[:<duration>]
//	multiplex[:<max concurrent requests>]
//	round-robin[:<max concurrent requests>]
//	random[:<max concurrent requests>]
//	power-of-two[:<max concurrent requests>]
func ParsePolicy(str string) (Policy, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(str), ":")
	parseMultiplex := func() (int, error) {
		if !hasArg {
			return 0, nil
		}
		maxMultiplex, err := strconv.Atoi(arg)
		if err != nil || maxMultiplex < 1 {
			return 0, fmt.Errorf("invalid policy %q: max concurrent requests must be a positive integer", str)
		}
		return maxMultiplex, nil
	}
	switch name {
	case "duplex":
		if hasArg {
			return Policy{}, fmt.Errorf("invalid policy %q: duplex takes no argument", str)
		}
		return DuplexPolicy(), nil
	case "duplex-max-duration":
		if !hasArg {
			return DuplexMaxDurationPolicy(0), nil
		}
		maxDuration, err := time.ParseDuration(arg)
		if err != nil || maxDuration <= 0 {
			return Policy{}, fmt.Errorf("invalid policy %q: max duration must be a positive duration", str)
		}
		return DuplexMaxDurationPolicy(maxDuration), nil
	case "multiplex":
		maxMultiplex, err := parseMultiplex()
		if err != nil {
			return Policy{}, err
		}
		return MultiplexPolicy(maxMultiplex), nil
	case "round-robin":
		maxMultiplex, err := parseMultiplex()
		if err != nil {
			return Policy{}, err
		}
		return RoundRobinPolicy(maxMultiplex), nil
	case "random":
		maxMultiplex, err := parseMultiplex()
		if err != nil {
			return Policy{}, err
		}
		return RandomPolicy(maxMultiplex), nil
	case "power-of-two":
		maxMultiplex, err := parseMultiplex()
		if err != nil {
			return Policy{}, err
		}
		return PowerOfTwoPolicy(maxMultiplex), nil
	default:
		return Policy{}, fmt.Errorf("unknown policy %q", str)
	}
}

// String returns the policy in the form accepted by ParsePolicy.
func (p Policy) String() string {
	p = p.orDefault()
	if p.arg == "" {
		return p.name
	}
	return p.name + ":" + p.arg
}

// MaxMultiplex returns the most concurrent requests the policy allows on a
// single connection.
func (p Policy) MaxMultiplex() int {
	return p.orDefault().maxMultiplex
}

// UnmarshalText implements encoding.TextUnmarshaler, so policies can be
// used directly in configuration files.
func (p *Policy) UnmarshalText(text []byte) error {
	policy, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = policy
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p Policy) orDefault() Policy {
	if p.newPicker == nil {
		return DuplexPolicy()
	}
	return p
}
