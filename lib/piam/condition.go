/*
Copyright 2023 PatSnap, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package piam

import (
	"net"

	"github.com/gravitational/trace"
)

// Range restricts where a request may come from, which proxy instance may
// evaluate it, or where it may go. Each populated field lists accepted
// values; an empty field accepts anything.
type Range struct {
	IPCidr []string `yaml:"ip_cidr,omitempty"`
	Region []string `yaml:"region,omitempty"`
	Env    []string `yaml:"env,omitempty"`
}

// MatchesLocation reports whether the (region, env) pair is accepted.
func (r *Range) MatchesLocation(region, env string) bool {
	if r == nil {
		return true
	}
	if len(r.Region) > 0 && !contains(r.Region, region) {
		return false
	}
	if len(r.Env) > 0 && !contains(r.Env, env) {
		return false
	}
	return true
}

// MatchesIP reports whether ip falls into one of the accepted CIDR blocks.
// An empty block list accepts any source.
func (r *Range) MatchesIP(ip net.IP) (bool, error) {
	if r == nil || len(r.IPCidr) == 0 {
		return true, nil
	}
	if ip == nil {
		return false, nil
	}
	for _, cidr := range r.IPCidr {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return false, trace.Wrap(Deserialize("bad ip_cidr %q: %v", cidr, err))
		}
		if ipnet.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

// ConditionRange scopes a ConditionPolicy: the groups it gates, and the
// from/proxy/to ranges a request must satisfy.
type ConditionRange struct {
	GroupIDs []string `yaml:"group_ids,omitempty"`
	From     *Range   `yaml:"from,omitempty"`
	Proxy    *Range   `yaml:"proxy,omitempty"`
	To       *Range   `yaml:"to,omitempty"`
}

// ConditionPolicy gates requests by source address and by proxy/target
// location. It is one statement inside a Policy[ConditionPolicy] envelope.
type ConditionPolicy struct {
	Version int            `yaml:"version"`
	ID      string         `yaml:"id"`
	Range   ConditionRange `yaml:"range"`
	Effect  *Effect        `yaml:"effect,omitempty"`
}

// ConditionInput is the request context a ConditionPolicy is evaluated
// against.
type ConditionInput struct {
	SourceIP     net.IP
	ProxyRegion  string
	ProxyEnv     string
	TargetRegion string
}

// FindEffect returns the statement's effect when every populated range
// accepts the input, nil when the statement does not apply.
func (p *ConditionPolicy) FindEffect(in ConditionInput) (*Effect, error) {
	ok, err := p.Range.From.MatchesIP(in.SourceIP)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, nil
	}
	if !p.Range.Proxy.MatchesLocation(in.ProxyRegion, in.ProxyEnv) {
		return nil, nil
	}
	if !p.Range.To.MatchesLocation(in.TargetRegion, "") {
		return nil, nil
	}
	return p.Effect, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
