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

import "github.com/gravitational/trace"

// EffectKind is the decision contribution of a matched policy.
type EffectKind string

const (
	EffectAllow EffectKind = "allow"
	EffectDeny  EffectKind = "deny"
)

// EmitEvent asks the proxy to publish an audit event for the matched
// request.
type EmitEvent struct {
	Topic string `yaml:"topic,omitempty"`
}

// RateLimit caps the matched traffic.
type RateLimit struct {
	// Count per Seconds window.
	Count   int `yaml:"count"`
	Seconds int `yaml:"seconds"`
}

// Modify rewrites parts of the matched request before forwarding.
type Modify struct {
	SetHeaders    map[string]string `yaml:"set_headers,omitempty"`
	RemoveHeaders []string          `yaml:"remove_headers,omitempty"`
}

// Effect is the tagged decision of a policy statement. The zero value
// denies.
type Effect struct {
	Kind      EffectKind `yaml:"kind,omitempty"`
	EmitEvent *EmitEvent `yaml:"emit_event,omitempty"`
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`
	Modify    *Modify    `yaml:"modify,omitempty"`
}

// IsAllow reports whether the effect permits the request. An unset kind
// denies.
func (e *Effect) IsAllow() bool {
	return e != nil && e.Kind == EffectAllow
}

// Decision is the folded outcome of all matched effects.
type Decision struct {
	EmitEvents []EmitEvent
	// RateLimit is surfaced for callers; the proxy pipeline does not
	// enforce it.
	RateLimit *RateLimit
	Modify    *Modify
}

// Fold combines matched effects into a single decision. An empty set and
// any deny both reject the request: deny wins.
func Fold(effects []Effect) (*Decision, error) {
	if len(effects) == 0 {
		return nil, trace.Wrap(EffectNotFound("no effect matched the request"))
	}
	for _, e := range effects {
		if !e.IsAllow() {
			return nil, trace.Wrap(EffectNotFound("request denied by policy"))
		}
	}
	d := &Decision{}
	for _, e := range effects {
		if e.EmitEvent != nil {
			d.EmitEvents = append(d.EmitEvents, *e.EmitEvent)
		}
		// At most one of each is expected across the matched set;
		// last one wins.
		if e.RateLimit != nil {
			d.RateLimit = e.RateLimit
		}
		if e.Modify != nil {
			d.Modify = e.Modify
		}
	}
	return d, nil
}
