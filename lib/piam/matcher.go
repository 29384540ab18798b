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

import "strings"

// StringMatcher matches a value by exact equality or by prefix. The zero
// value matches nothing; a policy field that should match anything leaves
// the matcher pointer nil instead.
type StringMatcher struct {
	Eq        []string `yaml:"eq,omitempty"`
	StartWith []string `yaml:"start_with,omitempty"`
}

// Matches reports whether v equals one of Eq or starts with one of
// StartWith.
func (m *StringMatcher) Matches(v string) bool {
	for _, e := range m.Eq {
		if v == e {
			return true
		}
	}
	for _, p := range m.StartWith {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

// ConflictWith returns a value both matchers can match, or "" when the
// matchers are disjoint. Two matchers conflict when they share an Eq value
// or when one StartWith prefix extends the other.
func (m *StringMatcher) ConflictWith(other *StringMatcher) string {
	if other == nil {
		return ""
	}
	for _, e := range m.Eq {
		for _, oe := range other.Eq {
			if e == oe {
				return e
			}
		}
	}
	for _, p := range m.StartWith {
		for _, op := range other.StartWith {
			if strings.HasPrefix(p, op) || strings.HasPrefix(op, p) {
				if len(p) > len(op) {
					return p
				}
				return op
			}
		}
	}
	return ""
}
