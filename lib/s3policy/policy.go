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

package s3policy

import (
	"github.com/gravitational/trace"

	"github.com/patsnapops/piam-sub000/lib/piam"
)

// ObjectStoragePolicy is one statement of the object-storage policy
// model.
type ObjectStoragePolicy struct {
	Version     int         `yaml:"version"`
	ID          string      `yaml:"id"`
	InputPolicy InputPolicy `yaml:"input_policy"`
}

// InputPolicy gates operations by action name and by the bucket (and
// keys) they touch.
type InputPolicy struct {
	// Actions limits the statement to the listed action names. Empty
	// accepts every action; ActionAny is an explicit wildcard entry.
	Actions []string     `yaml:"actions,omitempty"`
	Bucket  BucketPolicy `yaml:"bucket"`
}

// BucketPolicy matches the bucket of an operation. Keys applies to object
// operations only. At most one Key may omit Path; that one is the default
// for keys no explicit matcher covers (key policies are assumed
// non-conflicting).
type BucketPolicy struct {
	Name   *piam.StringMatcher `yaml:"name,omitempty"`
	Tag    string              `yaml:"tag,omitempty"`
	Effect *piam.Effect        `yaml:"effect,omitempty"`
	Keys   []KeyPolicy         `yaml:"keys,omitempty"`
}

// KeyPolicy matches object paths of the form "<bucket>/<key>".
type KeyPolicy struct {
	Path   *piam.StringMatcher `yaml:"path,omitempty"`
	Tag    string              `yaml:"tag,omitempty"`
	Effect *piam.Effect        `yaml:"effect,omitempty"`
}

// FindEffect returns the effect this statement contributes for the input,
// or nil when the statement does not apply.
func (p *ObjectStoragePolicy) FindEffect(input *Input) (*piam.Effect, error) {
	if len(p.InputPolicy.Actions) > 0 && !actionAllowed(p.InputPolicy.Actions, input.Action()) {
		return nil, nil
	}
	bucket := &p.InputPolicy.Bucket
	switch input.Kind() {
	case ListBucketsKind, BucketKind:
		if bucket.Name != nil && !bucket.Name.Matches(input.Bucket) {
			return nil, nil
		}
		return bucket.Effect, nil
	case ObjectKind:
		if bucket.Name != nil && !bucket.Name.Matches(input.Bucket) {
			return nil, nil
		}
		return findObjectEffect(bucket, input), nil
	}
	return nil, trace.Wrap(piam.AssertFail("unhandled action kind %v", input.Kind()))
}

// findObjectEffect scans key policies in order. An explicit path match
// returns immediately; a policy without a path is remembered as the
// default and returned after the scan. Without any key hit the bucket
// effect applies.
func findObjectEffect(bucket *BucketPolicy, input *Input) *piam.Effect {
	paths := input.Paths()
	var defaultEffect *piam.Effect
	for i := range bucket.Keys {
		key := &bucket.Keys[i]
		if key.Path == nil {
			defaultEffect = key.Effect
			continue
		}
		if matchesAll(key.Path, paths) {
			return key.Effect
		}
	}
	if defaultEffect != nil {
		return defaultEffect
	}
	return bucket.Effect
}

// matchesAll requires every path to satisfy the matcher; DeleteObjects
// carries multiple paths and matches only when all of them do.
func matchesAll(m *piam.StringMatcher, paths []string) bool {
	for _, p := range paths {
		if !m.Matches(p) {
			return false
		}
	}
	return len(paths) > 0
}

// FindEffects evaluates the found object-storage policies against the
// input and collects the matched effects. A policy with an empty
// statement list is malformed and fails the request.
func FindEffects(policies []*piam.Policy[ObjectStoragePolicy], input *Input) ([]piam.Effect, error) {
	var effects []piam.Effect
	for _, policy := range policies {
		if len(policy.Statements) == 0 {
			return nil, trace.Wrap(piam.OtherInternal("policy %q has no statements", policy.ID))
		}
		for i := range policy.Statements {
			effect, err := policy.Statements[i].FindEffect(input)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if effect != nil {
				effects = append(effects, *effect)
			}
		}
	}
	return effects, nil
}

// FindConditionEffects evaluates the found condition policies against the
// request context and collects the matched effects.
func FindConditionEffects(policies []*piam.Policy[piam.ConditionPolicy], in piam.ConditionInput) ([]piam.Effect, error) {
	var effects []piam.Effect
	for _, policy := range policies {
		if len(policy.Statements) == 0 {
			return nil, trace.Wrap(piam.OtherInternal("policy %q has no statements", policy.ID))
		}
		for i := range policy.Statements {
			effect, err := policy.Statements[i].FindEffect(in)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if effect != nil {
				effects = append(effects, *effect)
			}
		}
	}
	return effects, nil
}

func actionAllowed(actions []string, action string) bool {
	for _, a := range actions {
		if a == action || a == ActionAny {
			return true
		}
	}
	return false
}
