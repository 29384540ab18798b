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
	"sort"
	"strings"

	"github.com/gravitational/trace"
)

// ProxyCondition pins a proxy instance to a (region, env) pair. When set,
// the container build drops condition policies (and everything only they
// reference) that this instance can never evaluate.
type ProxyCondition struct {
	Region string
	Env    string
}

// IamContainerConfig carries the raw lists fetched from the manager. M is
// the user-input policy model this proxy evaluates.
type IamContainerConfig[M any] struct {
	Accounts               []Account
	Users                  []User
	Groups                 []Group
	UserInputPolicies      []*Policy[M]
	ConditionPolicies      []*Policy[ConditionPolicy]
	UserGroupRelationships []UserGroupRelationship
	PolicyRelationships    []PolicyRelationship
	// ProxyCondition enables the prefilter when non-nil.
	ProxyCondition *ProxyCondition
}

// IamContainer is the indexed, read-only view of the IAM graph. All
// derived indexes are built once and never mutated afterwards.
type IamContainer[M any] struct {
	accounts             map[string]*Account // keyed by code
	users                map[string]*User    // keyed by id
	userIDByBaseAK       map[string]string
	groups               map[string]*Group
	userInputPolicies    map[string]*Policy[M]
	conditionPolicies    map[string]*Policy[ConditionPolicy]
	groupIDsByUserID     map[string][]string
	policyRelationships  []PolicyRelationship
	accountCodesByLength []string
}

// NewIamContainer indexes the raw lists, applying the proxy-condition
// prefilter first when configured.
func NewIamContainer[M any](cfg IamContainerConfig[M]) (*IamContainer[M], error) {
	if cfg.ProxyCondition != nil {
		prefilter(&cfg)
	}

	c := &IamContainer[M]{
		accounts:            make(map[string]*Account, len(cfg.Accounts)),
		users:               make(map[string]*User, len(cfg.Users)),
		userIDByBaseAK:      make(map[string]string, len(cfg.Users)),
		groups:              make(map[string]*Group, len(cfg.Groups)),
		userInputPolicies:   make(map[string]*Policy[M], len(cfg.UserInputPolicies)),
		conditionPolicies:   make(map[string]*Policy[ConditionPolicy], len(cfg.ConditionPolicies)),
		groupIDsByUserID:    make(map[string][]string),
		policyRelationships: cfg.PolicyRelationships,
	}
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if _, ok := c.accounts[a.Code]; ok {
			return nil, trace.Wrap(AssertFail("duplicate account code %q", a.Code))
		}
		c.accounts[a.Code] = a
		c.accountCodesByLength = append(c.accountCodesByLength, a.Code)
	}
	// Longest code first so that suffix stripping picks the most specific
	// account.
	sortByLengthDesc(c.accountCodesByLength)
	for i := range cfg.Users {
		u := &cfg.Users[i]
		if _, ok := c.users[u.ID]; ok {
			return nil, trace.Wrap(AssertFail("duplicate user id %q", u.ID))
		}
		c.users[u.ID] = u
		c.userIDByBaseAK[u.BaseAccessKey] = u.ID
	}
	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		c.groups[g.ID] = g
	}
	for _, p := range cfg.UserInputPolicies {
		c.userInputPolicies[p.ID] = p
	}
	for _, p := range cfg.ConditionPolicies {
		c.conditionPolicies[p.ID] = p
	}
	for _, rel := range cfg.UserGroupRelationships {
		c.groupIDsByUserID[rel.UserID] = append(c.groupIDsByUserID[rel.UserID], rel.GroupID)
	}
	return c, nil
}

// prefilter shrinks the working set to what this proxy instance can
// actually evaluate: condition policies pinned to another (region, env)
// are dropped together with the groups they gate and everything that only
// those groups referenced.
func prefilter[M any](cfg *IamContainerConfig[M]) {
	droppedGroups := make(map[string]bool)
	keptCondition := cfg.ConditionPolicies[:0]
	for _, p := range cfg.ConditionPolicies {
		dropped := false
		for i := range p.Statements {
			s := &p.Statements[i]
			if s.Range.Proxy != nil && !s.Range.Proxy.MatchesLocation(cfg.ProxyCondition.Region, cfg.ProxyCondition.Env) {
				for _, gid := range s.Range.GroupIDs {
					droppedGroups[gid] = true
				}
				dropped = true
			}
		}
		if !dropped {
			keptCondition = append(keptCondition, p)
		}
	}
	cfg.ConditionPolicies = keptCondition

	keptUGR := cfg.UserGroupRelationships[:0]
	for _, rel := range cfg.UserGroupRelationships {
		if !droppedGroups[rel.GroupID] {
			keptUGR = append(keptUGR, rel)
		}
	}
	cfg.UserGroupRelationships = keptUGR

	keptGroups := cfg.Groups[:0]
	for _, g := range cfg.Groups {
		if !droppedGroups[g.ID] {
			keptGroups = append(keptGroups, g)
		}
	}
	cfg.Groups = keptGroups

	// Policies referenced only by relationships on dropped groups go too.
	referenced := make(map[string]bool)
	keptRel := cfg.PolicyRelationships[:0]
	for _, rel := range cfg.PolicyRelationships {
		if rel.GroupID != "" && droppedGroups[rel.GroupID] {
			continue
		}
		keptRel = append(keptRel, rel)
		referenced[rel.PolicyID] = true
	}
	cfg.PolicyRelationships = keptRel

	keptPolicies := cfg.UserInputPolicies[:0]
	for _, p := range cfg.UserInputPolicies {
		if referenced[p.ID] {
			keptPolicies = append(keptPolicies, p)
		}
	}
	cfg.UserInputPolicies = keptPolicies
}

// FindAccountByCode returns the account owning the given code.
func (c *IamContainer[M]) FindAccountByCode(code string) (*Account, error) {
	account, ok := c.accounts[code]
	if !ok {
		return nil, trace.Wrap(InvalidAccessKey("no account with code %q", code))
	}
	return account, nil
}

// FindUserByBaseAccessKey returns the user identified by the base part of
// a virtual access key.
func (c *IamContainer[M]) FindUserByBaseAccessKey(baseAK string) (*User, error) {
	id, ok := c.userIDByBaseAK[baseAK]
	if !ok {
		return nil, trace.Wrap(InvalidAccessKey("unknown access key %q", baseAK))
	}
	return c.users[id], nil
}

// FindUserByAccessKey resolves a presented virtual access key. In uni-key
// deployments the whole key is the base key and the owning account comes
// from the bucket map, so the returned account is nil. Otherwise the key
// carries an account code suffix which selects the destination account.
func (c *IamContainer[M]) FindUserByAccessKey(accessKey string) (*User, *Account, error) {
	if user, err := c.FindUserByBaseAccessKey(accessKey); err == nil {
		return user, nil, nil
	}
	for _, code := range c.accountCodesByLength {
		if !strings.HasSuffix(accessKey, code) {
			continue
		}
		user, err := c.FindUserByBaseAccessKey(strings.TrimSuffix(accessKey, code))
		if err != nil {
			continue
		}
		return user, c.accounts[code], nil
	}
	return nil, nil, trace.Wrap(InvalidAccessKey("unknown access key %q", accessKey))
}

// FindGroupsByUser returns the groups the user belongs to.
func (c *IamContainer[M]) FindGroupsByUser(user *User) ([]Group, error) {
	ids := c.groupIDsByUserID[user.ID]
	if len(ids) == 0 {
		return nil, trace.Wrap(GroupNotFound("user %q belongs to no group", user.Name))
	}
	groups := make([]Group, 0, len(ids))
	for _, id := range ids {
		g, ok := c.groups[id]
		if !ok {
			return nil, trace.Wrap(GroupNotFound("group %q of user %q not found", id, user.Name))
		}
		groups = append(groups, *g)
	}
	return groups, nil
}

// PolicyFilterParams selects the policy relationships applicable to a
// request.
type PolicyFilterParams struct {
	Account      *Account
	TargetRegion string
	User         *User
	Groups       []Group
	Roles        []string
}

// FoundPolicies are the policies selected by FindPolicies, partitioned by
// model.
type FoundPolicies[M any] struct {
	Condition []*Policy[ConditionPolicy]
	UserInput []*Policy[M]
}

// FindPolicies scans the relationship list and collects the policies
// matching all five predicates under the "any" semantics. An empty result
// is a MissingPolicy error; a matched relationship naming an unknown
// policy model is an assertion failure.
func (c *IamContainer[M]) FindPolicies(filter PolicyFilterParams, userInputModel, conditionModel string) (*FoundPolicies[M], error) {
	found := &FoundPolicies[M]{}
	for _, rel := range c.policyRelationships {
		if !relationshipMatches(rel, filter) {
			continue
		}
		switch rel.PolicyModel {
		case userInputModel:
			if p, ok := c.userInputPolicies[rel.PolicyID]; ok {
				found.UserInput = append(found.UserInput, p)
			}
		case conditionModel:
			if p, ok := c.conditionPolicies[rel.PolicyID]; ok {
				found.Condition = append(found.Condition, p)
			}
		default:
			return nil, trace.Wrap(AssertFail("unknown policy model %q in relationship %q", rel.PolicyModel, rel.ID))
		}
	}
	if len(found.Condition) == 0 && len(found.UserInput) == 0 {
		return nil, trace.Wrap(MissingPolicy("no policy attached for user %q in account %q",
			filterUserName(filter), filterAccountCode(filter)))
	}
	return found, nil
}

func relationshipMatches(rel PolicyRelationship, filter PolicyFilterParams) bool {
	if rel.AccountID != filter.Account.ID && rel.AccountID != AnySentinel {
		return false
	}
	if rel.Region != filter.TargetRegion && rel.Region != AnySentinel {
		return false
	}
	if filter.User != nil && rel.UserID != "" && rel.UserID != filter.User.ID && rel.UserID != AnySentinel {
		return false
	}
	if filter.Groups != nil && rel.GroupID != "" && rel.GroupID != AnySentinel {
		matched := false
		for _, g := range filter.Groups {
			if rel.GroupID == g.ID {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if filter.Roles != nil && rel.RoleID != "" && rel.RoleID != AnySentinel {
		matched := false
		for _, role := range filter.Roles {
			if rel.RoleID == role {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func filterUserName(filter PolicyFilterParams) string {
	if filter.User == nil {
		return "<any>"
	}
	return filter.User.Name
}

func filterAccountCode(filter PolicyFilterParams) string {
	if filter.Account == nil {
		return "<any>"
	}
	return filter.Account.Code
}

func sortByLengthDesc(values []string) {
	sort.Slice(values, func(i, j int) bool {
		return len(values[i]) > len(values[j])
	})
}
