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
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	Name string
}

func testContainerConfig() IamContainerConfig[fakeModel] {
	return IamContainerConfig[fakeModel]{
		Accounts: []Account{
			{ID: "cn_aws_001", Code: "01", AccessKey: "AKIAREAL", SecretKey: "secret"},
			{ID: "us_aws_002", Code: "02", AccessKey: "AKIAREAL2", SecretKey: "secret2"},
		},
		Users: []User{
			{ID: "u1", Name: "alice", BaseAccessKey: "AKPSPERS01ABC", Kind: UserKindPerson},
			{ID: "u2", Name: "svc", BaseAccessKey: "AKPSSVCX", Kind: UserKindService},
		},
		Groups: []Group{
			{ID: "g1", Name: "research"},
			{ID: "g2", Name: "ops"},
		},
		UserInputPolicies: []*Policy[fakeModel]{
			{ID: "p1", Name: "allow-bucket", Statements: []fakeModel{{Name: "s"}}},
			{ID: "p2", Name: "ops-only", Statements: []fakeModel{{Name: "s"}}},
		},
		ConditionPolicies: []*Policy[ConditionPolicy]{
			{ID: "c1", Name: "cn-only", Statements: []ConditionPolicy{{
				ID: "c1s", Range: ConditionRange{
					GroupIDs: []string{"g2"},
					Proxy:    &Range{Region: []string{"cn-northwest-1"}, Env: []string{"prod"}},
				},
			}}},
		},
		UserGroupRelationships: []UserGroupRelationship{
			{ID: "r1", UserID: "u1", GroupID: "g1"},
			{ID: "r2", UserID: "u2", GroupID: "g2"},
		},
		PolicyRelationships: []PolicyRelationship{
			{ID: "pr1", PolicyModel: "ObjectStorage", GroupID: "g1", AccountID: "any", Region: "any", PolicyID: "p1"},
			{ID: "pr2", PolicyModel: "ObjectStorage", GroupID: "g2", AccountID: "cn_aws_001", Region: "cn-northwest-1", PolicyID: "p2"},
			{ID: "pr3", PolicyModel: "Condition", GroupID: "g2", AccountID: "any", Region: "any", PolicyID: "c1"},
		},
	}
}

func TestContainerLookups(t *testing.T) {
	t.Parallel()

	c, err := NewIamContainer(testContainerConfig())
	require.NoError(t, err)

	account, err := c.FindAccountByCode("01")
	require.NoError(t, err)
	require.Equal(t, "cn_aws_001", account.ID)

	_, err = c.FindAccountByCode("99")
	require.Error(t, err)
	require.Equal(t, KindInvalidAccessKey, KindOf(err))

	user, err := c.FindUserByBaseAccessKey("AKPSPERS01ABC")
	require.NoError(t, err)
	require.Equal(t, "alice", user.Name)

	groups, err := c.FindGroupsByUser(user)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "research", groups[0].Name)
}

func TestContainerFindUserByAccessKey(t *testing.T) {
	t.Parallel()

	c, err := NewIamContainer(testContainerConfig())
	require.NoError(t, err)

	// Uni-key style: the whole key is the base key, account resolved later.
	user, account, err := c.FindUserByAccessKey("AKPSPERS01ABC")
	require.NoError(t, err)
	require.Equal(t, "alice", user.Name)
	require.Nil(t, account)

	// Account-suffixed virtual key.
	user, account, err = c.FindUserByAccessKey("AKPSSVCX02")
	require.NoError(t, err)
	require.Equal(t, "svc", user.Name)
	require.NotNil(t, account)
	require.Equal(t, "us_aws_002", account.ID)

	_, _, err = c.FindUserByAccessKey("AKPSNOBODY")
	require.Error(t, err)
	require.Equal(t, KindInvalidAccessKey, KindOf(err))
}

func TestFindPoliciesFilter(t *testing.T) {
	t.Parallel()

	c, err := NewIamContainer(testContainerConfig())
	require.NoError(t, err)

	cnAccount := Account{ID: "cn_aws_001", Code: "01"}
	usAccount := Account{ID: "us_aws_002", Code: "02"}
	alice := User{ID: "u1", Name: "alice"}
	svc := User{ID: "u2", Name: "svc"}

	tests := []struct {
		name          string
		filter        PolicyFilterParams
		wantUserInput []string
		wantCondition []string
		wantErrKind   ErrorKind
	}{
		{
			name: "group policy via any account and region",
			filter: PolicyFilterParams{
				Account:      &usAccount,
				TargetRegion: "us-east-1",
				User:         &alice,
				Groups:       []Group{{ID: "g1"}},
			},
			wantUserInput: []string{"p1"},
		},
		{
			name: "account and region pinned",
			filter: PolicyFilterParams{
				Account:      &cnAccount,
				TargetRegion: "cn-northwest-1",
				User:         &svc,
				Groups:       []Group{{ID: "g2"}},
			},
			wantUserInput: []string{"p2"},
			wantCondition: []string{"c1"},
		},
		{
			name: "region mismatch filters the pinned relationship",
			filter: PolicyFilterParams{
				Account:      &cnAccount,
				TargetRegion: "us-east-1",
				User:         &svc,
				Groups:       []Group{{ID: "g2"}},
			},
			wantCondition: []string{"c1"},
		},
		{
			name: "nothing matches",
			filter: PolicyFilterParams{
				Account:      &usAccount,
				TargetRegion: "us-east-1",
				User:         &alice,
				Groups:       []Group{{ID: "g9"}},
			},
			wantErrKind: KindMissingPolicy,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			found, err := c.FindPolicies(tt.filter, "ObjectStorage", "Condition")
			if tt.wantErrKind != "" {
				require.Error(t, err)
				require.Equal(t, tt.wantErrKind, KindOf(err))
				return
			}
			require.NoError(t, err)
			require.Len(t, found.UserInput, len(tt.wantUserInput))
			for i, id := range tt.wantUserInput {
				require.Equal(t, id, found.UserInput[i].ID)
			}
			require.Len(t, found.Condition, len(tt.wantCondition))
			for i, id := range tt.wantCondition {
				require.Equal(t, id, found.Condition[i].ID)
			}
		})
	}
}

func TestFindPoliciesUnknownModel(t *testing.T) {
	t.Parallel()

	cfg := testContainerConfig()
	cfg.PolicyRelationships = append(cfg.PolicyRelationships, PolicyRelationship{
		ID: "bad", PolicyModel: "Mystery", AccountID: "any", Region: "any", PolicyID: "p1",
	})
	c, err := NewIamContainer(cfg)
	require.NoError(t, err)

	_, err = c.FindPolicies(PolicyFilterParams{
		Account:      &Account{ID: "cn_aws_001"},
		TargetRegion: "cn-northwest-1",
	}, "ObjectStorage", "Condition")
	require.Error(t, err)
	require.Equal(t, KindAssertFail, KindOf(err))
}

func TestPrefilterDropsForeignConditionPolicies(t *testing.T) {
	t.Parallel()

	cfg := testContainerConfig()
	// This proxy runs in us-east-1/dev; the cn-northwest-1/prod condition
	// policy and the g2 world it gates must disappear.
	cfg.ProxyCondition = &ProxyCondition{Region: "us-east-1", Env: "dev"}
	c, err := NewIamContainer(cfg)
	require.NoError(t, err)

	svc, err := c.FindUserByBaseAccessKey("AKPSSVCX")
	require.NoError(t, err)
	_, err = c.FindGroupsByUser(svc)
	require.Error(t, err)
	require.Equal(t, KindGroupNotFound, KindOf(err))

	// Relationships referencing the dropped group are gone, and p2 with
	// them; alice's g1 policy is untouched.
	found, err := c.FindPolicies(PolicyFilterParams{
		Account:      &Account{ID: "cn_aws_001"},
		TargetRegion: "cn-northwest-1",
		User:         &User{ID: "u2"},
		Groups:       []Group{{ID: "g2"}},
	}, "ObjectStorage", "Condition")
	require.Error(t, err)
	require.Equal(t, KindMissingPolicy, KindOf(err))
	require.Nil(t, found)

	found, err = c.FindPolicies(PolicyFilterParams{
		Account:      &Account{ID: "us_aws_002"},
		TargetRegion: "us-east-1",
		User:         &User{ID: "u1"},
		Groups:       []Group{{ID: "g1"}},
	}, "ObjectStorage", "Condition")
	require.NoError(t, err)
	require.Len(t, found.UserInput, 1)
	require.Equal(t, "p1", found.UserInput[0].ID)
}
