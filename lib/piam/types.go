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

// Package piam defines the IAM domain model of the PIAM proxy: accounts,
// users, groups, policies and the relationships tying them together, plus
// the indexed container the request path reads from.
//
// All entities are read-only between policy reloads. A reload materializes
// a brand-new container; existing readers keep the snapshot they observed
// at entry.
package piam

// AnySentinel marks a PolicyRelationship field that applies to any
// account or region.
const AnySentinel = "any"

// Account is a cloud tenant whose real credentials the proxy signs with.
type Account struct {
	ID        string `yaml:"id"`
	Code      string `yaml:"code"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Comment   string `yaml:"comment,omitempty"`
}

// UserKind partitions users by the kind of principal they represent.
type UserKind string

const (
	UserKindService  UserKind = "Service"
	UserKindPerson   UserKind = "Person"
	UserKindTeam     UserKind = "Team"
	UserKindCompany  UserKind = "Company"
	UserKindCustomer UserKind = "Customer"
)

// User is a principal authenticated by a virtual access key. BaseAccessKey
// is the part of the virtual key that identifies the user independent of
// account.
type User struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	BaseAccessKey string   `yaml:"base_access_key"`
	Secret        string   `yaml:"secret"`
	Kind          UserKind `yaml:"kind"`
}

// Group collects users for policy attachment.
type Group struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Policy is the generic envelope around an ordered sequence of
// model-specific statements.
type Policy[M any] struct {
	Kind    string `yaml:"kind,omitempty"`
	Version int    `yaml:"version"`
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	// Statements is the modeled policy body, evaluated in order.
	Statements []M `yaml:"modeled_policy"`
}

// UserGroupRelationship is the many-to-many edge between users and groups.
type UserGroupRelationship struct {
	ID      string `yaml:"id"`
	UserID  string `yaml:"user_id"`
	GroupID string `yaml:"group_id"`
}

// PolicyRelationship attaches a policy to a (user, group, role, account,
// region) tuple. An empty user/group/role id means the attachment applies
// to any principal of that kind; AccountID or Region equal to AnySentinel
// applies to any account or region.
type PolicyRelationship struct {
	ID          string `yaml:"id"`
	PolicyModel string `yaml:"policy_model"`
	UserID      string `yaml:"user_id,omitempty"`
	GroupID     string `yaml:"group_id,omitempty"`
	RoleID      string `yaml:"role_id,omitempty"`
	AccountID   string `yaml:"account_id"`
	Region      string `yaml:"region"`
	PolicyID    string `yaml:"policy_id"`
}
