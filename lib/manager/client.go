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

// Package manager implements the client side of the PIAM control-plane
// wire contract: GET <manager>/<version>/<resource> returning the
// symmetric ciphertext of a YAML document.
package manager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/patsnapops/piam-sub000/lib/defaults"
	"github.com/patsnapops/piam-sub000/lib/piam"
)

// ClientConfig configures the control-plane client.
type ClientConfig struct {
	// Address is the manager base URL.
	Address string
	// MetaKey protects manager payloads.
	MetaKey string
	// HTTPClient is the client used for manager calls.
	HTTPClient *http.Client
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Address == "" {
		c.Address = defaults.ManagerAddress
	}
	if _, err := url.Parse(c.Address); err != nil {
		return trace.BadParameter("bad manager address %q: %v", c.Address, err)
	}
	if c.MetaKey == "" {
		c.MetaKey = defaults.MetaKey
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return nil
}

// Client fetches and decrypts policy artifacts. It never retries; retry
// pacing is the state manager's concern.
type Client struct {
	cfg    ClientConfig
	cipher *payloadCipher
}

// NewClient returns a manager client for the given config.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		cfg:    cfg,
		cipher: newPayloadCipher(cfg.MetaKey),
	}, nil
}

// Accounts fetches the account list.
func (c *Client) Accounts(ctx context.Context) ([]piam.Account, error) {
	return fetch[[]piam.Account](ctx, c, "accounts")
}

// Users fetches the user list.
func (c *Client) Users(ctx context.Context) ([]piam.User, error) {
	return fetch[[]piam.User](ctx, c, "users")
}

// Groups fetches the group list.
func (c *Client) Groups(ctx context.Context) ([]piam.Group, error) {
	return fetch[[]piam.Group](ctx, c, "groups")
}

// UserInputPolicies fetches the policies of the given user-input model,
// e.g. "ObjectStorage".
func UserInputPolicies[M any](ctx context.Context, c *Client, model string) ([]*piam.Policy[M], error) {
	return fetch[[]*piam.Policy[M]](ctx, c, "policies/"+model)
}

// ConditionPolicies fetches the condition-model policies.
func (c *Client) ConditionPolicies(ctx context.Context) ([]*piam.Policy[piam.ConditionPolicy], error) {
	return fetch[[]*piam.Policy[piam.ConditionPolicy]](ctx, c, "policies/"+defaults.PolicyModelCondition)
}

// UserGroupRelationships fetches the user-group edges.
func (c *Client) UserGroupRelationships(ctx context.Context) ([]piam.UserGroupRelationship, error) {
	return fetch[[]piam.UserGroupRelationship](ctx, c, "user_group_relationships")
}

// PolicyRelationships fetches the policy attachment records.
func (c *Client) PolicyRelationships(ctx context.Context) ([]piam.PolicyRelationship, error) {
	return fetch[[]piam.PolicyRelationship](ctx, c, "policy_relationships")
}

// ExtendedConfig fetches the proxy-owned configuration document stored
// under the given key and decodes it into out.
func (c *Client) ExtendedConfig(ctx context.Context, key string, out any) error {
	plaintext, err := c.get(ctx, "extended_config/"+key)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := yaml.Unmarshal(plaintext, out); err != nil {
		return trace.Wrap(piam.Deserialize("decoding extended config %q: %v", key, err))
	}
	return nil
}

// Encrypt exposes the payload cipher for tests and for the development
// stub manager.
func (c *Client) Encrypt(plaintext []byte) ([]byte, error) {
	return c.cipher.Encrypt(plaintext)
}

func fetch[T any](ctx context.Context, c *Client, resource string) (T, error) {
	var out T
	plaintext, err := c.get(ctx, resource)
	if err != nil {
		return out, trace.Wrap(err)
	}
	if err := yaml.Unmarshal(plaintext, &out); err != nil {
		return out, trace.Wrap(piam.Deserialize("decoding %q: %v", resource, err))
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, resource string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s/%s", c.cfg.Address, defaults.ManagerAPIVersion, resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, trace.Wrap(piam.ManagerAPI("fetching %q: %v", resource, err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.Wrap(piam.ManagerAPI("reading %q: %v", resource, err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, trace.Wrap(piam.ManagerAPI("fetching %q: manager returned %v", resource, resp.StatusCode))
	}
	plaintext, err := c.cipher.Decrypt(body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return plaintext, nil
}
