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

package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/patsnapops/piam-sub000/lib/manager"
	"github.com/patsnapops/piam-sub000/lib/piam"
	"github.com/patsnapops/piam-sub000/lib/s3policy"
	"github.com/patsnapops/piam-sub000/lib/state"
)

const emptyPayloadSHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// fakeUpstream stands in for the cloud endpoint; it records every
// forwarded request and answers with a fixed body.
type fakeUpstream struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (u *fakeUpstream) RoundTrip(r *http.Request) (*http.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reqs = append(u.reqs, r.Clone(r.Context()))
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"X-Upstream": []string{"object-store"}},
		Body:       io.NopCloser(strings.NewReader("object-bytes")),
		Request:    r,
	}, nil
}

func (u *fakeUpstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.reqs)
}

func (u *fakeUpstream) last() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.reqs) == 0 {
		return nil
	}
	return u.reqs[len(u.reqs)-1]
}

// newStubManager serves encrypted YAML documents the way the real
// control plane does.
func newStubManager(t *testing.T, resources map[string]any) *httptest.Server {
	enc, err := manager.NewClient(manager.ClientConfig{})
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc, ok := resources[strings.TrimPrefix(r.URL.Path, "/v1/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		plaintext, err := yaml.Marshal(doc)
		require.NoError(t, err)
		ciphertext, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		w.Write(ciphertext)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testResources() map[string]any {
	allow := &piam.Effect{Kind: piam.EffectAllow}
	deny := &piam.Effect{Kind: piam.EffectDeny}
	return map[string]any{
		"accounts": []piam.Account{{
			ID:        "cn_aws_main",
			Code:      "cn_aws_001",
			AccessKey: "AKIAREALKEY",
			SecretKey: "realsecret",
		}},
		"users": []piam.User{{
			ID:            "u-1",
			Name:          "alice",
			BaseAccessKey: "AKPSALICE",
			Secret:        "alicesecret",
			Kind:          piam.UserKindPerson,
		}},
		"groups": []piam.Group{{ID: "g-1", Name: "dev"}},
		"user_group_relationships": []piam.UserGroupRelationship{{
			ID: "ugr-1", UserID: "u-1", GroupID: "g-1",
		}},
		"policies/ObjectStorage": []*piam.Policy[s3policy.ObjectStoragePolicy]{{
			Version: 1,
			ID:      "p-obj",
			Name:    "dev-objects",
			Statements: []s3policy.ObjectStoragePolicy{{
				Version: 1,
				ID:      "s-1",
				InputPolicy: s3policy.InputPolicy{
					Bucket: s3policy.BucketPolicy{
						Name:   &piam.StringMatcher{Eq: []string{"my-bucket", "uni-bucket"}},
						Effect: allow,
						Keys: []s3policy.KeyPolicy{{
							Path:   &piam.StringMatcher{StartWith: []string{"my-bucket/private/"}},
							Effect: deny,
						}},
					},
				},
			}},
		}},
		"policies/Condition": []*piam.Policy[piam.ConditionPolicy]{{
			Version: 1,
			ID:      "p-cond",
			Name:    "dev-anywhere",
			Statements: []piam.ConditionPolicy{{
				Version: 1,
				ID:      "c-1",
				Range:   piam.ConditionRange{GroupIDs: []string{"g-1"}},
				Effect:  allow,
			}},
		}},
		"policy_relationships": []piam.PolicyRelationship{
			{
				ID: "pr-1", PolicyModel: "ObjectStorage", GroupID: "g-1",
				AccountID: piam.AnySentinel, Region: piam.AnySentinel, PolicyID: "p-obj",
			},
			{
				ID: "pr-2", PolicyModel: "Condition", GroupID: "g-1",
				AccountID: piam.AnySentinel, Region: piam.AnySentinel, PolicyID: "p-cond",
			},
		},
		"extended_config/s3_config": s3policy.ExtendedConfig{
			ProxyHosts:   []string{"s3-proxy.example.com"},
			EnableUniKey: true,
		},
	}
}

type testEnv struct {
	server   *Server
	manager  *state.Manager
	upstream *fakeUpstream
	level    *slog.LevelVar
	exited   bool
	exitCode int
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, nil)
}

func newTestEnvWith(t *testing.T, mutate func(map[string]any)) *testEnv {
	resources := testResources()
	if mutate != nil {
		mutate(resources)
	}
	stub := newStubManager(t, resources)
	client, err := manager.NewClient(manager.ClientConfig{Address: stub.URL})
	require.NoError(t, err)

	upstream := &fakeUpstream{}
	mgr, err := state.NewManager(state.ManagerConfig{
		Client:         client,
		ProxyCondition: &piam.ProxyCondition{Region: "cn", Env: "prod"},
		HTTPClient:     &http.Client{Transport: upstream},
		ListBuckets: func(ctx context.Context, account piam.Account, region, endpoint string) ([]string, error) {
			return []string{"uni-bucket"}, nil
		},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, mgr.Initialize(ctx))

	env := &testEnv{manager: mgr, upstream: upstream, level: &slog.LevelVar{}}
	srv, err := NewServer(ServerConfig{
		ClusterEnv:  "cn-prod",
		ProxyRegion: "cn",
		ProxyEnv:    "prod",
		State:       mgr,
		LogLevel:    env.level,
		Clock:       clockwork.NewFakeClockAt(time.Date(2023, 8, 1, 12, 0, 0, 0, time.UTC)),
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		exit: func(code int) {
			env.exited = true
			env.exitCode = code
		},
	})
	require.NoError(t, err)
	env.server = srv
	return env
}

func signedRequest(method, url, accessKey, region string) *http.Request {
	r := httptest.NewRequest(method, url, nil)
	r.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/20230801/%s/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=deadbeef",
		accessKey, region))
	r.Header.Set("X-Amz-Content-Sha256", emptyPayloadSHA)
	return r
}

func TestProxyAllowsAndResigns(t *testing.T) {
	env := newTestEnv(t)

	r := signedRequest("GET", "http://my-bucket.s3-proxy.example.com/data/report.csv",
		"AKPSALICEcn_aws_001", "cn-northwest-1")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "object-bytes", w.Body.String())
	require.Equal(t, "object-store", w.Header().Get("X-Upstream"))
	require.Equal(t, "object-storage", w.Header().Get("x-patsnap-proxy-type"))
	require.Equal(t, "cn-prod", w.Header().Get("x-patsnap-proxy-cluster-env"))
	require.NotEmpty(t, w.Header().Get("x-patsnap-request-id"))

	sent := env.upstream.last()
	require.NotNil(t, sent)
	require.Equal(t, "my-bucket.s3.cn-northwest-1.amazonaws.com.cn", sent.Host)
	require.Equal(t, "/data/report.csv", sent.URL.Path)
	auth := sent.Header.Get("Authorization")
	require.Contains(t, auth, "AWS4-HMAC-SHA256")
	require.Contains(t, auth, "Credential=AKIAREALKEY/20230801/cn-northwest-1/s3/aws4_request")
	require.Equal(t, emptyPayloadSHA, sent.Header.Get("X-Amz-Content-Sha256"))
	require.Empty(t, sent.Header.Get("X-Forwarded-For"))
}

func TestProxyConvertsPathStyleBeforeForwarding(t *testing.T) {
	env := newTestEnv(t)

	r := signedRequest("GET", "http://s3-proxy.example.com/my-bucket/data/report.csv",
		"AKPSALICEcn_aws_001", "cn-northwest-1")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	sent := env.upstream.last()
	require.NotNil(t, sent)
	require.Equal(t, "my-bucket.s3.cn-northwest-1.amazonaws.com.cn", sent.Host)
	require.Equal(t, "/data/report.csv", sent.URL.Path)
}

func TestProxyDeniesByKeyPolicy(t *testing.T) {
	env := newTestEnv(t)

	r := signedRequest("GET", "http://my-bucket.s3-proxy.example.com/private/secret.txt",
		"AKPSALICEcn_aws_001", "cn-northwest-1")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "PiamEffectNotFound")
	require.Equal(t, "application/xml", w.Header().Get("Content-Type"))
	require.NotEmpty(t, w.Header().Get("x-patsnap-request-id"))
	require.Zero(t, env.upstream.count())
}

func TestProxyDeniesBucketWithoutObjectPolicy(t *testing.T) {
	env := newTestEnv(t)

	// The attached condition policy allows from anywhere, but no
	// object-storage statement matches this bucket; the condition allow
	// must not grant access by itself.
	r := signedRequest("GET", "http://other-bucket.s3-proxy.example.com/secret.txt",
		"AKPSALICEcn_aws_001", "cn-northwest-1")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "PiamEffectNotFound")
	require.Zero(t, env.upstream.count())
}

func TestProxyConditionDenyVetoesAllowedBucket(t *testing.T) {
	env := newTestEnvWith(t, func(resources map[string]any) {
		resources["policies/Condition"] = []*piam.Policy[piam.ConditionPolicy]{{
			Version: 1, ID: "p-cond", Name: "dev-nowhere",
			Statements: []piam.ConditionPolicy{{
				Version: 1,
				ID:      "c-1",
				Range:   piam.ConditionRange{GroupIDs: []string{"g-1"}},
				Effect:  &piam.Effect{Kind: piam.EffectDeny},
			}},
		}}
	})

	// The object-storage policy allows this bucket, but the matched
	// condition deny wins.
	r := signedRequest("GET", "http://my-bucket.s3-proxy.example.com/data/report.csv",
		"AKPSALICEcn_aws_001", "cn-northwest-1")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "PiamEffectNotFound")
	require.Zero(t, env.upstream.count())
}

func TestProxyRejectsUnknownHost(t *testing.T) {
	env := newTestEnv(t)

	r := signedRequest("GET", "http://evil.example.com/my-bucket/key",
		"AKPSALICEcn_aws_001", "cn-northwest-1")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "PiamInvalidEndpoint")
	require.Zero(t, env.upstream.count())
}

func TestProxyRejectsUnknownAccessKey(t *testing.T) {
	env := newTestEnv(t)

	r := signedRequest("GET", "http://my-bucket.s3-proxy.example.com/data/report.csv",
		"AKPSNOBODYcn_aws_001", "cn-northwest-1")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "PiamInvalidAccessKey")
	require.Zero(t, env.upstream.count())
}

func TestProxyRejectsMissingAuthorization(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest("GET", "http://my-bucket.s3-proxy.example.com/data/report.csv", nil)
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "PiamInvalidAuthorizationHeader")
	require.Zero(t, env.upstream.count())
}

func TestProxyUniKeyResolvesAccountByBucket(t *testing.T) {
	env := newTestEnv(t)

	// Whole-key match: no account suffix, owner comes from the bucket map
	// and overrides the region the client signed for.
	r := signedRequest("GET", "http://uni-bucket.s3-proxy.example.com/file.txt",
		"AKPSALICE", "us-east-1")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	sent := env.upstream.last()
	require.NotNil(t, sent)
	require.Equal(t, "uni-bucket.s3.cn-northwest-1.amazonaws.com.cn", sent.Host)
	require.Contains(t, sent.Header.Get("Authorization"),
		"Credential=AKIAREALKEY/20230801/cn-northwest-1/s3/aws4_request")
}

func TestProxyUniKeyRejectsListBuckets(t *testing.T) {
	env := newTestEnv(t)

	r := signedRequest("GET", "http://s3-proxy.example.com/", "AKPSALICE", "cn-northwest-1")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "PiamOperationNotSupported")
	require.Zero(t, env.upstream.count())
}

func TestProxyUniKeyRejectsUnknownBucket(t *testing.T) {
	env := newTestEnv(t)

	r := signedRequest("GET", "http://nowhere-bucket.s3-proxy.example.com/file.txt",
		"AKPSALICE", "cn-northwest-1")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "PiamResourceNotFound")
	require.Zero(t, env.upstream.count())
}

func TestProxyTerminatesOnAssertFailure(t *testing.T) {
	env := newTestEnv(t)

	// An allowed request whose payload hash header is missing trips the
	// signing invariant.
	r := signedRequest("GET", "http://my-bucket.s3-proxy.example.com/data/report.csv",
		"AKPSALICEcn_aws_001", "cn-northwest-1")
	r.Header.Del("X-Amz-Content-Sha256")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, r)

	require.True(t, env.exited)
	require.Equal(t, 1, env.exitCode)
	require.Zero(t, env.upstream.count())
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		env := newTestEnv(t)
		w := httptest.NewRecorder()
		env.server.ServeHTTP(w, httptest.NewRequest("GET", "http://s3-proxy.example.com/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "OK")
	})

	t.Run("not ready before first snapshot", func(t *testing.T) {
		client, err := manager.NewClient(manager.ClientConfig{Address: "http://127.0.0.1:1"})
		require.NoError(t, err)
		mgr, err := state.NewManager(state.ManagerConfig{Client: client})
		require.NoError(t, err)
		srv, err := NewServer(ServerConfig{State: mgr})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest("GET", "http://s3-proxy.example.com/health", nil))
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestManageAPIDebugToggle(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, httptest.NewRequest("PUT", "http://s3-proxy.example.com/_piam_manage_api?debug=on", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, slog.LevelDebug, env.level.Level())

	w = httptest.NewRecorder()
	env.server.ServeHTTP(w, httptest.NewRequest("PUT", "http://s3-proxy.example.com/_piam_manage_api?debug=off", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, slog.LevelInfo, env.level.Level())

	w = httptest.NewRecorder()
	env.server.ServeHTTP(w, httptest.NewRequest("PUT", "http://s3-proxy.example.com/_piam_manage_api?debug=sideways", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProxyNotReadyReturnsInternal(t *testing.T) {
	client, err := manager.NewClient(manager.ClientConfig{Address: "http://127.0.0.1:1"})
	require.NoError(t, err)
	mgr, err := state.NewManager(state.ManagerConfig{Client: client})
	require.NoError(t, err)
	srv, err := NewServer(ServerConfig{
		State: mgr,
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, signedRequest("GET", "http://my-bucket.s3-proxy.example.com/x",
		"AKPSALICEcn_aws_001", "cn-northwest-1"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "PiamOtherInternal")
}
