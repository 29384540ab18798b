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

// Package state owns the proxy's live snapshot: the IAM container, the
// extended config and the bucket map, published through an atomic
// pointer. Request handlers load the pointer once and evaluate against a
// consistent view; the background reload never blocks them.
package state

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/patsnapops/piam-sub000/lib/defaults"
	"github.com/patsnapops/piam-sub000/lib/manager"
	"github.com/patsnapops/piam-sub000/lib/piam"
	"github.com/patsnapops/piam-sub000/lib/s3policy"
	"github.com/patsnapops/piam-sub000/lib/unikey"
)

var (
	reloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "piam",
		Name:      "state_reloads_total",
		Help:      "Snapshot rebuild attempts by result.",
	}, []string{"result"})
	lastReloadSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "piam",
		Name:      "state_last_success_timestamp_seconds",
		Help:      "Unix time of the last successful snapshot rebuild.",
	})
)

// ProxyState is one immutable snapshot. A request that observed a
// snapshot at entry evaluates against it for its whole lifetime.
type ProxyState struct {
	Iam            *piam.IamContainer[s3policy.ObjectStoragePolicy]
	ExtendedConfig *s3policy.ExtendedConfig
	// Buckets is nil unless the extended config enables uni-key.
	Buckets    unikey.BucketMap
	HTTPClient *http.Client
}

// Health reports reload liveness for the health endpoint.
type Health struct {
	LastSuccessfulUpdate time.Time
	FailureCount         int64
}

// ManagerConfig configures the state manager.
type ManagerConfig struct {
	// Client fetches policy artifacts from the control plane.
	Client *manager.Client
	// ProxyCondition, when set, pins the container prefilter to this
	// instance's (region, env).
	ProxyCondition *piam.ProxyCondition
	// UpdateInterval is the background reload cadence.
	UpdateInterval time.Duration
	// RetryInterval paces the initial fetch loop.
	RetryInterval time.Duration
	// ProbeTimeout bounds each uni-key account probe.
	ProbeTimeout time.Duration
	// DevMode stretches the retry interval after repeated initial
	// failures and adds the dev proxy host.
	DevMode bool
	// HTTPClient is the upstream forwarding client placed in snapshots.
	HTTPClient *http.Client
	// ListBuckets overrides the uni-key probe in tests.
	ListBuckets unikey.ListBucketsFunc
	Clock       clockwork.Clock
	Log         *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing manager client")
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = defaults.StateUpdateInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaults.StateRetryInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaults.ConfigFetchingTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Manager builds and publishes proxy snapshots.
type Manager struct {
	cfg         ManagerConfig
	current     atomic.Pointer[ProxyState]
	failures    atomic.Int64
	lastSuccess atomic.Pointer[time.Time]
}

// NewManager returns an unstarted state manager; call Initialize before
// serving.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg}, nil
}

// Load returns the current snapshot, nil before the first Initialize
// succeeds.
func (m *Manager) Load() *ProxyState {
	return m.current.Load()
}

// Health returns the reload liveness counters.
func (m *Manager) Health() Health {
	h := Health{FailureCount: m.failures.Load()}
	if t := m.lastSuccess.Load(); t != nil {
		h.LastSuccessfulUpdate = *t
	}
	return h
}

// Initialize fetches the first snapshot, retrying forever at the
// configured interval. The process is unavailable until it returns.
func (m *Manager) Initialize(ctx context.Context) error {
	interval := m.cfg.RetryInterval
	for attempt := 1; ; attempt++ {
		err := m.updateOnce(ctx)
		if err == nil {
			m.cfg.Log.InfoContext(ctx, "Initial state loaded", "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return trace.Wrap(ctx.Err())
		}
		if m.cfg.DevMode && attempt == defaults.DevRetryBackoffAfter {
			interval *= 2
		}
		m.cfg.Log.WarnContext(ctx, "Initial state fetch failed, retrying",
			"attempt", attempt, "retry_in", interval, "error", err)
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-m.cfg.Clock.After(interval):
		}
	}
}

// Run reloads the snapshot every UpdateInterval until the context is
// done. A failed attempt keeps the previous snapshot live.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := m.updateOnce(ctx); err != nil {
				m.cfg.Log.WarnContext(ctx, "State update failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

func (m *Manager) updateOnce(ctx context.Context) error {
	state, err := m.newState(ctx)
	if err != nil {
		m.failures.Add(1)
		reloadsTotal.WithLabelValues("failure").Inc()
		return trace.Wrap(err)
	}
	m.current.Store(state)
	now := m.cfg.Clock.Now()
	m.lastSuccess.Store(&now)
	reloadsTotal.WithLabelValues("success").Inc()
	lastReloadSuccess.Set(float64(now.Unix()))
	return nil
}

// newState pulls everything from the manager and materializes a fresh
// snapshot. Nothing here touches the published pointer.
func (m *Manager) newState(ctx context.Context) (*ProxyState, error) {
	accounts, err := m.cfg.Client.Accounts(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	users, err := m.cfg.Client.Users(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	groups, err := m.cfg.Client.Groups(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	policies, err := manager.UserInputPolicies[s3policy.ObjectStoragePolicy](ctx, m.cfg.Client, defaults.PolicyModelObjectStorage)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conditionPolicies, err := m.cfg.Client.ConditionPolicies(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	userGroups, err := m.cfg.Client.UserGroupRelationships(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	policyRelationships, err := m.cfg.Client.PolicyRelationships(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var extended s3policy.ExtendedConfig
	if err := m.cfg.Client.ExtendedConfig(ctx, defaults.ExtendedConfigS3, &extended); err != nil {
		return nil, trace.Wrap(err)
	}
	if m.cfg.DevMode {
		extended.ProxyHosts = append(extended.ProxyHosts, defaults.DevProxyHost)
	}

	iam, err := piam.NewIamContainer(piam.IamContainerConfig[s3policy.ObjectStoragePolicy]{
		Accounts:               accounts,
		Users:                  users,
		Groups:                 groups,
		UserInputPolicies:      policies,
		ConditionPolicies:      conditionPolicies,
		UserGroupRelationships: userGroups,
		PolicyRelationships:    policyRelationships,
		ProxyCondition:         m.cfg.ProxyCondition,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var buckets unikey.BucketMap
	if extended.EnableUniKey {
		buckets, err = unikey.Resolve(ctx, unikey.ResolverConfig{
			Accounts:    accounts,
			Timeout:     m.cfg.ProbeTimeout,
			Log:         m.cfg.Log,
			ListBuckets: m.cfg.ListBuckets,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	return &ProxyState{
		Iam:            iam,
		ExtendedConfig: &extended,
		Buckets:        buckets,
		HTTPClient:     m.cfg.HTTPClient,
	}, nil
}
