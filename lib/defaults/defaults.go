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

// Package defaults holds process-wide constants and default values shared
// by the PIAM S3 proxy components.
package defaults

import "time"

const (
	// ServerPort is the port the proxy listens on. Intentionally the same
	// for dev and production deployments.
	ServerPort = 80

	// ManagerAPIVersion is the control-plane wire version prefix.
	ManagerAPIVersion = "v1"

	// ManagerAddress is the default control-plane address, used when
	// PIAM_MANAGER_ADDRESS is not set.
	ManagerAddress = "http://localhost:8080"

	// MetaKey is the default symmetric key protecting manager payloads,
	// used when META_KEY is not set.
	MetaKey = "0x5F3759DF"

	// ClusterEnvUnset is the environment label reported when CLUSTER_ENV
	// is not set.
	ClusterEnvUnset = "Unset"

	// PolicyModelObjectStorage is the policy model this proxy evaluates.
	PolicyModelObjectStorage = "ObjectStorage"

	// PolicyModelCondition is the policy model gating requests by source,
	// proxy and target ranges.
	PolicyModelCondition = "Condition"

	// ExtendedConfigS3 is the manager extended-config key carrying the
	// proxy hostnames and uni-key switch.
	ExtendedConfigS3 = "s3_config"

	// DevProxyHost is appended to the proxy host list in dev mode.
	DevProxyHost = "s3-proxy.dev.patsnap.info"
)

const (
	// StateUpdateInterval is the default cadence of the background policy
	// reload, overridable via STATE_UPDATE_INTERVAL (seconds).
	StateUpdateInterval = 10 * time.Second

	// StateRetryInterval is the pause between initial state fetch attempts.
	StateRetryInterval = 5 * time.Second

	// DevRetryBackoffAfter is the number of failed initial fetches after
	// which dev mode stretches the retry interval.
	DevRetryBackoffAfter = 2

	// ConfigFetchingTimeout bounds each account probe issued by the
	// uni-key resolver, overridable via CONFIG_FETCHING_TIMEOUT (seconds).
	ConfigFetchingTimeout = 10 * time.Second

	// ReadHeadersTimeout is the HTTP server header read timeout.
	ReadHeadersTimeout = 10 * time.Second
)

const (
	// EnvManagerAddress overrides the control-plane address.
	EnvManagerAddress = "PIAM_MANAGER_ADDRESS"
	// EnvMetaKey overrides the manager payload key.
	EnvMetaKey = "META_KEY"
	// EnvClusterEnv labels the cluster this proxy serves.
	EnvClusterEnv = "CLUSTER_ENV"
	// EnvStateUpdateInterval overrides the reload cadence, in seconds.
	EnvStateUpdateInterval = "STATE_UPDATE_INTERVAL"
	// EnvConfigFetchingTimeout overrides the probe timeout, in seconds.
	EnvConfigFetchingTimeout = "CONFIG_FETCHING_TIMEOUT"
)

const (
	// HeaderProxyType carries the configured proxy type on every response.
	HeaderProxyType = "x-patsnap-proxy-type"
	// HeaderProxyClusterEnv carries the environment label on every response.
	HeaderProxyClusterEnv = "x-patsnap-proxy-cluster-env"
	// HeaderRequestID carries the per-request UUID on every response.
	HeaderRequestID = "x-patsnap-request-id"
)

// ProxyType identifies this proxy flavor in trace headers.
const ProxyType = "object-storage"
