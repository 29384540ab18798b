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

// Package unikey resolves which cloud account and region own a bucket.
// In uni-key deployments one virtual access key spans every account, so
// the proxy enumerates buckets per account at startup and on every
// reload.
package unikey

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/patsnapops/piam-sub000/lib/defaults"
	"github.com/patsnapops/piam-sub000/lib/piam"
	"github.com/patsnapops/piam-sub000/lib/s3policy"
)

// AccessInfo names the account and region owning a bucket, plus a
// non-default endpoint when the provider needs one.
type AccessInfo struct {
	Account  piam.Account
	Region   string
	Endpoint string
}

// BucketMap maps bucket names to their owners. Duplicate bucket names
// across regions are permitted; resolution then needs an exact region.
type BucketMap map[string][]AccessInfo

// ListBucketsFunc enumerates the buckets visible to an account.
// Overridable in tests.
type ListBucketsFunc func(ctx context.Context, account piam.Account, region, endpoint string) ([]string, error)

// ResolverConfig configures Resolve.
type ResolverConfig struct {
	Accounts []piam.Account
	// Timeout bounds each per-account probe.
	Timeout time.Duration
	Log     *slog.Logger
	// ListBuckets overrides the cloud probe; defaults to the real S3
	// call.
	ListBuckets ListBucketsFunc
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if len(c.Accounts) == 0 {
		return trace.BadParameter("missing accounts")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.ConfigFetchingTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.ListBuckets == nil {
		c.ListBuckets = awsListBuckets
	}
	return nil
}

// probeTarget derives the probe region (and provider endpoint) from the
// account id prefix. Any other prefix is a deployment error.
func probeTarget(accountID string) (region, endpoint string, err error) {
	switch {
	case strings.HasPrefix(accountID, "cn_aws_"):
		return "cn-northwest-1", "", nil
	case strings.HasPrefix(accountID, "us_aws_"):
		return "us-east-1", "", nil
	case strings.HasPrefix(accountID, "cn_tencent_"):
		return "ap-shanghai", cosEndpoint("ap-shanghai"), nil
	case strings.HasPrefix(accountID, "us_tencent_"):
		return "na-ashburn", cosEndpoint("na-ashburn"), nil
	}
	return "", "", trace.Wrap(piam.AssertFail("account id %q has no known provider prefix", accountID))
}

func cosEndpoint(region string) string {
	return fmt.Sprintf("https://cos.%s.myqcloud.com", region)
}

// Resolve probes every account concurrently and builds the bucket map.
func Resolve(ctx context.Context, cfg ResolverConfig) (BucketMap, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	var mu sync.Mutex
	m := make(BucketMap)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, account := range cfg.Accounts {
		account := account
		group.Go(func() error {
			region, endpoint, err := probeTarget(account.ID)
			if err != nil {
				return trace.Wrap(err)
			}
			probeCtx, cancel := context.WithTimeout(groupCtx, cfg.Timeout)
			defer cancel()
			buckets, err := cfg.ListBuckets(probeCtx, account, region, endpoint)
			if err != nil {
				return trace.Wrap(err, "listing buckets of account %q in %q", account.Code, region)
			}
			cfg.Log.InfoContext(groupCtx, "Probed account",
				"account", account.Code, "region", region, "buckets", len(buckets))
			mu.Lock()
			defer mu.Unlock()
			for _, bucket := range buckets {
				m[bucket] = append(m[bucket], AccessInfo{
					Account:  account,
					Region:   region,
					Endpoint: endpoint,
				})
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

// awsListBuckets is the real probe, built on the v2 SDK with the
// account's static credentials.
func awsListBuckets(ctx context.Context, account piam.Account, region, endpoint string) ([]string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(account.AccessKey, account.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	out, err := client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	buckets := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		buckets = append(buckets, aws.ToString(b.Name))
	}
	return buckets, nil
}

// FindAccessInfo resolves the owner of the bucket an operation targets.
// ListBuckets has no bucket and cannot be answered under uni-key.
func (m BucketMap) FindAccessInfo(input *s3policy.Input, region string) (*AccessInfo, error) {
	if input.Kind() == s3policy.ListBucketsKind {
		return nil, trace.Wrap(piam.OperationNotSupported("%v is not supported under uni-key", input.Action()))
	}
	infos := m[input.Bucket]
	switch len(infos) {
	case 0:
		return nil, trace.Wrap(piam.ResourceNotFound("bucket %q not found in any configured account", input.Bucket))
	case 1:
		return &infos[0], nil
	default:
		for i := range infos {
			if infos[i].Region == region {
				return &infos[i], nil
			}
		}
		return nil, trace.Wrap(piam.ResourceNotFound("bucket %q exists in multiple regions, none matching %q", input.Bucket, region))
	}
}
