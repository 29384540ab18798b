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
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/patsnapops/piam-sub000/lib/piam"
)

// actualHosts maps a resolved region to the real cloud endpoint the proxy
// forwards to.
var actualHosts = map[string]string{
	"cn-northwest-1": "s3.cn-northwest-1.amazonaws.com.cn",
	"us-east-1":      "s3.us-east-1.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"ap-shanghai":    "cos.ap-shanghai.myqcloud.com",
	"na-ashburn":     "cos.na-ashburn.myqcloud.com",
}

// ActualHost returns the real endpoint for a region.
func ActualHost(region string) (string, error) {
	host, ok := actualHosts[region]
	if !ok {
		return "", trace.Wrap(piam.InvalidRegion("no object-storage endpoint for region %q", region))
	}
	return host, nil
}

// ConvertPathStyle rewrites a path-style request into virtual-hosted
// form: when the Host is exactly a proxy host and the path begins with
// "/<bucket>/", the bucket moves into the host and leaves the path.
func ConvertPathStyle(r *http.Request, proxyHosts []string) {
	for _, ph := range proxyHosts {
		if r.Host != ph {
			continue
		}
		trimmed := strings.TrimPrefix(r.URL.Path, "/")
		bucket, rest, _ := strings.Cut(trimmed, "/")
		if bucket == "" {
			return
		}
		r.Host = bucket + "." + ph
		r.URL.Host = r.Host
		r.URL.Path = "/" + rest
		return
	}
}

// SetActualHost repoints the request at the real cloud endpoint:
// `<bucket>.<proxy_host>` becomes `<bucket>.<actual_host>` and the
// request authority becomes `http://<actual_host>`.
func SetActualHost(r *http.Request, proxyHost, actualHost string) {
	host := strings.TrimSuffix(r.Host, proxyHost) + actualHost
	r.Host = host
	r.URL.Scheme = "http"
	r.URL.Host = host
}
