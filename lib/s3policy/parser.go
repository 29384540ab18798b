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
	"bytes"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/patsnapops/piam-sub000/lib/piam"
)

// ExtendedConfig is the proxy-owned part of the manager configuration:
// the DNS names this proxy answers on and the uni-key switch.
type ExtendedConfig struct {
	ProxyHosts   []string `yaml:"proxy_hosts"`
	EnableUniKey bool     `yaml:"enable_uni_key,omitempty"`
}

// MatchProxyHost splits a request host into (bucket, proxyHost).
// `bucket.proxy.example.com` yields ("bucket", "proxy.example.com");
// an exact proxy-host match yields ("", proxyHost); anything else is an
// InvalidEndpoint error.
func (c *ExtendedConfig) MatchProxyHost(host string) (bucket, proxyHost string, err error) {
	for _, ph := range c.ProxyHosts {
		if host == ph {
			return "", ph, nil
		}
		if strings.HasSuffix(host, "."+ph) {
			return strings.TrimSuffix(host, "."+ph), ph, nil
		}
	}
	return "", "", trace.Wrap(piam.InvalidEndpoint("host %q does not belong to this proxy", host))
}

// cosUserAgentPrefix selects the Tencent COS protocol parser.
const cosUserAgentPrefix = "cos"

// ParseRequest classifies an incoming request into an object-storage
// Input. The request must already be in virtual-hosted form (the path
// style conversion runs before parsing).
func ParseRequest(r *http.Request, config *ExtendedConfig) (*Input, error) {
	if strings.HasPrefix(r.UserAgent(), cosUserAgentPrefix) {
		return parseCOSRequest(r, config)
	}
	return parseS3Request(r, config)
}

// parseCOSRequest is a placeholder until Tencent COS protocol parsing is
// populated.
func parseCOSRequest(r *http.Request, _ *ExtendedConfig) (*Input, error) {
	return nil, trace.Wrap(piam.OperationNotSupported("tencent cos protocol parsing is not implemented"))
}

func parseS3Request(r *http.Request, config *ExtendedConfig) (*Input, error) {
	bucket, _, err := config.MatchProxyHost(r.Host)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	query := r.URL.Query()
	hasListType := query.Has("list-type")
	hasTagging := query.Has("tagging")
	hasNotification := query.Has("notification")
	hasUploads := query.Has("uploads")
	hasDelete := query.Has("delete")
	uploadID := query.Get("uploadId")

	path := r.URL.Path
	if path == "" {
		path = "/"
	}

	if path == "/" {
		if bucket == "" {
			if r.Method == http.MethodGet {
				return &Input{Op: OpListBuckets}, nil
			}
			return nil, unsupported(r)
		}
		switch {
		case hasListType:
			if r.Method == http.MethodGet {
				return &Input{Op: OpListObjects, Bucket: bucket}, nil
			}
		case hasTagging:
			switch r.Method {
			case http.MethodGet:
				return &Input{Op: OpGetBucketTagging, Bucket: bucket}, nil
			case http.MethodPut:
				return &Input{Op: OpPutBucketTagging, Bucket: bucket}, nil
			case http.MethodDelete:
				return &Input{Op: OpDeleteBucketTagging, Bucket: bucket}, nil
			}
		case hasUploads:
			if r.Method == http.MethodGet {
				return &Input{Op: OpListMultiPartUploads, Bucket: bucket}, nil
			}
		case hasNotification:
			switch r.Method {
			case http.MethodGet:
				return &Input{Op: OpGetBucketNotificationConfiguration, Bucket: bucket}, nil
			case http.MethodPut:
				return &Input{Op: OpPutBucketNotificationConfiguration, Bucket: bucket}, nil
			}
		case hasDelete:
			if r.Method == http.MethodPost {
				return parseDeleteObjects(r, bucket)
			}
		default:
			switch r.Method {
			case http.MethodGet:
				// ListObjects V1 carries no list-type marker.
				return &Input{Op: OpListObjects, Bucket: bucket}, nil
			case http.MethodPut:
				return &Input{Op: OpCreateBucket, Bucket: bucket}, nil
			case http.MethodHead:
				return &Input{Op: OpHeadBucket, Bucket: bucket}, nil
			case http.MethodDelete:
				return &Input{Op: OpDeleteBucket, Bucket: bucket}, nil
			}
		}
		return nil, unsupported(r)
	}

	key := strings.TrimPrefix(path, "/")
	switch {
	case hasUploads:
		if r.Method == http.MethodPost {
			return &Input{Op: OpCreateMultipartUpload, Bucket: bucket, Key: key}, nil
		}
	case uploadID != "":
		switch r.Method {
		case http.MethodGet:
			return &Input{Op: OpListParts, Bucket: bucket, Key: key, UploadID: uploadID}, nil
		case http.MethodPut:
			return &Input{Op: OpUploadPart, Bucket: bucket, Key: key, UploadID: uploadID}, nil
		case http.MethodPost:
			return &Input{Op: OpCompleteMultipartUpload, Bucket: bucket, Key: key, UploadID: uploadID}, nil
		case http.MethodDelete:
			return &Input{Op: OpAbortMultipartUpload, Bucket: bucket, Key: key, UploadID: uploadID}, nil
		}
	default:
		if r.Method == http.MethodPut && r.Header.Get("x-amz-copy-source") != "" {
			return &Input{
				Op:         OpCopyObject,
				Bucket:     bucket,
				Key:        key,
				CopySource: r.Header.Get("x-amz-copy-source"),
			}, nil
		}
		switch r.Method {
		case http.MethodGet:
			return &Input{Op: OpGetObject, Bucket: bucket, Key: key}, nil
		case http.MethodPut:
			return &Input{Op: OpPutObject, Bucket: bucket, Key: key}, nil
		case http.MethodHead:
			return &Input{Op: OpHeadObject, Bucket: bucket, Key: key}, nil
		case http.MethodDelete:
			return &Input{Op: OpDeleteObject, Bucket: bucket, Key: key}, nil
		}
	}
	return nil, unsupported(r)
}

// deleteObjectsBody is the XML payload of the DeleteObjects batch call.
// https://docs.aws.amazon.com/AmazonS3/latest/API/API_DeleteObjects.html
type deleteObjectsBody struct {
	XMLName xml.Name `xml:"Delete"`
	Objects []struct {
		Key string `xml:"Key"`
	} `xml:"Object"`
}

// parseDeleteObjects extracts the batch key list. The body is restored so
// the forwarder and the signer can still read it.
func parseDeleteObjects(r *http.Request, bucket string) (*Input, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, trace.Wrap(piam.ParserError("delete request has no body"))
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, trace.Wrap(piam.ParserError("reading delete request body: %v", err))
	}
	if err := r.Body.Close(); err != nil {
		return nil, trace.Wrap(err)
	}
	r.Body = io.NopCloser(bytes.NewReader(payload))

	var body deleteObjectsBody
	if err := xml.Unmarshal(payload, &body); err != nil {
		return nil, trace.Wrap(piam.ParserError("decoding delete request body: %v", err))
	}
	if len(body.Objects) == 0 {
		return nil, trace.Wrap(piam.ParserError("delete request names no keys"))
	}
	keys := make([]string, 0, len(body.Objects))
	for _, obj := range body.Objects {
		keys = append(keys, obj.Key)
	}
	return &Input{Op: OpDeleteObjects, Bucket: bucket, Keys: keys}, nil
}

func unsupported(r *http.Request) error {
	return trace.Wrap(piam.OperationNotSupported("%s %s?%s is not a supported object-storage operation",
		r.Method, r.URL.Path, r.URL.RawQuery))
}
