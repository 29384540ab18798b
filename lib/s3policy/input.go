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

// Package s3policy models object-storage operations and the policies that
// allow, deny or modify them. The parser turns an HTTP request into an
// Input; the evaluator matches Inputs against ObjectStoragePolicy
// statements.
package s3policy

import "fmt"

// Operation names an object-storage API verb. The verb set is fixed and
// small on purpose; anything else is rejected as unsupported.
type Operation string

const (
	OpListBuckets Operation = "ListBuckets"

	OpCreateBucket                       Operation = "CreateBucket"
	OpHeadBucket                         Operation = "HeadBucket"
	OpDeleteBucket                       Operation = "DeleteBucket"
	OpListObjects                        Operation = "ListObjects"
	OpGetBucketTagging                   Operation = "GetBucketTagging"
	OpPutBucketTagging                   Operation = "PutBucketTagging"
	OpDeleteBucketTagging                Operation = "DeleteBucketTagging"
	OpGetBucketNotificationConfiguration Operation = "GetBucketNotificationConfiguration"
	OpPutBucketNotificationConfiguration Operation = "PutBucketNotificationConfiguration"
	OpListMultiPartUploads               Operation = "ListMultiPartUploads"

	OpGetObject               Operation = "GetObject"
	OpPutObject               Operation = "PutObject"
	OpHeadObject              Operation = "HeadObject"
	OpDeleteObject            Operation = "DeleteObject"
	OpDeleteObjects           Operation = "DeleteObjects"
	OpCopyObject              Operation = "CopyObject"
	OpCreateMultipartUpload   Operation = "CreateMultipartUpload"
	OpUploadPart              Operation = "UploadPart"
	OpCompleteMultipartUpload Operation = "CompleteMultipartUpload"
	OpAbortMultipartUpload    Operation = "AbortMultipartUpload"
	OpListParts               Operation = "ListParts"
)

// ActionAny is the wildcard accepted by a policy's action list.
const ActionAny = "Any"

// ActionKind partitions operations by the resource they act on.
type ActionKind int

const (
	ListBucketsKind ActionKind = iota
	BucketKind
	ObjectKind
)

var operationKinds = map[Operation]ActionKind{
	OpListBuckets: ListBucketsKind,

	OpCreateBucket:                       BucketKind,
	OpHeadBucket:                         BucketKind,
	OpDeleteBucket:                       BucketKind,
	OpListObjects:                        BucketKind,
	OpGetBucketTagging:                   BucketKind,
	OpPutBucketTagging:                   BucketKind,
	OpDeleteBucketTagging:                BucketKind,
	OpGetBucketNotificationConfiguration: BucketKind,
	OpPutBucketNotificationConfiguration: BucketKind,
	OpListMultiPartUploads:               BucketKind,

	OpGetObject:               ObjectKind,
	OpPutObject:               ObjectKind,
	OpHeadObject:              ObjectKind,
	OpDeleteObject:            ObjectKind,
	OpDeleteObjects:           ObjectKind,
	OpCopyObject:              ObjectKind,
	OpCreateMultipartUpload:   ObjectKind,
	OpUploadPart:              ObjectKind,
	OpCompleteMultipartUpload: ObjectKind,
	OpAbortMultipartUpload:    ObjectKind,
	OpListParts:               ObjectKind,
}

// Input is a parsed object-storage operation: the action plus the fields
// it semantically needs. Fields not used by the action stay empty.
type Input struct {
	Op     Operation
	Bucket string
	Key    string
	// CopySource is set for CopyObject only.
	CopySource string
	// Keys is set for DeleteObjects only.
	Keys []string
	// UploadID is set for the multipart operations addressed by upload id.
	UploadID string
}

// Action returns the action name matched against policy action lists.
func (i *Input) Action() string {
	return string(i.Op)
}

// Kind returns the resource kind of the action.
func (i *Input) Kind() ActionKind {
	return operationKinds[i.Op]
}

// Paths returns the "<bucket>/<key>" paths the operation touches, matched
// against key policies. DeleteObjects contributes one path per key.
func (i *Input) Paths() []string {
	if i.Op == OpDeleteObjects {
		paths := make([]string, 0, len(i.Keys))
		for _, k := range i.Keys {
			paths = append(paths, fmt.Sprintf("%s/%s", i.Bucket, k))
		}
		return paths
	}
	return []string{fmt.Sprintf("%s/%s", i.Bucket, i.Key)}
}

func (i *Input) String() string {
	switch i.Kind() {
	case ListBucketsKind:
		return string(i.Op)
	case BucketKind:
		return fmt.Sprintf("%s bucket=%s", i.Op, i.Bucket)
	default:
		return fmt.Sprintf("%s bucket=%s key=%s", i.Op, i.Bucket, i.Key)
	}
}
