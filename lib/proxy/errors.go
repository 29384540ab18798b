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
	"encoding/xml"
	"net/http"

	"github.com/patsnapops/piam-sub000/lib/piam"
)

// errorResponse is the AWS-compatible XML error body, so that stock S3
// SDKs surface proxy rejections the way they surface service errors.
type errorResponse struct {
	XMLName        xml.Name `xml:"Error"`
	Code           string   `xml:"Code"`
	Message        string   `xml:"Message"`
	AWSAccessKeyID string   `xml:"AWSAccessKeyId"`
	RequestID      string   `xml:"RequestId"`
	HostID         string   `xml:"HostId"`
}

// writeError renders err as an AWS-style XML error with the status code
// of its kind. Trace headers are set by the caller before any write.
func writeError(w http.ResponseWriter, err error, requestID string) {
	kind := piam.KindOf(err)
	body, marshalErr := xml.Marshal(errorResponse{
		Code:      "Piam" + string(kind),
		Message:   "PIAM " + piam.MessageOf(err),
		RequestID: requestID,
	})
	if marshalErr != nil {
		http.Error(w, "PIAM internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(kind.HTTPStatus())
	w.Write([]byte(xml.Header))
	w.Write(body)
}
