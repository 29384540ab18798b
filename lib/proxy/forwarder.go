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
	"io"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/patsnapops/piam-sub000/lib/piam"
)

// forward sends the transformed, re-signed request upstream and copies
// the response through. The inbound request was already rewritten in
// place; only RequestURI must be cleared for the client transport.
func forward(w http.ResponseWriter, r *http.Request, client *http.Client) error {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""

	resp, err := client.Do(outReq)
	if err != nil {
		return trace.Wrap(piam.OtherInternal("forwarding to %q: %v", r.Host, err))
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The status line is out; all that is left is logging upstream.
		return trace.Wrap(err)
	}
	return nil
}
