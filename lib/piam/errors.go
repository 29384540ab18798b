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

package piam

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gravitational/trace"
)

// ErrorKind classifies proxy errors. The HTTP boundary maps a kind to an
// AWS-compatible XML error body and a status code; everything below the
// boundary only returns wrapped *Error values.
type ErrorKind string

const (
	KindBadRequest                 ErrorKind = "BadRequest"
	KindMalformedProtocol          ErrorKind = "MalformedProtocol"
	KindInvalidEndpoint            ErrorKind = "InvalidEndpoint"
	KindInvalidRegion              ErrorKind = "InvalidRegion"
	KindInvalidAuthorizationHeader ErrorKind = "InvalidAuthorizationHeader"
	KindInvalidAccessKey           ErrorKind = "InvalidAccessKey"
	KindParserError                ErrorKind = "ParserError"
	KindOperationNotSupported      ErrorKind = "OperationNotSupported"
	KindMissingPolicy              ErrorKind = "MissingPolicy"
	KindEffectNotFound             ErrorKind = "EffectNotFound"
	KindUserNotFound               ErrorKind = "UserNotFound"
	KindGroupNotFound              ErrorKind = "GroupNotFound"
	KindResourceNotFound           ErrorKind = "ResourceNotFound"
	KindManagerAPI                 ErrorKind = "ManagerApi"
	KindDeserialize                ErrorKind = "Deserialize"
	KindOtherInternal              ErrorKind = "OtherInternal"
	KindAssertFail                 ErrorKind = "AssertFail"
)

// Error is the typed error carried through the request pipeline.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Message)
}

// Code is the wire error code rendered into the XML body.
func (e *Error) Code() string {
	return "Piam" + string(e.Kind)
}

func newError(kind ErrorKind, format string, args ...any) error {
	return trace.Wrap(&Error{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func BadRequest(format string, args ...any) error {
	return newError(KindBadRequest, format, args...)
}

func MalformedProtocol(format string, args ...any) error {
	return newError(KindMalformedProtocol, format, args...)
}

func InvalidEndpoint(format string, args ...any) error {
	return newError(KindInvalidEndpoint, format, args...)
}

func InvalidRegion(format string, args ...any) error {
	return newError(KindInvalidRegion, format, args...)
}

func InvalidAuthorizationHeader(format string, args ...any) error {
	return newError(KindInvalidAuthorizationHeader, format, args...)
}

func InvalidAccessKey(format string, args ...any) error {
	return newError(KindInvalidAccessKey, format, args...)
}

func ParserError(format string, args ...any) error {
	return newError(KindParserError, format, args...)
}

func OperationNotSupported(format string, args ...any) error {
	return newError(KindOperationNotSupported, format, args...)
}

func MissingPolicy(format string, args ...any) error {
	return newError(KindMissingPolicy, format, args...)
}

func EffectNotFound(format string, args ...any) error {
	return newError(KindEffectNotFound, format, args...)
}

func UserNotFound(format string, args ...any) error {
	return newError(KindUserNotFound, format, args...)
}

func GroupNotFound(format string, args ...any) error {
	return newError(KindGroupNotFound, format, args...)
}

func ResourceNotFound(format string, args ...any) error {
	return newError(KindResourceNotFound, format, args...)
}

func ManagerAPI(format string, args ...any) error {
	return newError(KindManagerAPI, format, args...)
}

func Deserialize(format string, args ...any) error {
	return newError(KindDeserialize, format, args...)
}

func OtherInternal(format string, args ...any) error {
	return newError(KindOtherInternal, format, args...)
}

// AssertFail marks an invariant that was thought impossible. The HTTP
// boundary terminates the process when it sees one.
func AssertFail(format string, args ...any) error {
	return newError(KindAssertFail, format, args...)
}

// KindOf unwraps err down to its *Error and returns the kind.
// Unrecognized errors classify as OtherInternal.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(trace.Unwrap(err), &pe) || errors.As(err, &pe) {
		return pe.Kind
	}
	return KindOtherInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the typed error message, or err.Error() for
// unrecognized errors.
func MessageOf(err error) string {
	var pe *Error
	if errors.As(trace.Unwrap(err), &pe) || errors.As(err, &pe) {
		return pe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps an error kind to the wire status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindBadRequest, KindMalformedProtocol, KindInvalidEndpoint,
		KindInvalidRegion, KindInvalidAuthorizationHeader:
		return http.StatusBadRequest
	case KindInvalidAccessKey, KindParserError, KindOperationNotSupported,
		KindMissingPolicy, KindEffectNotFound, KindResourceNotFound:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
