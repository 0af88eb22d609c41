// Copyright 2025 OLAV Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fault defines the error taxonomy shared by every OLAV component.
//
// A Fault carries a stable machine-readable Kind (the documented contract),
// a human-readable message (not a contract), and an optional wrapped cause.
// API boundaries return *Fault values; the HTTP layer maps kinds to status
// codes and the streaming layer maps them to error events.
package fault

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind is a stable error code.
type Kind string

const (
	// Unauthorized means the session token is missing, invalid, expired or
	// revoked. Not retriable.
	Unauthorized Kind = "unauthorized"

	// PermissionDenied means the caller's role lacks the capability.
	PermissionDenied Kind = "permission_denied"

	// BadArguments means a tool argument schema violation. Caller-fixable.
	BadArguments Kind = "bad_arguments"

	// NotFound means a referenced thread/job/report/session is absent.
	NotFound Kind = "not_found"

	// Conflict means a concurrent modification was detected, e.g. resuming
	// a thread that is not interrupted.
	Conflict Kind = "conflict"

	// Transient means the target is reachable but the call is retriable
	// (connection reset, timeout under the hard limit).
	Transient Kind = "transient"

	// Unreachable means a device or store could not be reached.
	Unreachable Kind = "unreachable"

	// Timeout means a configured deadline was exceeded.
	Timeout Kind = "timeout"

	// IterationLimitExceeded means a workflow safety bound was hit.
	IterationLimitExceeded Kind = "iteration_limit_exceeded"

	// UserRejected means an interrupt was resolved with a reject decision.
	UserRejected Kind = "user_rejected"

	// EmptyScope means a device scope resolved to zero devices.
	EmptyScope Kind = "empty_scope"

	// Internal is the uncategorized kind. Always logged with a correlation id.
	Internal Kind = "internal_error"
)

// Fault is the error type returned across OLAV component boundaries.
type Fault struct {
	Kind    Kind
	Message string
	Err     error

	// CorrelationID is set for Internal faults so logs can be joined with
	// the error surfaced to the caller.
	CorrelationID string
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a Fault of the given kind.
func New(kind Kind, format string, args ...any) *Fault {
	f := &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
	if kind == Internal {
		f.CorrelationID = uuid.New().String()
	}
	return f
}

// Wrap creates a Fault of the given kind with a wrapped cause.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	f := New(kind, format, args...)
	f.Err = err
	return f
}

// Internalf wraps an uncategorized error, assigning a correlation id.
func Internalf(err error, format string, args ...any) *Fault {
	return Wrap(Internal, err, format, args...)
}

// KindOf returns the kind of err, unwrapping as needed.
// Non-Fault errors report Internal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Recoverable reports whether the kind is safe to surface as a non-fatal
// stream error.
func (k Kind) Recoverable() bool {
	switch k {
	case Transient, Unreachable, Timeout, BadArguments:
		return true
	}
	return false
}

// HTTPStatus maps a kind to its HTTP response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case BadArguments, EmptyScope:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case Transient, Unreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
