/*
Copyright 2022.

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

// Package serrors defines the user facing error taxonomy of session
// provisioning. Every error carries a Kind used to tag failure metrics and a
// message meant to be rendered to the end user by the host runtime,
// remediation links included.
package serrors

import (
	"errors"
	"fmt"
)

// +enum
type Kind string

const (
	// KindConfigurationUnavailable covers a missing stack root or a missing
	// release/platform combination, fixable only by a different selection
	KindConfigurationUnavailable Kind = "ConfigurationUnavailableError"
	// KindUnsupportedConfiguration covers cluster/stack family mismatches
	KindUnsupportedConfiguration Kind = "UnsupportedConfigurationError"
	// KindAccessDenied covers a cluster whose access policy is not met
	KindAccessDenied Kind = "AccessDeniedError"
	// KindCredentialProvisioning covers an expected credential artifact
	// missing after its provisioning step ran, a service side problem
	KindCredentialProvisioning Kind = "CredentialProvisioningError"
	// KindPortAllocation covers exhausted port reservation retries
	KindPortAllocation Kind = "PortAllocationError"
)

type SpawnError struct {
	ErrKind Kind
	Message string
	cause   error
}

func (e *SpawnError) Error() string {
	return e.Message
}

func (e *SpawnError) Unwrap() error {
	return e.cause
}

func (e *SpawnError) Kind() Kind {
	return e.ErrKind
}

func New(kind Kind, message string) *SpawnError {
	return &SpawnError{ErrKind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *SpawnError {
	return &SpawnError{ErrKind: kind, Message: message, cause: cause}
}

// KindOf returns the taxonomy kind of err, or the bare Go type name for
// errors raised outside the taxonomy, mirroring how failure metrics tag the
// exception class.
func KindOf(err error) string {
	var se *SpawnError
	if errors.As(err, &se) {
		return string(se.ErrKind)
	}
	return fmt.Sprintf("%T", err)
}

func IsKind(err error, kind Kind) bool {
	var se *SpawnError
	if errors.As(err, &se) {
		return se.ErrKind == kind
	}
	return false
}
