// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import "fmt"

// InvalidConfigError reports a malformed client configuration or manual
// definition that prevented any registration from proceeding.
type InvalidConfigError struct {
	Reason string
	Err    error
}

func (e *InvalidConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid config: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid config: %s", e.Reason)
}

func (e *InvalidConfigError) Unwrap() error { return e.Err }

// VariableNotFoundError reports a `$VAR`/`${VAR}` reference that no
// variable loader, config map, or environment variable could resolve.
type VariableNotFoundError struct {
	Name string
}

func (e *VariableNotFoundError) Error() string {
	return fmt.Sprintf("variable not found: %s", e.Name)
}

// SecurityViolationError reports a call template that fails a transport's
// security gate, e.g. a non-HTTPS, non-localhost HTTP URL.
type SecurityViolationError struct {
	Reason string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("security violation: %s", e.Reason)
}

// ManualAlreadyRegisteredError reports a duplicate manual name.
type ManualAlreadyRegisteredError struct {
	Name string
}

func (e *ManualAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("manual already registered: %s", e.Name)
}

// ManualNotFoundError reports a reference to an unregistered manual.
type ManualNotFoundError struct {
	Name string
}

func (e *ManualNotFoundError) Error() string {
	return fmt.Sprintf("manual not found: %s", e.Name)
}

// ToolNotFoundError reports a reference to an unknown fully-qualified tool
// name.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// TransportRegistrationFailureError wraps a single transport's discovery
// failure during manual registration. It is non-fatal to the overall
// RegisterManual call: the caller packs one of these per failed manual
// call template into RegisterManualResult.Errors rather than aborting.
type TransportRegistrationFailureError struct {
	Kind CallTemplateKind
	Err  error
}

func (e *TransportRegistrationFailureError) Error() string {
	return fmt.Sprintf("transport registration failed for %s: %v", e.Kind, e.Err)
}

func (e *TransportRegistrationFailureError) Unwrap() error { return e.Err }

// CallFailureError wraps a transport-level failure while invoking a tool,
// distinct from a registration-time failure.
type CallFailureError struct {
	Tool string
	Err  error
}

func (e *CallFailureError) Error() string {
	return fmt.Sprintf("call failed for tool %s: %v", e.Tool, e.Err)
}

func (e *CallFailureError) Unwrap() error { return e.Err }

// UnsupportedOperationError reports an operation a transport does not
// implement, e.g. streaming on a transport with no incremental mode.
type UnsupportedOperationError struct {
	Operation string
	Kind      CallTemplateKind
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported operation %q for transport %s", e.Operation, e.Kind)
}

// MissingParameterError reports a required HTTP URL template path
// parameter ("{name}") with no corresponding argument, caught before the
// request is sent.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required path parameter: %s", e.Name)
}
