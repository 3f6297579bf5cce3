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

import "context"

// Transport is the four-method contract spec.md §4.5 requires of every
// communication protocol: discover a manual's tools, tear down any
// per-manual state, invoke a tool once, and invoke a tool with incremental
// results. Declared in package core (rather than a leaf transport package)
// so that every per-kind transport package can depend on core without
// creating an import cycle back into the client. Reconstructed from the
// teacher's (unincluded) transport.Transport interface by way of its call
// sites in core/client.go and core/transport/toolboxtransport/http.go.
type Transport interface {
	// RegisterManual discovers the tools exposed by tmpl, returning the
	// Manual that describes them. Transports with no real discovery step
	// (gnmi) synthesize a Manual directly from tmpl.
	RegisterManual(ctx context.Context, tmpl *CallTemplate) (*Manual, error)

	// DeregisterManual releases any resources opened for tmpl (open
	// sessions, cached connections). Most transports no-op.
	DeregisterManual(ctx context.Context, tmpl *CallTemplate) error

	// CallTool invokes the named tool through tmpl with args and returns
	// its single result.
	CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *CallTemplate) (any, error)

	// CallToolStreaming invokes the named tool through tmpl and returns a
	// channel of incremental results. Transports with no native streaming
	// mode emit the unary result as the channel's single element
	// (spec.md §4.5 streaming/unary fallback).
	CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *CallTemplate) (<-chan StreamResult, error)
}

// StreamResult is one element of a CallToolStreaming channel: either a
// value or a terminal error, never both.
type StreamResult struct {
	Value any
	Err   error
}
