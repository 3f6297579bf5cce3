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

// Package httptransport implements the UTCP "http" CallTemplate kind: a
// unary request/response transport that discovers a manual either as a
// UTCP manual document or an OpenAPI 2.0/3.0 document at the template's
// own URL. Grounded on the teacher's
// core/transport/toolboxtransport/http.go request/response plumbing
// (context-aware http.NewRequestWithContext, status handling,
// io.ReadAll+json.Unmarshal), generalized from the teacher's fixed
// "/api/tool/<name>/invoke" wire shape to a template-driven
// method/url/body-field/header-field/path-param request shape, since
// spec.md's HTTP transport is not the teacher's native Toolbox protocol
// (see DESIGN.md "Removed teacher modules").
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
	"github.com/universal-tool-calling-protocol/utcp-go/openapi"
)

// DiscoveryTimeout bounds a manual/OpenAPI document fetch.
const DiscoveryTimeout = 10 * time.Second

// CallTimeout bounds a single tool invocation.
const CallTimeout = 30 * time.Second

// Transport implements core.Transport for the "http" CallTemplate kind.
type Transport struct {
	client *http.Client
	auth   *core.AuthApplier
}

// New constructs an HTTP transport. client may be nil, in which case a
// transport-internal http.Client is used.
func New(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	return &Transport{client: client, auth: core.NewAuthApplier()}
}

var pathParamRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// securityGate rejects plain-http URLs whose host is not localhost,
// 127.0.0.1 or ::1,
// spec.md's HTTP transport security invariant.
func securityGate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &core.SecurityViolationError{Reason: fmt.Sprintf("invalid URL %q: %v", rawURL, err)}
	}
	if u.Scheme == "https" {
		return nil
	}
	if u.Scheme != "http" {
		return &core.SecurityViolationError{Reason: fmt.Sprintf("unsupported URL scheme %q", u.Scheme)}
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return nil
	}
	return &core.SecurityViolationError{Reason: fmt.Sprintf("plain HTTP to non-local host %q is not allowed", host)}
}

// RegisterManual fetches tmpl.HTTP.URL and parses it as either a UTCP
// manual or an OpenAPI document.
func (t *Transport) RegisterManual(ctx context.Context, tmpl *core.CallTemplate) (*core.Manual, error) {
	if tmpl.HTTP == nil {
		return nil, fmt.Errorf("http transport requires HTTP fields")
	}
	if err := securityGate(tmpl.HTTP.URL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tmpl.HTTP.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range tmpl.HTTP.Headers {
		req.Header.Set(k, v)
	}
	if err := t.auth.ApplyToRequest(ctx, tmpl.Auth, req); err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("discovery request to %s failed: status %d: %s", tmpl.HTTP.URL, resp.StatusCode, string(body))
	}

	var manual core.Manual
	if err := json.Unmarshal(body, &manual); err == nil && manual.UTCPVersion != "" {
		for i := range manual.Tools {
			if manual.Tools[i].ToolCallTemplate.Name == "" {
				manual.Tools[i].ToolCallTemplate = *tmpl
			}
		}
		return &manual, nil
	}

	return openapi.ConvertDocument(body, tmpl.Name, tmpl)
}

// DeregisterManual is a no-op: the HTTP transport holds no per-manual
// session state.
func (t *Transport) DeregisterManual(ctx context.Context, tmpl *core.CallTemplate) error { return nil }

// CallTool issues one HTTP request built from tmpl's method/url/body
// shape, substituting {path_param} placeholders from args and routing
// the remaining args into either the JSON body or the query string
// depending on method.
func (t *Transport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (any, error) {
	if tmpl.HTTP == nil {
		return nil, fmt.Errorf("http transport requires HTTP fields")
	}
	if err := securityGate(tmpl.HTTP.URL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	method := tmpl.HTTP.Method
	if method == "" {
		method = http.MethodPost
	}

	remaining := make(map[string]any, len(args))
	for k, v := range args {
		remaining[k] = v
	}

	var missingParam string
	resolvedURL := pathParamRe.ReplaceAllStringFunc(tmpl.HTTP.URL, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := remaining[name]; ok {
			delete(remaining, name)
			return fmt.Sprintf("%v", v)
		}
		if missingParam == "" {
			missingParam = name
		}
		return m
	})
	if missingParam != "" {
		return nil, &core.MissingParameterError{Name: missingParam}
	}

	headerArgs := make(map[string]any)
	for _, h := range tmpl.HTTP.HeaderFields {
		if v, ok := remaining[h]; ok {
			headerArgs[h] = v
			delete(remaining, h)
		}
	}

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		u, err := url.Parse(resolvedURL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		for k, v := range remaining {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		resolvedURL = u.String()
	default:
		payload := any(remaining)
		if tmpl.HTTP.BodyField != "" {
			payload = map[string]any{tmpl.HTTP.BodyField: remaining}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, resolvedURL, body)
	if err != nil {
		return nil, err
	}
	contentType := tmpl.HTTP.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range tmpl.HTTP.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headerArgs {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	if err := t.auth.ApplyToRequest(ctx, tmpl.Auth, req); err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool %q call failed: status %d: %s", toolName, resp.StatusCode, string(respBody))
	}

	return decodeResponse(resp.Header.Get("Content-Type"), respBody)
}

func decodeResponse(contentType string, body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if strings.Contains(contentType, "application/json") || contentType == "" {
		var result any
		if err := json.Unmarshal(body, &result); err == nil {
			return result, nil
		}
	}
	return string(body), nil
}

// CallToolStreaming falls back to the unary result as a single-element
// channel: plain HTTP has no native incremental mode (spec.md §4.5
// streaming/unary fallback).
func (t *Transport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (<-chan core.StreamResult, error) {
	ch := make(chan core.StreamResult, 1)
	go func() {
		defer close(ch)
		res, err := t.CallTool(ctx, toolName, args, tmpl)
		ch <- core.StreamResult{Value: res, Err: err}
	}()
	return ch, nil
}
