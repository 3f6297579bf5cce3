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

// Package streamablehttp implements the UTCP "streamable_http" CallTemplate
// kind: an HTTP POST whose response body is decoded incrementally instead
// of read whole, one chunk per streamed value. Shares request-building
// plumbing with httptransport (grounded on the same
// core/transport/toolboxtransport/http.go lineage); response decoding
// branches on Content-Type the way
// other_examples/1ce08559_...transports.go.go's StreamableHTTPClientTransport
// distinguishes a plain JSON reply from an incremental one.
package streamablehttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

// DiscoveryTimeout bounds a manual discovery fetch.
const DiscoveryTimeout = 10 * time.Second

// CallTimeout bounds a unary (non-streaming) call.
const CallTimeout = 30 * time.Second

// Transport implements core.Transport for the "streamable_http" kind.
type Transport struct {
	client *http.Client
	auth   *core.AuthApplier
}

// New constructs a streamable-HTTP transport.
func New(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	return &Transport{client: client, auth: core.NewAuthApplier()}
}

var pathParamRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// RegisterManual fetches the manual document at the template's URL.
func (t *Transport) RegisterManual(ctx context.Context, tmpl *core.CallTemplate) (*core.Manual, error) {
	if tmpl.StreamableHTTP == nil {
		return nil, fmt.Errorf("streamable_http transport requires StreamableHTTP fields")
	}
	ctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tmpl.StreamableHTTP.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range tmpl.StreamableHTTP.Headers {
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
		return nil, fmt.Errorf("discovery request failed: status %d: %s", resp.StatusCode, string(body))
	}
	var manual core.Manual
	if err := json.Unmarshal(body, &manual); err != nil {
		return nil, fmt.Errorf("decoding manual: %w", err)
	}
	for i := range manual.Tools {
		if manual.Tools[i].ToolCallTemplate.Name == "" {
			manual.Tools[i].ToolCallTemplate = *tmpl
		}
	}
	return &manual, nil
}

// DeregisterManual is a no-op; no per-manual session state is kept.
func (t *Transport) DeregisterManual(ctx context.Context, tmpl *core.CallTemplate) error { return nil }

func (t *Transport) buildRequest(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (*http.Request, error) {
	f := tmpl.StreamableHTTP
	remaining := make(map[string]any, len(args))
	for k, v := range args {
		remaining[k] = v
	}
	resolvedURL := pathParamRe.ReplaceAllStringFunc(f.URL, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := remaining[name]; ok {
			delete(remaining, name)
			return fmt.Sprintf("%v", v)
		}
		return m
	})
	if _, err := url.Parse(resolvedURL); err != nil {
		return nil, err
	}

	payload := any(remaining)
	if f.BodyField != "" {
		payload = map[string]any{f.BodyField: remaining}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolvedURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/x-ndjson, application/json, application/octet-stream")
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}
	if err := t.auth.ApplyToRequest(ctx, tmpl.Auth, req); err != nil {
		return nil, err
	}
	return req, nil
}

// CallTool performs the request and decodes the whole body by its
// Content-Type with the same decodeChunks used by CallToolStreaming. It
// returns the single decoded value when there is exactly one (an
// octet-stream body yields one []byte), otherwise the list of all decoded
// values (e.g. one per NDJSON line).
func (t *Transport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	req, err := t.buildRequest(ctx, toolName, args, tmpl)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	values, err := decodeChunks(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool %q call failed: status %d", toolName, resp.StatusCode)
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

// CallToolStreaming decodes the response incrementally, emitting one
// channel element per chunk as it is decoded rather than waiting for the
// whole body.
func (t *Transport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (<-chan core.StreamResult, error) {
	req, err := t.buildRequest(ctx, toolName, args, tmpl)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan core.StreamResult)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			ch <- core.StreamResult{Err: fmt.Errorf("tool %q call failed: status %d: %s", toolName, resp.StatusCode, string(body))}
			return
		}

		contentType := resp.Header.Get("Content-Type")
		switch {
		case containsNDJSON(contentType):
			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				var v any
				if err := json.Unmarshal(line, &v); err != nil {
					ch <- core.StreamResult{Err: err}
					return
				}
				ch <- core.StreamResult{Value: v}
			}
			if err := scanner.Err(); err != nil {
				ch <- core.StreamResult{Err: err}
			}
		case containsOctetStream(contentType):
			buf := make([]byte, 32*1024)
			for {
				n, rerr := resp.Body.Read(buf)
				if n > 0 {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					ch <- core.StreamResult{Value: chunk}
				}
				if rerr == io.EOF {
					return
				}
				if rerr != nil {
					ch <- core.StreamResult{Err: rerr}
					return
				}
			}
		default:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				ch <- core.StreamResult{Err: err}
				return
			}
			var v any
			if err := json.Unmarshal(body, &v); err != nil {
				v = string(body)
			}
			ch <- core.StreamResult{Value: v}
		}
	}()
	return ch, nil
}

func containsNDJSON(ct string) bool {
	return bytes.Contains([]byte(ct), []byte("ndjson"))
}

func containsOctetStream(ct string) bool {
	return bytes.Contains([]byte(ct), []byte("octet-stream"))
}

// decodeChunks aggregates a response body the same way the streaming path
// would, used by the unary CallTool so both paths share decode semantics.
func decodeChunks(contentType string, body io.Reader) ([]any, error) {
	switch {
	case containsNDJSON(contentType):
		var out []any
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var v any
			if err := json.Unmarshal(line, &v); err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, scanner.Err()
	case containsOctetStream(contentType):
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		return []any{data}, nil
	default:
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return []any{nil}, nil
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return []any{string(data)}, nil
		}
		return []any{v}, nil
	}
}
