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

// Package sse implements the UTCP "sse" CallTemplate kind: a POST request
// whose response is a text/event-stream of blank-line-delimited records
// with "data:"/"event:"/"id:"/"retry:" fields. Event framing is grounded
// on mihaisavezi-claude-code-open's bufio.Scanner-over-SSE-lines pattern
// (internal/providers/anthropic.go, new.go, openrouter.go: `strings.HasPrefix(line,
// "data: ")`, "data: [DONE]" sentinel).
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

// Event is one parsed Server-Sent Event record.
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// Transport implements core.Transport for the "sse" kind.
//
// activeConnections tracks one *http.Response body per in-flight call,
// keyed by the call template's name (spec.md §9 Open Question 2,
// resolved in SPEC_FULL.md §5: concurrent calls sharing a template name
// share one connection, a documented limitation rather than a widened
// key).
type Transport struct {
	client *http.Client
	auth   *core.AuthApplier

	mu                sync.Mutex
	activeConnections map[string]io.Closer
}

// New constructs an SSE transport.
func New(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	return &Transport{client: client, auth: core.NewAuthApplier(), activeConnections: make(map[string]io.Closer)}
}

// RegisterManual issues a GET to the template's URL and decodes a JSON
// manual document from the (non-streaming) discovery response.
func (t *Transport) RegisterManual(ctx context.Context, tmpl *core.CallTemplate) (*core.Manual, error) {
	if tmpl.SSE == nil {
		return nil, fmt.Errorf("sse transport requires SSE fields")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tmpl.SSE.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range tmpl.SSE.Headers {
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

// DeregisterManual closes any connection still open under tmpl.Name.
func (t *Transport) DeregisterManual(ctx context.Context, tmpl *core.CallTemplate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.activeConnections[tmpl.Name]; ok {
		delete(t.activeConnections, tmpl.Name)
		return c.Close()
	}
	return nil
}

func (t *Transport) open(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (*http.Response, error) {
	f := tmpl.SSE
	payload := any(args)
	if f.BodyField != "" {
		payload = map[string]any{f.BodyField: args}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}
	if err := t.auth.ApplyToRequest(ctx, tmpl.Auth, req); err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("tool %q call failed: status %d: %s", toolName, resp.StatusCode, string(body))
	}

	t.mu.Lock()
	t.activeConnections[tmpl.Name] = resp.Body
	t.mu.Unlock()
	return resp, nil
}

// CallTool opens the event stream and returns the first non-sentinel
// event's decoded data, then closes the connection.
func (t *Transport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (any, error) {
	resp, err := t.open(ctx, toolName, args, tmpl)
	if err != nil {
		return nil, err
	}
	defer t.DeregisterManual(ctx, tmpl)

	events := scanEvents(resp.Body)
	for ev := range events {
		if ev.Data == "" || ev.Data == "[DONE]" {
			continue
		}
		return decodeEventData(ev.Data), nil
	}
	return nil, fmt.Errorf("tool %q: stream closed with no data event", toolName)
}

// CallToolStreaming emits one channel element per SSE event, stopping at
// the "[DONE]" sentinel or stream close.
func (t *Transport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (<-chan core.StreamResult, error) {
	resp, err := t.open(ctx, toolName, args, tmpl)
	if err != nil {
		return nil, err
	}

	ch := make(chan core.StreamResult)
	go func() {
		defer close(ch)
		defer t.DeregisterManual(ctx, tmpl)
		for ev := range scanEvents(resp.Body) {
			if ev.Data == "[DONE]" {
				return
			}
			ch <- core.StreamResult{Value: decodeEventData(ev.Data)}
		}
	}()
	return ch, nil
}

func decodeEventData(data string) any {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err == nil {
		return v
	}
	return data
}

// scanEvents parses blank-line-delimited SSE records off r, following the
// same field-prefix scanning as the teacher's chat-completion SSE
// consumers: "data: ", "event: ", "id: ", "retry: ".
func scanEvents(r io.Reader) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

		var cur Event
		var dataLines []string
		flush := func() {
			if len(dataLines) > 0 {
				cur.Data = strings.Join(dataLines, "\n")
				out <- cur
			}
			cur = Event{}
			dataLines = nil
		}
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				flush()
				continue
			}
			switch {
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			case strings.HasPrefix(line, "event:"):
				cur.Event = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
			case strings.HasPrefix(line, "id:"):
				cur.ID = strings.TrimPrefix(strings.TrimPrefix(line, "id:"), " ")
			case strings.HasPrefix(line, "retry:"):
				if n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimPrefix(line, "retry:"), " ")); err == nil {
					cur.Retry = n
				}
			}
		}
		flush()
	}()
	return out
}
