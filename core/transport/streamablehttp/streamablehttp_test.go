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

//go:build unit

package streamablehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

func TestRegisterManual(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(core.Manual{UTCPVersion: "1.0.0", Tools: []core.Tool{{Name: "ping"}}})
	}))
	defer srv.Close()

	tr := New(srv.Client())
	tmpl := &core.CallTemplate{Name: "svc", Kind: core.KindStreamableHTTP, StreamableHTTP: &core.StreamableHTTPFields{HTTPFields: core.HTTPFields{URL: srv.URL}}}
	manual, err := tr.RegisterManual(context.Background(), tmpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(manual.Tools) != 1 || manual.Tools[0].ToolCallTemplate.Name != "svc" {
		t.Fatalf("unexpected manual: %+v", manual)
	}
}

func TestCallTool_SingleJSONValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := New(srv.Client())
	tmpl := &core.CallTemplate{Name: "svc", Kind: core.KindStreamableHTTP, StreamableHTTP: &core.StreamableHTTPFields{HTTPFields: core.HTTPFields{URL: srv.URL}}}
	result, err := tr.CallTool(context.Background(), "ping", map[string]any{}, tmpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["ok"] != true {
		t.Errorf("unexpected result: %v", result)
	}
}

func TestCallTool_NDJSONAggregatesIntoSlice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte("{\"i\":1}\n{\"i\":2}\n"))
	}))
	defer srv.Close()

	tr := New(srv.Client())
	tmpl := &core.CallTemplate{Name: "svc", Kind: core.KindStreamableHTTP, StreamableHTTP: &core.StreamableHTTPFields{HTTPFields: core.HTTPFields{URL: srv.URL}}}
	result, err := tr.CallTool(context.Background(), "stream", map[string]any{}, tmpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		t.Fatalf("expected a 2-element aggregated slice, got %v (%T)", result, result)
	}
}

func TestCallToolStreaming_NDJSONEmitsOnePerLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte("{\"i\":1}\n{\"i\":2}\n{\"i\":3}\n"))
	}))
	defer srv.Close()

	tr := New(srv.Client())
	tmpl := &core.CallTemplate{Name: "svc", Kind: core.KindStreamableHTTP, StreamableHTTP: &core.StreamableHTTPFields{HTTPFields: core.HTTPFields{URL: srv.URL}}}
	ch, err := tr.CallToolStreaming(context.Background(), "stream", map[string]any{}, tmpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var count int
	for r := range ch {
		if r.Err != nil {
			t.Fatalf("unexpected streamed error: %v", r.Err)
		}
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 streamed chunks, got %d", count)
	}
}

func TestCallTool_PathParamSubstitution(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := New(srv.Client())
	tmpl := &core.CallTemplate{Name: "svc", Kind: core.KindStreamableHTTP, StreamableHTTP: &core.StreamableHTTPFields{HTTPFields: core.HTTPFields{URL: srv.URL + "/city/{city}"}}}
	_, err := tr.CallTool(context.Background(), "get_city", map[string]any{"city": "Lyon"}, tmpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/city/Lyon" {
		t.Errorf("expected path param substitution, got %q", gotPath)
	}
}

func TestCallTool_FailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := New(srv.Client())
	tmpl := &core.CallTemplate{Name: "svc", Kind: core.KindStreamableHTTP, StreamableHTTP: &core.StreamableHTTPFields{HTTPFields: core.HTTPFields{URL: srv.URL}}}
	_, err := tr.CallTool(context.Background(), "ping", map[string]any{}, tmpl)
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}

func TestDeregisterManual_NoOp(t *testing.T) {
	tr := New(nil)
	if err := tr.DeregisterManual(context.Background(), &core.CallTemplate{}); err != nil {
		t.Errorf("expected a no-op, got error: %v", err)
	}
}
