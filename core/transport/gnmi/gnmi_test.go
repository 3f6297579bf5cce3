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

package gnmi

import (
	"context"
	"testing"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

func TestPathFromString(t *testing.T) {
	p := pathFromString("/interfaces/interface[name=eth0]/state")
	if len(p.Elem) != 3 {
		t.Fatalf("expected 3 path elements, got %d: %+v", len(p.Elem), p.Elem)
	}
	if p.Elem[0].Name != "interfaces" || p.Elem[2].Name != "state" {
		t.Errorf("unexpected path elements: %+v", p.Elem)
	}
}

func TestPathFromString_EmptyYieldsNoElements(t *testing.T) {
	p := pathFromString("/")
	if len(p.Elem) != 0 {
		t.Errorf("expected no elements for a root path, got %+v", p.Elem)
	}
}

func TestTypedValueFor(t *testing.T) {
	if tv, err := typedValueFor(true); err != nil || tv.BoolVal == nil || *tv.BoolVal != true {
		t.Errorf("bool: got %+v, err %v", tv, err)
	}
	if tv, err := typedValueFor(42); err != nil || tv.IntVal == nil || *tv.IntVal != 42 {
		t.Errorf("int: got %+v, err %v", tv, err)
	}
	if tv, err := typedValueFor(float64(7)); err != nil || tv.IntVal == nil || *tv.IntVal != 7 {
		t.Errorf("whole float64 should collapse to int_val: got %+v, err %v", tv, err)
	}
	if tv, err := typedValueFor(3.5); err != nil || tv.FloatVal == nil || *tv.FloatVal != 3.5 {
		t.Errorf("fractional float64: got %+v, err %v", tv, err)
	}
	if tv, err := typedValueFor("eth0"); err != nil || tv.StringVal == nil || *tv.StringVal != "eth0" {
		t.Errorf("string: got %+v, err %v", tv, err)
	}
	if tv, err := typedValueFor(map[string]any{"a": 1}); err != nil || tv.JSONIETFVal == nil {
		t.Errorf("composite: got %+v, err %v", tv, err)
	}
}

func TestBuildGetRequest(t *testing.T) {
	req, err := buildGetRequest(map[string]any{"paths": []any{"/a/b", "/c"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Path) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(req.Path))
	}
}

func TestBuildGetRequest_NonStringPathIsError(t *testing.T) {
	_, err := buildGetRequest(map[string]any{"paths": []any{42}})
	if err == nil {
		t.Fatal("expected an error for a non-string path entry")
	}
}

func TestBuildSetRequest(t *testing.T) {
	req, err := buildSetRequest(map[string]any{
		"update":  []any{map[string]any{"path": "/a", "val": "x"}},
		"replace": []any{map[string]any{"path": "/b", "val": true}},
		"delete":  []any{"/c"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Update) != 1 || len(req.Replace) != 1 || len(req.Delete) != 1 {
		t.Fatalf("unexpected request shape: %+v", req)
	}
}

func TestBuildUpdate_NonObjectIsError(t *testing.T) {
	_, err := buildUpdate("not an object")
	if err == nil {
		t.Fatal("expected an error for a non-object update entry")
	}
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"localhost:9339":   true,
		"127.0.0.1:9339":   true,
		"[::1]:9339":       true,
		"switch.lan:9339":  false,
		"203.0.113.5:9339": false,
	}
	for target, want := range cases {
		if got := isLoopback(target); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", target, got, want)
		}
	}
}

func TestDialOptions_RejectsInsecureNonLocal(t *testing.T) {
	_, err := dialOptions(&core.GNMIFields{Target: "switch.example.com:9339"})
	if err == nil {
		t.Fatal("expected a security violation for an insecure non-local target")
	}
	if _, ok := err.(*core.SecurityViolationError); !ok {
		t.Errorf("expected *core.SecurityViolationError, got %T", err)
	}
}

func TestDialOptions_AllowsInsecureLoopback(t *testing.T) {
	opts, err := dialOptions(&core.GNMIFields{Target: "127.0.0.1:9339"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opts) == 0 {
		t.Error("expected dial options for a loopback target")
	}
}

func TestDialOptions_AllowsTLSToAnyTarget(t *testing.T) {
	opts, err := dialOptions(&core.GNMIFields{Target: "switch.example.com:9339", UseTLS: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opts) == 0 {
		t.Error("expected dial options for a TLS target")
	}
}

func TestRegisterManual_SynthesizesFourVirtualTools(t *testing.T) {
	tr := New()
	tmpl := &core.CallTemplate{Name: "switch", Kind: core.KindGNMI, GNMI: &core.GNMIFields{Target: "127.0.0.1:9339"}}
	manual, err := tr.RegisterManual(context.Background(), tmpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(manual.Tools) != 4 {
		t.Fatalf("expected 4 virtual tools, got %d", len(manual.Tools))
	}
	names := map[string]bool{}
	for _, tool := range manual.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"capabilities", "get", "set", "subscribe"} {
		if !names[want] {
			t.Errorf("expected a %q virtual tool, got %v", want, names)
		}
	}
}

func TestCallTool_SubscribeIsUnaryUnsupported(t *testing.T) {
	tr := New()
	tmpl := &core.CallTemplate{Name: "switch", Kind: core.KindGNMI, GNMI: &core.GNMIFields{Target: "127.0.0.1:9339"}}
	_, err := tr.CallTool(context.Background(), "subscribe", map[string]any{}, tmpl)
	if err == nil {
		t.Fatal("expected an error calling subscribe through the unary path")
	}
	if _, ok := err.(*core.UnsupportedOperationError); !ok {
		t.Errorf("expected *core.UnsupportedOperationError, got %T: %v", err, err)
	}
}

func TestCallTool_UnknownToolIsUnsupported(t *testing.T) {
	tr := New()
	tmpl := &core.CallTemplate{Name: "switch", Kind: core.KindGNMI, GNMI: &core.GNMIFields{Target: "127.0.0.1:1"}}
	_, err := tr.CallTool(context.Background(), "bogus", map[string]any{}, tmpl)
	if err == nil {
		t.Fatal("expected an error for an unrecognized gnmi tool name")
	}
	if _, ok := err.(*core.UnsupportedOperationError); !ok {
		t.Errorf("expected *core.UnsupportedOperationError, got %T: %v", err, err)
	}
}

func TestDeregisterManual_NoOp(t *testing.T) {
	tr := New()
	if err := tr.DeregisterManual(context.Background(), &core.CallTemplate{}); err != nil {
		t.Errorf("expected a no-op, got error: %v", err)
	}
}

func TestStringOr(t *testing.T) {
	if got := stringOr("explicit", "default"); got != "explicit" {
		t.Errorf("got %q, want explicit", got)
	}
	if got := stringOr(nil, "default"); got != "default" {
		t.Errorf("got %q, want default", got)
	}
	if got := stringOr("", "default"); got != "default" {
		t.Errorf("empty string should fall back, got %q", got)
	}
}

func TestToMap_RoundTripsViaJSON(t *testing.T) {
	result := toMap(CapabilityResponse{GNMIVersion: "0.10.0"})
	m, ok := result.(map[string]any)
	if !ok || m["gNMI_version"] != "0.10.0" {
		t.Errorf("unexpected round-tripped value: %v", result)
	}
}
