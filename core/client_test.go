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

import (
	"context"
	"errors"
	"testing"
)

// fakeTransport is an in-memory Transport used to exercise Client without
// any real network or subprocess activity.
type fakeTransport struct {
	manual       *Manual
	registerErr  error
	callResult   any
	callErr      error
	deregistered []string
	lastArgs     map[string]any
	lastTool     string
}

func (f *fakeTransport) RegisterManual(ctx context.Context, tmpl *CallTemplate) (*Manual, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return f.manual, nil
}

func (f *fakeTransport) DeregisterManual(ctx context.Context, tmpl *CallTemplate) error {
	f.deregistered = append(f.deregistered, tmpl.Name)
	return nil
}

func (f *fakeTransport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *CallTemplate) (any, error) {
	f.lastTool = toolName
	f.lastArgs = args
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}

func (f *fakeTransport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *CallTemplate) (<-chan StreamResult, error) {
	ch := make(chan StreamResult, 1)
	if f.callErr != nil {
		ch <- StreamResult{Err: f.callErr}
	} else {
		ch <- StreamResult{Value: f.callResult}
	}
	close(ch)
	return ch, nil
}

func httpManualTemplate(name string) *CallTemplate {
	return &CallTemplate{Name: name, Kind: KindHTTP, HTTP: &HTTPFields{URL: "https://" + name + ".example"}}
}

func TestClient_RegisterManual_Success(t *testing.T) {
	ft := &fakeTransport{manual: testManual("get_forecast")}
	client, err := NewClient(WithTransport(KindHTTP, ft))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if len(client.GetTools()) != 1 {
		t.Fatalf("expected 1 tool registered, got %d", len(client.GetTools()))
	}
	if got := client.GetTools()[0].Name; got != "weather.get_forecast" {
		t.Errorf("expected tool name to be qualified as \"weather.get_forecast\", got %q", got)
	}
}

func TestClient_RegisterManual_FiltersDisallowedProtocol(t *testing.T) {
	manual := &Manual{UTCPVersion: "1.0", Tools: []Tool{
		{Name: "kept", ToolCallTemplate: CallTemplate{Kind: KindHTTP, HTTP: &HTTPFields{URL: "https://x.example"}}},
		{Name: "dropped", ToolCallTemplate: CallTemplate{Kind: KindSSE, SSE: &SSEFields{URL: "https://x.example"}}},
	}}
	ft := &fakeTransport{manual: manual}
	client, _ := NewClient(WithTransport(KindHTTP, ft))

	tmpl := httpManualTemplate("weather")
	tmpl.AllowedCommunicationProtocols = []CallTemplateKind{KindHTTP}
	result, err := client.RegisterManual(context.Background(), "weather", tmpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if len(result.Manual.Tools) != 1 || result.Manual.Tools[0].Name != "weather.kept" {
		t.Fatalf("expected only the HTTP tool to survive filtering, got %v", result.Manual.Tools)
	}
	if _, err := client.repo.GetTool("weather.dropped"); err == nil {
		t.Fatal("expected the SSE tool to be dropped at registration")
	}
}

func TestClient_CallTool_RejectsDisallowedProtocol(t *testing.T) {
	// Simulate a tool whose own call template kind was never in the
	// owning manual's allowed_communication_protocols (e.g. a manual
	// re-registered with a narrower allow-list after the repository
	// already held a tool of another kind).
	manual := &Manual{UTCPVersion: "1.0", Tools: []Tool{
		{Name: "weather.odd", ToolCallTemplate: CallTemplate{Kind: KindSSE, SSE: &SSEFields{URL: "https://x.example"}}},
	}}
	repo := NewToolRepository()
	tmpl := httpManualTemplate("weather")
	tmpl.AllowedCommunicationProtocols = []CallTemplateKind{KindHTTP}
	if err := repo.SaveManual("weather", tmpl, manual); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client, _ := NewClient(WithTransport(KindHTTP, &fakeTransport{}), WithTransport(KindSSE, &fakeTransport{}))
	client.repo = repo

	_, err := client.CallTool(context.Background(), "weather.odd", nil)
	if _, ok := err.(*UnsupportedOperationError); !ok {
		t.Fatalf("expected *UnsupportedOperationError, got %T: %v", err, err)
	}
}

func TestClient_RegisterManual_EmptyName(t *testing.T) {
	client, _ := NewClient()
	_, err := client.RegisterManual(context.Background(), "", httpManualTemplate("x"))
	if _, ok := err.(*InvalidConfigError); !ok {
		t.Fatalf("expected *InvalidConfigError, got %T: %v", err, err)
	}
}

func TestClient_RegisterManual_Duplicate(t *testing.T) {
	ft := &fakeTransport{manual: testManual()}
	client, _ := NewClient(WithTransport(KindHTTP, ft))
	if _, err := client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))
	if _, ok := err.(*ManualAlreadyRegisteredError); !ok {
		t.Fatalf("expected *ManualAlreadyRegisteredError, got %T: %v", err, err)
	}
}

func TestClient_RegisterManual_SanitizesName(t *testing.T) {
	ft := &fakeTransport{manual: testManual("get_forecast")}
	client, _ := NewClient(WithTransport(KindHTTP, ft))

	result, err := client.RegisterManual(context.Background(), "api.v1", httpManualTemplate("api.v1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if got := client.GetTools()[0].Name; got != "api_v1.get_forecast" {
		t.Errorf("expected tool name qualified with the sanitized manual name, got %q", got)
	}
	if _, err := client.repo.GetManual("api_v1"); err != nil {
		t.Errorf("expected the manual to be stored under its sanitized name: %v", err)
	}
}

func TestClient_RegisterManual_DuplicateAfterSanitizing(t *testing.T) {
	ft := &fakeTransport{manual: testManual("get_forecast")}
	client, _ := NewClient(WithTransport(KindHTTP, ft))

	if _, err := client.RegisterManual(context.Background(), "api.v1", httpManualTemplate("api.v1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := client.RegisterManual(context.Background(), "api_v1", httpManualTemplate("api_v1"))
	if _, ok := err.(*ManualAlreadyRegisteredError); !ok {
		t.Fatalf("expected *ManualAlreadyRegisteredError for a name colliding after sanitization, got %T: %v", err, err)
	}
}

func TestClient_RegisterManual_NoTransportForKind(t *testing.T) {
	client, _ := NewClient()
	result, err := client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))
	if err != nil {
		t.Fatalf("unexpected top-level error: %v", err)
	}
	if result.Success {
		t.Fatal("expected a non-fatal failure, not success")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one error recorded, got %v", result.Errors)
	}
}

func TestClient_RegisterManual_TransportFailureIsNonFatal(t *testing.T) {
	ft := &fakeTransport{registerErr: errors.New("discovery failed")}
	client, _ := NewClient(WithTransport(KindHTTP, ft))

	result, err := client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))
	if err != nil {
		t.Fatalf("unexpected top-level error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one recorded error, got %v", result.Errors)
	}
}

func TestClient_RegisterManual_VariableSubstitutionFailure(t *testing.T) {
	ft := &fakeTransport{manual: testManual()}
	client, _ := NewClient(WithTransport(KindHTTP, ft))

	tmpl := &CallTemplate{Name: "weather", Kind: KindHTTP, HTTP: &HTTPFields{URL: "https://$UNDEFINED_HOST/api"}}
	result, err := client.RegisterManual(context.Background(), "weather", tmpl)
	if err != nil {
		t.Fatalf("unexpected top-level error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure due to an unresolved variable")
	}
}

func TestClient_DeregisterManual(t *testing.T) {
	ft := &fakeTransport{manual: testManual("t1")}
	client, _ := NewClient(WithTransport(KindHTTP, ft))
	_, _ = client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))

	if err := client.DeregisterManual(context.Background(), "weather"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ft.deregistered) != 1 {
		t.Fatalf("expected transport DeregisterManual to be called, got %v", ft.deregistered)
	}
	if _, err := client.repo.GetManual("weather"); err == nil {
		t.Fatal("expected the manual to be removed from the repository")
	}
}

func TestClient_DeregisterManual_UnknownManual(t *testing.T) {
	client, _ := NewClient()
	if err := client.DeregisterManual(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error for an unknown manual")
	}
}

func TestClient_CallTool(t *testing.T) {
	ft := &fakeTransport{manual: testManual("get_forecast"), callResult: map[string]any{"temp": 72}}
	client, _ := NewClient(WithTransport(KindHTTP, ft))
	_, _ = client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))

	result, err := client.CallTool(context.Background(), "weather.get_forecast", map[string]any{"city": "Paris"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["temp"] != 72 {
		t.Errorf("unexpected result: %v", result)
	}
	if ft.lastTool != "get_forecast" {
		t.Errorf("expected tool name passed through, got %q", ft.lastTool)
	}
	if ft.lastArgs["city"] != "Paris" {
		t.Errorf("expected args passed through, got %v", ft.lastArgs)
	}
}

func TestClient_CallTool_UnknownTool(t *testing.T) {
	client, _ := NewClient()
	_, err := client.CallTool(context.Background(), "weather.get_forecast", nil)
	if _, ok := err.(*ToolNotFoundError); !ok {
		t.Fatalf("expected *ToolNotFoundError, got %T: %v", err, err)
	}
}

func TestClient_CallTool_InvalidQualifiedName(t *testing.T) {
	client, _ := NewClient()
	_, err := client.CallTool(context.Background(), "notqualified", nil)
	if _, ok := err.(*InvalidConfigError); !ok {
		t.Fatalf("expected *InvalidConfigError, got %T: %v", err, err)
	}
}

func TestClient_CallTool_TransportFailureWrapped(t *testing.T) {
	inner := errors.New("boom")
	ft := &fakeTransport{manual: testManual("get_forecast"), callErr: inner}
	client, _ := NewClient(WithTransport(KindHTTP, ft))
	_, _ = client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))

	_, err := client.CallTool(context.Background(), "weather.get_forecast", nil)
	cfe, ok := err.(*CallFailureError)
	if !ok {
		t.Fatalf("expected *CallFailureError, got %T: %v", err, err)
	}
	if cfe.Tool != "weather.get_forecast" {
		t.Errorf("unexpected tool in error: %q", cfe.Tool)
	}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to see through CallFailureError to the wrapped transport error")
	}
}

func TestClient_CallTool_RunsPostProcessorsInOrder(t *testing.T) {
	ft := &fakeTransport{manual: testManual("get_forecast"), callResult: map[string]any{"temp": 72}}
	var order []string
	upper := PostProcessorFunc(func(ctx context.Context, toolName string, args map[string]any, result any) (any, error) {
		order = append(order, "upper")
		m := result.(map[string]any)
		return map[string]any{"temp": m["temp"], "tool": toolName}, nil
	})
	lower := PostProcessorFunc(func(ctx context.Context, toolName string, args map[string]any, result any) (any, error) {
		order = append(order, "lower")
		return result, nil
	})
	client, _ := NewClient(WithTransport(KindHTTP, ft), WithPostProcessors(upper, lower))
	_, _ = client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))

	result, err := client.CallTool(context.Background(), "weather.get_forecast", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["tool"] != "get_forecast" {
		t.Fatalf("expected the post-processed result, got %v", result)
	}
	if len(order) != 2 || order[0] != "upper" || order[1] != "lower" {
		t.Errorf("expected post-processors to run in registration order, got %v", order)
	}
}

func TestClient_CallTool_PostProcessorErrorWrapped(t *testing.T) {
	ft := &fakeTransport{manual: testManual("get_forecast"), callResult: map[string]any{"temp": 72}}
	inner := errors.New("post-process failed")
	failing := PostProcessorFunc(func(ctx context.Context, toolName string, args map[string]any, result any) (any, error) {
		return nil, inner
	})
	client, _ := NewClient(WithTransport(KindHTTP, ft), WithPostProcessors(failing))
	_, _ = client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))

	_, err := client.CallTool(context.Background(), "weather.get_forecast", nil)
	if _, ok := err.(*CallFailureError); !ok {
		t.Fatalf("expected *CallFailureError, got %T: %v", err, err)
	}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to see through CallFailureError to the post-processor error")
	}
}

func TestClient_CallToolStreaming(t *testing.T) {
	ft := &fakeTransport{manual: testManual("get_forecast"), callResult: "sunny"}
	client, _ := NewClient(WithTransport(KindHTTP, ft))
	_, _ = client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))

	ch, err := client.CallToolStreaming(context.Background(), "weather.get_forecast", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []StreamResult
	for r := range ch {
		got = append(got, r)
	}
	if len(got) != 1 || got[0].Value != "sunny" {
		t.Errorf("unexpected stream results: %v", got)
	}
}

func TestClient_SearchTools(t *testing.T) {
	ft := &fakeTransport{manual: &Manual{Tools: []Tool{
		{Name: "get_forecast", Description: "current weather", ToolCallTemplate: *httpManualTemplate("combo")},
		{Name: "get_stock_price", Description: "latest price", ToolCallTemplate: *httpManualTemplate("combo")},
	}}}
	client, _ := NewClient(WithTransport(KindHTTP, ft))
	_, _ = client.RegisterManual(context.Background(), "combo", httpManualTemplate("combo"))

	found := client.SearchTools("weather", 0)
	if len(found) != 1 || found[0].Name != "combo.get_forecast" {
		t.Errorf("unexpected search results: %v", found)
	}
}

func TestClient_GetManuals(t *testing.T) {
	ft := &fakeTransport{manual: testManual()}
	client, _ := NewClient(WithTransport(KindHTTP, ft))
	_, _ = client.RegisterManual(context.Background(), "weather", httpManualTemplate("weather"))

	manuals := client.GetManuals()
	if len(manuals) != 1 || manuals[0] != "weather" {
		t.Errorf("unexpected manuals: %v", manuals)
	}
}

func TestClient_GetRequiredVariablesForManualAndTools(t *testing.T) {
	client, _ := NewClient()
	tmpl := &CallTemplate{Kind: KindHTTP, HTTP: &HTTPFields{URL: "https://$HOST/api"}}
	got := client.GetRequiredVariablesForManualAndTools(tmpl)
	if len(got) != 1 || got[0] != "HOST" {
		t.Errorf("unexpected required variables: %v", got)
	}
}

func TestClient_GetRequiredVariablesForRegisteredTool(t *testing.T) {
	// GetRequiredVariablesForRegisteredTool inspects the manual's *stored*
	// call template, which RegisterManual already substituted; it reports
	// any variable references surviving that substitution (useful when a
	// resolved value is itself a deferred reference) rather than the
	// manual's original, pre-registration variables.
	ft := &fakeTransport{manual: testManual("t")}
	client, _ := NewClient(WithTransport(KindHTTP, ft), WithConfigVariables(map[string]string{"API_KEY": "$STILL_DEFERRED"}))
	tmpl := &CallTemplate{Name: "weather", Kind: KindHTTP, HTTP: &HTTPFields{URL: "https://weather.example"}, Auth: NewAPIKeyAuth("$API_KEY", "X-Api-Key", LocationHeader)}
	if _, err := client.RegisterManual(context.Background(), "weather", tmpl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := client.GetRequiredVariablesForRegisteredTool("weather.t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "STILL_DEFERRED" {
		t.Errorf("unexpected required variables: %v", got)
	}
}

func TestClient_GetRequiredVariablesForRegisteredTool_UnknownManual(t *testing.T) {
	client, _ := NewClient()
	_, err := client.GetRequiredVariablesForRegisteredTool("nope.tool")
	if err == nil {
		t.Fatal("expected an error for an unregistered manual")
	}
}
