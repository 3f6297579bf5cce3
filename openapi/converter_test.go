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

package openapi

import (
	"encoding/json"
	"testing"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

const v3Doc = `{
  "openapi": "3.0.0",
  "info": {"title": "Weather", "version": "1.2.3"},
  "servers": [{"url": "https://weather.example/api"}],
  "paths": {
    "/forecast/{city}": {
      "get": {
        "operationId": "get_forecast",
        "summary": "Get forecast",
        "parameters": [
          {"name": "city", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "days", "in": "query", "required": false, "schema": {"type": "integer"}}
        ],
        "responses": {
          "200": {
            "description": "ok",
            "content": {"application/json": {"schema": {"type": "object", "properties": {"temp": {"type": "number"}}}}}
          }
        },
        "security": [{"apiKeyAuth": []}]
      }
    }
  },
  "components": {
    "securitySchemes": {
      "apiKeyAuth": {"type": "apiKey", "in": "header", "name": "X-Api-Key"}
    }
  }
}`

func baseTemplate() *core.CallTemplate {
	return &core.CallTemplate{Name: "weather", Kind: core.KindHTTP, HTTP: &core.HTTPFields{URL: "https://weather.example/api"}}
}

func TestConvertDocument_V3(t *testing.T) {
	manual, err := ConvertDocument([]byte(v3Doc), "weather", baseTemplate())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if manual.ManualVersion != "1.2.3" {
		t.Errorf("expected manual version 1.2.3, got %q", manual.ManualVersion)
	}
	if len(manual.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(manual.Tools))
	}

	tool := manual.Tools[0]
	if tool.Name != "get_forecast" {
		t.Errorf("expected operationId as name, got %q", tool.Name)
	}
	if tool.Description != "Get forecast" {
		t.Errorf("expected summary as description, got %q", tool.Description)
	}
	if tool.ToolCallTemplate.HTTP == nil {
		t.Fatal("expected an HTTP call template")
	}
	if tool.ToolCallTemplate.HTTP.URL != "https://weather.example/api/forecast/{city}" {
		t.Errorf("unexpected URL: %q", tool.ToolCallTemplate.HTTP.URL)
	}
	if tool.ToolCallTemplate.HTTP.Method != "GET" {
		t.Errorf("unexpected method: %q", tool.ToolCallTemplate.HTTP.Method)
	}
	if _, ok := tool.Inputs.Properties["city"]; !ok {
		t.Error("expected city input property")
	}
	if _, ok := tool.Inputs.Properties["days"]; !ok {
		t.Error("expected days input property")
	}
	if len(tool.Inputs.Required) != 1 || tool.Inputs.Required[0] != "city" {
		t.Errorf("expected city required, got %v", tool.Inputs.Required)
	}

	auth := tool.ToolCallTemplate.Auth
	if auth == nil || auth.Kind != core.AuthAPIKey {
		t.Fatalf("expected an ApiKey auth, got %+v", auth)
	}
	if auth.APIKey.VarName != "X-Api-Key" || auth.APIKey.Location != core.LocationHeader {
		t.Errorf("unexpected auth descriptor: %+v", auth.APIKey)
	}
	if auth.APIKey.APIKey != "${API_KEY_1}" {
		t.Errorf("expected a placeholder variable reference, got %q", auth.APIKey.APIKey)
	}
}

func TestConvertDocument_RequestBodyAndOutputs(t *testing.T) {
	doc := `{
	  "openapi": "3.0.0",
	  "info": {"title": "Orders", "version": "1.0.0"},
	  "servers": [{"url": "https://orders.example"}],
	  "paths": {
	    "/orders": {
	      "post": {
	        "operationId": "create_order",
	        "requestBody": {
	          "required": true,
	          "content": {"application/json": {"schema": {"type": "object", "properties": {"item": {"type": "string"}}}}}
	        },
	        "responses": {
	          "201": {"description": "created", "content": {"application/json": {"schema": {"type": "object", "properties": {"id": {"type": "string"}}}}}}
	        }
	      }
	    }
	  }
	}`
	manual, err := ConvertDocument([]byte(doc), "orders", &core.CallTemplate{Name: "orders", Kind: core.KindHTTP, HTTP: &core.HTTPFields{URL: "https://orders.example"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tool := manual.Tools[0]
	if tool.ToolCallTemplate.HTTP.BodyField != "body" {
		t.Errorf("expected body field 'body', got %q", tool.ToolCallTemplate.HTTP.BodyField)
	}
	if _, ok := tool.Inputs.Properties["body"]; !ok {
		t.Error("expected a 'body' input property")
	}
	if len(tool.Inputs.Required) != 1 || tool.Inputs.Required[0] != "body" {
		t.Errorf("expected body required, got %v", tool.Inputs.Required)
	}
	if _, ok := tool.Outputs.Properties["id"]; !ok {
		t.Error("expected an 'id' output property from the 201 response")
	}
}

func TestConvertDocument_XUtcpAuthExtensionOverridesSecurity(t *testing.T) {
	doc := `{
	  "openapi": "3.0.0",
	  "info": {"title": "Svc", "version": "1.0.0"},
	  "paths": {
	    "/ping": {
	      "get": {
	        "operationId": "ping",
	        "x-utcp-auth": {"auth_type": "basic", "username": "u", "password": "p"},
	        "security": [{"apiKeyAuth": []}],
	        "responses": {"200": {"description": "ok"}}
	      }
	    }
	  },
	  "components": {"securitySchemes": {"apiKeyAuth": {"type": "apiKey", "in": "header", "name": "X-Api-Key"}}}
	}`
	manual, err := ConvertDocument([]byte(doc), "svc", &core.CallTemplate{Name: "svc", Kind: core.KindHTTP, HTTP: &core.HTTPFields{URL: "https://svc.example"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	auth := manual.Tools[0].ToolCallTemplate.Auth
	if auth == nil || auth.Kind != core.AuthBasic {
		t.Fatalf("expected the x-utcp-auth Basic descriptor to win, got %+v", auth)
	}
	if auth.Basic.Username != "u" || auth.Basic.Password != "p" {
		t.Errorf("unexpected basic auth: %+v", auth.Basic)
	}
}

const v2Doc = `{
  "swagger": "2.0",
  "info": {"title": "Legacy", "version": "0.9.0"},
  "host": "legacy.example",
  "basePath": "/v1",
  "schemes": ["https"],
  "paths": {
    "/status": {
      "get": {
        "operationId": "get_status",
        "responses": {"200": {"description": "ok"}}
      }
    }
  }
}`

func TestConvertDocument_V2Fallback(t *testing.T) {
	manual, err := ConvertDocument([]byte(v2Doc), "legacy", &core.CallTemplate{Name: "legacy", Kind: core.KindHTTP, HTTP: &core.HTTPFields{URL: "https://legacy.example/v1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(manual.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(manual.Tools))
	}
	if manual.Tools[0].Name != "get_status" {
		t.Errorf("unexpected tool name: %q", manual.Tools[0].Name)
	}
}

func TestConvertDocument_InvalidDocument(t *testing.T) {
	_, err := ConvertDocument([]byte("not json at all"), "broken", baseTemplate())
	if err == nil {
		t.Fatal("expected an error for an undecodable document")
	}
}

func TestConvertDocument_OperationIDMissingSanitizesPath(t *testing.T) {
	doc := `{
	  "openapi": "3.0.0",
	  "info": {"title": "Svc", "version": "1.0.0"},
	  "paths": {
	    "/users/{id}": {
	      "get": {"responses": {"200": {"description": "ok"}}}
	    }
	  }
	}`
	manual, err := ConvertDocument([]byte(doc), "svc", &core.CallTemplate{Name: "svc", Kind: core.KindHTTP, HTTP: &core.HTTPFields{URL: "https://svc.example"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if manual.Tools[0].Name != "get__users__id_" {
		t.Errorf("unexpected derived name: %q", manual.Tools[0].Name)
	}
}

func TestConvertDocument_BasicAuthCoAcquiredPlaceholdersDiffer(t *testing.T) {
	doc := `{
	  "openapi": "3.0.0",
	  "info": {"title": "Svc", "version": "1.0.0"},
	  "paths": {
	    "/ping": {
	      "get": {
	        "operationId": "ping",
	        "security": [{"basicAuth": []}],
	        "responses": {"200": {"description": "ok"}}
	      }
	    }
	  },
	  "components": {"securitySchemes": {"basicAuth": {"type": "http", "scheme": "basic"}}}
	}`
	manual, err := ConvertDocument([]byte(doc), "svc", &core.CallTemplate{Name: "svc", Kind: core.KindHTTP, HTTP: &core.HTTPFields{URL: "https://svc.example"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	auth := manual.Tools[0].ToolCallTemplate.Auth
	if auth == nil || auth.Kind != core.AuthBasic {
		t.Fatalf("expected a Basic auth, got %+v", auth)
	}
	if auth.Basic.Username == auth.Basic.Password {
		t.Errorf("expected distinct placeholders for co-acquired username/password, both got %q", auth.Basic.Username)
	}
	if auth.Basic.Username != "${USERNAME_1}" || auth.Basic.Password != "${PASSWORD_1}" {
		t.Errorf("unexpected placeholders: username=%q password=%q", auth.Basic.Username, auth.Basic.Password)
	}
}

func TestConvertDocument_GlobalCounterAdvancesPerOperationNotPerScheme(t *testing.T) {
	doc := `{
	  "openapi": "3.0.0",
	  "info": {"title": "Svc", "version": "1.0.0"},
	  "paths": {
	    "/a": {
	      "get": {
	        "operationId": "op_a",
	        "security": [{"apiKeyAuth": []}],
	        "responses": {"200": {"description": "ok"}}
	      }
	    },
	    "/b": {
	      "get": {
	        "operationId": "op_b",
	        "security": [{"apiKeyAuth": []}],
	        "responses": {"200": {"description": "ok"}}
	      }
	    }
	  },
	  "components": {"securitySchemes": {"apiKeyAuth": {"type": "apiKey", "in": "header", "name": "X-Api-Key"}}}
	}`
	manual, err := ConvertDocument([]byte(doc), "svc", &core.CallTemplate{Name: "svc", Kind: core.KindHTTP, HTTP: &core.HTTPFields{URL: "https://svc.example"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(manual.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(manual.Tools))
	}
	placeholders := map[string]bool{}
	for _, tool := range manual.Tools {
		placeholders[tool.ToolCallTemplate.Auth.APIKey.APIKey] = true
	}
	if len(placeholders) != 2 {
		t.Errorf("expected each operation to consume a distinct step of the global counter, got %v", placeholders)
	}
}

func TestConvertDocument_DeterministicAcrossRuns(t *testing.T) {
	doc := `{
	  "openapi": "3.0.0",
	  "info": {"title": "Multi", "version": "1.0.0"},
	  "paths": {
	    "/zebra": {
	      "get": {"operationId": "get_zebra", "security": [{"apiKeyAuth": []}], "responses": {"200": {"description": "ok"}}},
	      "post": {"operationId": "post_zebra", "security": [{"apiKeyAuth": []}], "responses": {"200": {"description": "ok"}}}
	    },
	    "/alpha": {
	      "get": {"operationId": "get_alpha", "security": [{"apiKeyAuth": []}], "responses": {"200": {"description": "ok"}}}
	    }
	  },
	  "components": {"securitySchemes": {"apiKeyAuth": {"type": "apiKey", "in": "header", "name": "X-Api-Key"}}}
	}`
	base := &core.CallTemplate{Name: "multi", Kind: core.KindHTTP, HTTP: &core.HTTPFields{URL: "https://multi.example"}}

	first, err := ConvertDocument([]byte(doc), "multi", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := ConvertDocument([]byte(doc), "multi", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	firstJSON, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secondJSON, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(firstJSON) != string(secondJSON) {
		t.Errorf("expected identical manuals (including placeholder counters) across runs:\n%s\n!=\n%s", firstJSON, secondJSON)
	}

	// Tool and counter order must additionally follow path-then-method
	// order, not document map iteration order.
	wantOrder := []string{"get_alpha", "get_zebra", "post_zebra"}
	for i, tool := range first.Tools {
		if tool.Name != wantOrder[i] {
			t.Errorf("tool %d: got %q, want %q", i, tool.Name, wantOrder[i])
		}
	}
}
