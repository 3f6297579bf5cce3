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

// Package openapi implements UTCP's C4 component: converting an OpenAPI
// 2.0 or 3.0 document into a UTCP Manual, one tool per operation. Grounded
// on the teacher's recursive JSON-Schema-ish property walking in
// core/transport/mcp/base.go's parseProperty, adapted to kin-openapi's
// *openapi3.Schema node shape; kin-openapi itself is an out-of-pack
// dependency (no pack repo carries a dedicated OpenAPI parser), adopted
// because AltairaLabs-Omnia already depends on the oapi-codegen/OpenAPI
// tooling family and kin-openapi is that ecosystem's de-facto parser (see
// SPEC_FULL.md Domain Stack table).
package openapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

// operationMethodOrder fixes the method traversal order within one path so
// that converting the same document twice visits operations (and so
// advances the auth placeholder counter) identically every time; Go map
// iteration over doc.Paths.Map()/PathItem.Operations() is randomized and
// would otherwise make the conversion nondeterministic (spec.md §8).
var operationMethodOrder = []string{"get", "post", "put", "delete", "patch"}

// xUtcpAuthExtension is the OpenAPI extension key a tool operation uses to
// embed a UTCP auth descriptor directly, bypassing `security` scheme
// inference (spec.md §4.4 step 4, SPEC_FULL.md §3 "x-utcp-auth").
const xUtcpAuthExtension = "x-utcp-auth"

// ConvertDocument parses raw as an OpenAPI 3.x document, falling back to
// OpenAPI 2.0 (Swagger), and converts every operation into a Tool whose
// CallTemplate is derived from base (the discovery template) with the
// operation's own path, method, and auth.
func ConvertDocument(raw []byte, manualName string, base *core.CallTemplate) (*core.Manual, error) {
	doc, err := loadDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing OpenAPI document: %w", err)
	}

	authCounter := new(int)
	var tools []core.Tool

	var paths []string
	for path := range doc.Paths.Map() {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := doc.Paths.Find(path)
		ops := item.Operations()
		for _, method := range operationMethodOrder {
			op, ok := ops[strings.ToUpper(method)]
			if !ok {
				continue
			}
			tool, err := convertOperation(path, method, op, doc, base, authCounter)
			if err != nil {
				return nil, fmt.Errorf("converting operation %s %s: %w", method, path, err)
			}
			tools = append(tools, *tool)
		}
	}

	return &core.Manual{
		UTCPVersion:   "1.0.0",
		ManualVersion: docVersion(doc),
		Tools:         tools,
	}, nil
}

func docVersion(doc *openapi3.T) string {
	if doc.Info != nil && doc.Info.Version != "" {
		return doc.Info.Version
	}
	return "0.0.0"
}

// loadDocument accepts either an OpenAPI 3.x document or a Swagger 2.0
// document (converted up to 3.x via openapi2conv), since spec.md names
// both versions as C4 inputs.
func loadDocument(raw []byte) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(raw)
	if err == nil && looksLikeV3(raw) {
		if verr := doc.Validate(loader.Context); verr != nil {
			return doc, nil // tolerate non-strict documents; conversion only needs the shape
		}
		return doc, nil
	}

	var v2 openapi2.T
	if jerr := json.Unmarshal(raw, &v2); jerr != nil {
		if err != nil {
			return nil, err
		}
		return nil, jerr
	}
	v3, cerr := openapi2conv.ToV3(&v2)
	if cerr != nil {
		return nil, cerr
	}
	return v3, nil
}

func looksLikeV3(raw []byte) bool {
	return strings.Contains(string(raw[:min(len(raw), 512)]), `"openapi"`)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func convertOperation(path, method string, op *openapi3.Operation, doc *openapi3.T, base *core.CallTemplate, authCounter *int) (*core.Tool, error) {
	name := operationName(method, path, op)

	inputs := &core.JsonSchema{Type: "object", Properties: map[string]*core.JsonSchema{}}
	var headerFields []string

	for _, paramRef := range op.Parameters {
		p := paramRef.Value
		if p == nil {
			continue
		}
		schema := schemaFromParam(p)
		inputs.Properties[p.Name] = schema
		if p.Required {
			inputs.Required = append(inputs.Required, p.Name)
		}
		if p.In == "header" {
			headerFields = append(headerFields, p.Name)
		}
	}

	bodyField := ""
	if op.RequestBody != nil && op.RequestBody.Value != nil {
		mt := op.RequestBody.Value.Content.Get("application/json")
		if mt != nil && mt.Schema != nil {
			bodyField = "body"
			inputs.Properties[bodyField] = convertSchema(mt.Schema.Value, map[*openapi3.Schema]bool{})
			if op.RequestBody.Value.Required {
				inputs.Required = append(inputs.Required, bodyField)
			}
		}
	}

	outputs := &core.JsonSchema{Type: "object"}
	if resp := successResponse(op); resp != nil && resp.Value != nil {
		mt := resp.Value.Content.Get("application/json")
		if mt != nil && mt.Schema != nil {
			outputs = convertSchema(mt.Schema.Value, map[*openapi3.Schema]bool{})
		}
	}

	tmpl := base.Clone()
	tmpl.Name = base.Name
	tmpl.HTTP = &core.HTTPFields{
		URL:          joinURL(serverURL(doc, base), path),
		Method:       strings.ToUpper(method),
		ContentType:  "application/json",
		BodyField:    bodyField,
		HeaderFields: headerFields,
	}
	if auth := authFromOperation(op, doc, authCounter); auth != nil {
		tmpl.Auth = auth
	}

	return &core.Tool{
		Name:             name,
		Description:      op.Summary,
		Inputs:           *inputs,
		Outputs:          *outputs,
		Tags:             op.Tags,
		ToolCallTemplate: *tmpl,
	}, nil
}

func successResponse(op *openapi3.Operation) *openapi3.ResponseRef {
	if op.Responses == nil {
		return nil
	}
	for _, code := range []string{"200", "201", "202"} {
		if r := op.Responses.Value(code); r != nil {
			return r
		}
	}
	return op.Responses.Default()
}

func operationName(method, path string, op *openapi3.Operation) string {
	if op.OperationID != "" {
		return core.SanitizeName(op.OperationID)
	}
	return core.SanitizeName(strings.ToLower(method) + "_" + path)
}

func serverURL(doc *openapi3.T, base *core.CallTemplate) string {
	if len(doc.Servers) > 0 && doc.Servers[0].URL != "" {
		return doc.Servers[0].URL
	}
	if base.HTTP != nil {
		return base.HTTP.URL
	}
	return ""
}

func joinURL(serverURL, path string) string {
	return strings.TrimRight(serverURL, "/") + path
}

func schemaFromParam(p *openapi3.Parameter) *core.JsonSchema {
	if p.Schema != nil && p.Schema.Value != nil {
		return convertSchema(p.Schema.Value, map[*openapi3.Schema]bool{})
	}
	return &core.JsonSchema{Type: "string", Description: p.Description}
}

// convertSchema walks an OpenAPI schema into a core.JsonSchema, tracking
// visited nodes by pointer identity to break the cycles kin-openapi can
// materialize for circular $refs.
func convertSchema(s *openapi3.Schema, visited map[*openapi3.Schema]bool) *core.JsonSchema {
	if s == nil {
		return &core.JsonSchema{}
	}
	if visited[s] {
		return &core.JsonSchema{Description: "circular reference"}
	}
	visited[s] = true
	defer delete(visited, s)

	out := &core.JsonSchema{
		Description: s.Description,
		Title:       s.Title,
		Format:      s.Format,
		Required:    append([]string(nil), s.Required...),
	}
	if len(s.Type.Slice()) > 0 {
		out.Type = s.Type.Slice()[0]
	}
	if s.Min != nil {
		out.Minimum = s.Min
	}
	if s.Max != nil {
		out.Maximum = s.Max
	}
	for _, e := range s.Enum {
		out.Enum = append(out.Enum, e)
	}
	if s.Items != nil && s.Items.Value != nil {
		out.Items = convertSchema(s.Items.Value, visited)
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*core.JsonSchema, len(s.Properties))
		for name, propRef := range s.Properties {
			if propRef.Value != nil {
				out.Properties[name] = convertSchema(propRef.Value, visited)
			}
		}
	}
	return out
}

// authFromOperation resolves an operation's auth in precedence order: the
// x-utcp-auth extension first, then the operation's own security
// requirement, then the document-wide default.
func authFromOperation(op *openapi3.Operation, doc *openapi3.T, counter *int) *core.Auth {
	if ext, ok := op.Extensions[xUtcpAuthExtension]; ok {
		if auth := authFromExtension(ext); auth != nil {
			return auth
		}
	}

	reqs := op.Security
	if reqs == nil {
		reqs = doc.Security
	}
	if reqs == nil || len(*reqs) == 0 {
		return nil
	}
	for _, req := range *reqs {
		names := make([]string, 0, len(req))
		for schemeName := range req {
			names = append(names, schemeName)
		}
		sort.Strings(names)
		for _, schemeName := range names {
			scheme := doc.Components.SecuritySchemes[schemeName]
			if scheme == nil || scheme.Value == nil {
				continue
			}
			if auth := authFromScheme(scheme.Value, counter); auth != nil {
				return auth
			}
		}
	}
	return nil
}

func authFromExtension(ext any) *core.Auth {
	raw, err := json.Marshal(ext)
	if err != nil {
		return nil
	}
	var a core.Auth
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil
	}
	return &a
}

// authFromScheme builds a placeholder Auth for a security scheme
// (spec.md §4.4 step 5). counter is a single global step counter for the
// whole conversion: every scheme instance resolved consumes exactly one
// step, however many secret fields it has, so co-acquired values (Basic's
// username+password, OAuth2's client_id+client_secret) share one index
// while each still gets its own placeholder name.
func authFromScheme(scheme *openapi3.SecurityScheme, counter *int) *core.Auth {
	*counter++
	n := strconv.Itoa(*counter)
	placeholderFor := func(field string) string {
		return fmt.Sprintf("${%s_%s}", strings.ToUpper(core.SanitizeName(field)), n)
	}

	switch scheme.Type {
	case "apiKey":
		loc := core.LocationHeader
		switch scheme.In {
		case "query":
			loc = core.LocationQuery
		case "cookie":
			loc = core.LocationCookie
		}
		return core.NewAPIKeyAuth(placeholderFor("api_key"), scheme.Name, loc)
	case "http":
		if scheme.Scheme == "basic" {
			return core.NewBasicAuth(placeholderFor("username"), placeholderFor("password"))
		}
		return core.NewAPIKeyAuth(placeholderFor("api_key"), "Authorization", core.LocationHeader)
	case "oauth2":
		tokenURL := ""
		if scheme.Flows != nil && scheme.Flows.ClientCredentials != nil {
			tokenURL = scheme.Flows.ClientCredentials.TokenURL
		}
		return core.NewOAuth2Auth(tokenURL, placeholderFor("client_id"), placeholderFor("client_secret"), "")
	}
	return nil
}
