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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseManualOutput decodes a transport's raw discovery output into a
// Manual, shared by the transports whose discovery channel carries
// free-form text rather than a guaranteed single JSON document (cli, tcp;
// SPEC_FULL.md §4.5.5, supplemented from
// original_source/.../cli_communication_protocol.py's
// _extract_manual/_build_tool_from_dict/_parse_tool_data).
//
// It first attempts a whole-output parse as a manual document, then as a
// bare tool or tool list; failing both, it scans the output line by line
// for embedded JSON objects, returning the first full manual found or the
// aggregate of every recognized tool. Tools carrying a legacy
// tool_provider object (provider_type + kind-specific fields) are
// rewritten to a tool_call_template using the same tagged-union decoder
// used for the modern field.
func ParseManualOutput(raw []byte) (*Manual, error) {
	if manual, ok := parseFullManual(raw); ok {
		return manual, nil
	}
	if tools, ok := parseToolOrList(raw); ok && len(tools) > 0 {
		return &Manual{ManualVersion: "0.0.0", Tools: tools}, nil
	}

	var aggregated []Tool
	for _, line := range strings.Split(string(raw), "\n") {
		obj, ok := firstJSONObject(line)
		if !ok {
			continue
		}
		if manual, ok := parseFullManual(obj); ok {
			return manual, nil
		}
		if tools, ok := parseToolOrList(obj); ok {
			aggregated = append(aggregated, tools...)
		}
	}
	if len(aggregated) > 0 {
		return &Manual{ManualVersion: "0.0.0", Tools: aggregated}, nil
	}
	return nil, fmt.Errorf("no UTCP manual or tool definitions found in output")
}

// parseFullManual recognizes a {utcp_version?, manual_version?, tools:[...]}
// document. Individual tools that fail to parse are skipped rather than
// failing the whole manual, matching the source's per-tool try/except.
func parseFullManual(data []byte) (*Manual, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false
	}
	rawTools, hasTools := probe["tools"]
	if !hasTools {
		return nil, false
	}
	var toolDocs []json.RawMessage
	if err := json.Unmarshal(rawTools, &toolDocs); err != nil {
		return nil, false
	}

	var env struct {
		UTCPVersion   string `json:"utcp_version"`
		ManualVersion string `json:"manual_version"`
	}
	_ = json.Unmarshal(data, &env)

	tools := make([]Tool, 0, len(toolDocs))
	for _, t := range toolDocs {
		if tool, ok := parseToolDocument(t); ok {
			tools = append(tools, *tool)
		}
	}
	return &Manual{UTCPVersion: env.UTCPVersion, ManualVersion: env.ManualVersion, Tools: tools}, true
}

// parseToolOrList recognizes either a JSON array of tool documents or a
// single tool document (identified by carrying both name and description).
func parseToolOrList(data []byte) ([]Tool, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, false
		}
		var tools []Tool
		for _, item := range items {
			if tool, ok := parseToolDocument(item); ok {
				tools = append(tools, *tool)
			}
		}
		return tools, true
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, false
	}
	if _, hasName := probe["name"]; !hasName {
		return nil, false
	}
	if _, hasDescription := probe["description"]; !hasDescription {
		return nil, false
	}
	tool, ok := parseToolDocument(trimmed)
	if !ok {
		return nil, false
	}
	return []Tool{*tool}, true
}

// parseToolDocument decodes one tool object, rewriting a legacy
// tool_provider field into tool_call_template before delegating to Tool's
// own JSON decoding (which in turn uses CallTemplate's tagged-union
// decoder).
func parseToolDocument(data json.RawMessage) (*Tool, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, false
	}

	providerRaw, legacy := fields["tool_provider"]
	if !legacy {
		var tool Tool
		if err := json.Unmarshal(data, &tool); err != nil {
			return nil, false
		}
		return &tool, true
	}

	ct, ok := rewriteLegacyProvider(providerRaw)
	if !ok {
		return nil, false
	}
	delete(fields, "tool_provider")
	rest, err := json.Marshal(fields)
	if err != nil {
		return nil, false
	}
	var tool Tool
	if err := json.Unmarshal(rest, &tool); err != nil {
		return nil, false
	}
	tool.ToolCallTemplate = *ct
	return &tool, true
}

// rewriteLegacyProvider maps a legacy {provider_type|type, ...fields}
// object onto the modern {call_template_type, ...fields} shape and decodes
// it as a CallTemplate.
func rewriteLegacyProvider(data json.RawMessage) (*CallTemplate, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, false
	}

	kindRaw, ok := fields["provider_type"]
	if !ok {
		kindRaw, ok = fields["type"]
	}
	if !ok {
		return nil, false
	}
	var kind string
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		return nil, false
	}
	delete(fields, "provider_type")
	delete(fields, "type")
	quotedKind, err := json.Marshal(kind)
	if err != nil {
		return nil, false
	}
	fields["call_template_type"] = quotedKind

	b, err := json.Marshal(fields)
	if err != nil {
		return nil, false
	}
	var ct CallTemplate
	if err := json.Unmarshal(b, &ct); err != nil {
		return nil, false
	}
	return &ct, true
}

// firstJSONObject extracts the first balanced {...} substring from s,
// tracking string-literal boundaries so braces inside a quoted value don't
// unbalance the scan.
func firstJSONObject(s string) ([]byte, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(s[start : i+1]), true
			}
		}
	}
	return nil, false
}
