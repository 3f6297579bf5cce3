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

// Package xmlargs parses the XML-ish tool-call text some LLMs emit
// (`<tool_name><param>value</param></tool_name>`) into a tool name and an
// argument map, so a caller can hand the result straight to
// core.Client.CallTool. Supplemented feature: not present in the teacher,
// ported from the reference client's tool_call_parser module, rewritten
// against encoding/xml's tokenizer instead of regex passes.
package xmlargs

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseToolCall extracts a tool name and its arguments from raw, an
// XML-formatted tool call such as:
//
//	<get_weather>
//	  <city>Paris</city>
//	  <days>3</days>
//	</get_weather>
//
// The outer element name becomes the tool name; each child element becomes
// one argument, keyed by its tag name. A leaf's text is coerced to bool,
// int64, float64, a decoded JSON-ish array/object, or left as a string, in
// that order. Malformed XML (unclosed tags, stray text) falls back to a
// best-effort scan over raw tag pairs rather than failing outright, mirroring
// how lenient the original caller-facing parser needs to be against
// LLM-generated markup.
func ParseToolCall(raw string) (string, map[string]any, error) {
	cleaned := stripProlog(raw)

	toolName := firstTagName(cleaned)
	if toolName == "" {
		return "", nil, fmt.Errorf("xmlargs: could not find an opening tag in %q", truncate(raw, 80))
	}

	if name, args, err := parseWellFormed(cleaned); err == nil {
		return name, args, nil
	}

	args, err := scanTagPairs(cleaned, toolName)
	if err != nil {
		return "", nil, fmt.Errorf("xmlargs: failed to parse tool call: %w", err)
	}
	return toolName, args, nil
}

func stripProlog(s string) string {
	const open, close = "<?xml", "?>"
	start := strings.Index(s, open)
	if start < 0 {
		return s
	}
	end := strings.Index(s[start:], close)
	if end < 0 {
		return s
	}
	return s[:start] + s[start+end+len(close):]
}

func firstTagName(s string) string {
	i := strings.IndexByte(s, '<')
	if i < 0 || i+1 >= len(s) {
		return ""
	}
	j := i + 1
	for j < len(s) && isNameByte(s[j]) {
		j++
	}
	return s[i+1 : j]
}

func isNameByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// parseWellFormed decodes raw as proper XML using the stdlib tokenizer. A
// synthetic <root> wrapper lets the outer element be self-contained without
// requiring a document-level single root.
func parseWellFormed(raw string) (string, map[string]any, error) {
	wrapped := "<utcp_root>" + raw + "</utcp_root>"
	dec := xml.NewDecoder(strings.NewReader(wrapped))

	var toolName string
	args := map[string]any{}
	depth := 0
	var currentParam string
	var text bytes.Buffer

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 1: // utcp_root, ignore
			case 2:
				toolName = t.Name.Local
			case 3:
				currentParam = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 3 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 3 {
				args[currentParam] = coerceValue(text.String())
			}
			depth--
		}
	}

	if toolName == "" {
		return "", nil, fmt.Errorf("no tool element found")
	}
	return toolName, args, nil
}

// scanTagPairs recovers arguments from markup the strict tokenizer rejected
// (unbalanced or duplicated tags), by scanning <tag>...</tag> pairs
// line-by-line. This is the fallback path the reference implementation
// calls its "lenient" and "regex" strategies collapsed into one pass.
func scanTagPairs(raw, toolName string) (map[string]any, error) {
	args := map[string]any{}

	body := raw
	if start := strings.Index(raw, "<"+toolName); start >= 0 {
		if openEnd := strings.IndexByte(raw[start:], '>'); openEnd >= 0 {
			body = raw[start+openEnd+1:]
		}
	}
	if end := strings.LastIndex(body, "</"+toolName+">"); end >= 0 {
		body = body[:end]
	}

	for len(body) > 0 {
		i := strings.IndexByte(body, '<')
		if i < 0 {
			break
		}
		body = body[i:]
		name := firstTagName(body)
		if name == "" || name == toolName {
			body = body[1:]
			continue
		}
		openTag := "<" + name + ">"
		closeTag := "</" + name + ">"
		if !strings.HasPrefix(body, openTag) {
			body = body[1:]
			continue
		}
		rest := body[len(openTag):]
		closeIdx := strings.Index(rest, closeTag)
		if closeIdx < 0 {
			// No closing tag: take the rest of the line as the value, as
			// the original parser's "opening tags only" fallback does.
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				args[name] = coerceValue(strings.TrimSpace(rest[:nl]))
				body = rest[nl:]
			} else {
				args[name] = coerceValue(strings.TrimSpace(rest))
				body = ""
			}
			continue
		}
		args[name] = coerceValue(strings.TrimSpace(rest[:closeIdx]))
		body = rest[closeIdx+len(closeTag):]
	}

	return args, nil
}

// coerceValue converts a leaf's text into bool, int64, float64, a decoded
// array/object, or a plain string, in that preference order.
func coerceValue(s string) any {
	s = strings.TrimSpace(s)

	if (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")) {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}

	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
