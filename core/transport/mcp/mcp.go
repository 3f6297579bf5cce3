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

// Package mcp implements the UTCP "mcp" CallTemplate kind: a client for
// one or more Model-Context-Protocol servers (stdio subprocess or HTTP),
// reusing an initialized session per server across calls and fanning a
// server's resources out as pseudo-tools (spec.md §4.5.9). Grounded on the
// teacher's JSON-RPC-over-HTTP request/response plumbing in
// core/transport/mcp/v20250618/mcp.go (sendRequest/jsonRPCRequest shape),
// extended with a stdio subprocess session kind and the resource-as-tool
// fan-out from original_source/.../mcp_communication_protocol.py (see
// DESIGN.md "Removed teacher modules": the four version-specific packages
// collapse into this single implementation).
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

// jsonRPCRequest is the wire envelope for every MCP request, mirroring the
// teacher's jsonRPCRequest struct.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string { return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message) }

// mcpTool is the list_tools result shape for a single tool.
type mcpTool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema"`
}

// mcpResource is the list_resources result shape for a single resource.
type mcpResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// session is one live connection to a single configured MCP server,
// either an HTTP endpoint (request/response over net/http) or a stdio
// subprocess (request/response over the process's stdin/stdout).
type session struct {
	mu sync.Mutex

	// http, if non-empty, is the server's HTTP endpoint.
	http   string
	client *http.Client

	// stdio, if non-nil, is a live subprocess speaking newline-delimited
	// JSON-RPC on stdin/stdout.
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func (s *session) isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "transport", "closed", "timeout", "eof", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

func (s *session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := jsonRPCRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params}
	if s.cmd != nil {
		return s.callStdio(req)
	}
	return s.callHTTP(ctx, req)
}

func (s *session) callHTTP(ctx context.Context, req jsonRPCRequest) (json.RawMessage, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.http, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mcp server %s responded with status %d: %s", s.http, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("decoding MCP response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (s *session) callStdio(req jsonRPCRequest) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("writing to mcp subprocess: %w", err)
	}
	line, err := s.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading from mcp subprocess: %w", err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(line, &rpcResp); err != nil {
		return nil, fmt.Errorf("decoding MCP response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// Transport implements core.Transport for the "mcp" kind. One Transport
// may manage sessions for many configured servers, across many
// registered manuals.
type Transport struct {
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*session // keyed by "<manual>/<server>"
}

// New constructs an MCP transport.
func New(httpClient *http.Client) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Transport{httpClient: httpClient, sessions: make(map[string]*session)}
}

// getOrCreateSession reuses an initialized session for (manualName,
// serverName) or dials/launches a fresh one (spec.md §4.5.9 session
// cache). The map lock is not held while a session is created; when two
// callers create one for the same server at once, the first stored is
// kept and the other is closed.
func (t *Transport) getOrCreateSession(ctx context.Context, manualName, serverName string, cfg core.MCPServerConfig) (*session, error) {
	key := manualName + "/" + serverName

	t.mu.Lock()
	if s, ok := t.sessions[key]; ok {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	s, err := t.newSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := s.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"clientInfo":      map[string]string{"name": "utcp-go", "version": "1.0"},
	}); err != nil {
		return nil, fmt.Errorf("initializing mcp session %q: %w", serverName, err)
	}

	t.mu.Lock()
	if existing, ok := t.sessions[key]; ok {
		// A concurrent caller stored a session for this server first.
		t.mu.Unlock()
		s.close()
		return existing, nil
	}
	t.sessions[key] = s
	t.mu.Unlock()
	return s, nil
}

func (t *Transport) newSession(ctx context.Context, cfg core.MCPServerConfig) (*session, error) {
	if cfg.URL != "" {
		return &session{http: cfg.URL, client: t.httpClient}, nil
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server config has neither url nor command")
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting mcp server %q: %w", cfg.Command, err)
	}
	return &session{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}, nil
}

func (t *Transport) resetSession(manualName, serverName string) {
	key := manualName + "/" + serverName
	t.mu.Lock()
	s, ok := t.sessions[key]
	delete(t.sessions, key)
	t.mu.Unlock()
	if ok {
		s.close()
	}
}

// withRetry invokes fn once; if it fails with a connection/transport-level
// error, the session is discarded and recreated for one retry (spec.md
// §4.5.9 Session resilience).
func (t *Transport) withRetry(ctx context.Context, manualName, serverName string, cfg core.MCPServerConfig, fn func(*session) (json.RawMessage, error)) (json.RawMessage, error) {
	s, err := t.getOrCreateSession(ctx, manualName, serverName, cfg)
	if err != nil {
		return nil, err
	}
	result, err := fn(s)
	if err == nil {
		return result, nil
	}
	if !s.isConnectionError(err) {
		return nil, err
	}
	t.resetSession(manualName, serverName)
	s, err = t.getOrCreateSession(ctx, manualName, serverName, cfg)
	if err != nil {
		return nil, err
	}
	return fn(s)
}

// RegisterManual lists tools (and, if enabled, resources) from every
// configured server and returns one Tool per tool and one
// "resource_<name>" pseudo-tool per resource.
func (t *Transport) RegisterManual(ctx context.Context, tmpl *core.CallTemplate) (*core.Manual, error) {
	if tmpl.MCP == nil {
		return nil, fmt.Errorf("mcp transport requires MCP fields")
	}

	var tools []core.Tool
	for serverName, cfg := range tmpl.MCP.Servers {
		raw, err := t.withRetry(ctx, tmpl.Name, serverName, cfg, func(s *session) (json.RawMessage, error) {
			return s.call(ctx, "tools/list", map[string]any{})
		})
		if err != nil {
			return nil, fmt.Errorf("listing tools on mcp server %q: %w", serverName, err)
		}
		var listResult struct {
			Tools []mcpTool `json:"tools"`
		}
		if err := json.Unmarshal(raw, &listResult); err != nil {
			return nil, fmt.Errorf("decoding tools/list result from %q: %w", serverName, err)
		}
		for _, mt := range listResult.Tools {
			tools = append(tools, core.Tool{
				Name:             mcpQualifiedName(serverName, mt.Name),
				Description:      mt.Description,
				Inputs:           decodeSchema(mt.InputSchema),
				Outputs:          decodeSchema(mt.OutputSchema),
				ToolCallTemplate: *tmpl,
			})
		}

		if tmpl.MCP.RegisterResourcesAsTools {
			raw, err := t.withRetry(ctx, tmpl.Name, serverName, cfg, func(s *session) (json.RawMessage, error) {
				return s.call(ctx, "resources/list", map[string]any{})
			})
			if err != nil {
				return nil, fmt.Errorf("listing resources on mcp server %q: %w", serverName, err)
			}
			var resResult struct {
				Resources []mcpResource `json:"resources"`
			}
			if err := json.Unmarshal(raw, &resResult); err != nil {
				return nil, fmt.Errorf("decoding resources/list result from %q: %w", serverName, err)
			}
			for _, r := range resResult.Resources {
				tools = append(tools, core.Tool{
					Name:        mcpQualifiedName(serverName, "resource_"+r.Name),
					Description: r.Description,
					Inputs:      core.JsonSchema{Type: "object"},
					Outputs:     core.JsonSchema{Type: "object"},
					ToolCallTemplate: *tmpl,
				})
			}
		}
	}

	return &core.Manual{UTCPVersion: "1.0", ManualVersion: "1.0", Tools: tools}, nil
}

// mcpQualifiedName carries the originating server alongside the tool/
// resource name so parseToolName can resolve it directly without probing
// when the server was recorded at discovery time.
func mcpQualifiedName(serverName, name string) string {
	return serverName + "." + name
}

func decodeSchema(raw json.RawMessage) core.JsonSchema {
	var schema core.JsonSchema
	if len(raw) == 0 {
		return schema
	}
	_ = json.Unmarshal(raw, &schema)
	return schema
}

// DeregisterManual closes every session opened for tmpl's servers.
func (t *Transport) DeregisterManual(ctx context.Context, tmpl *core.CallTemplate) error {
	if tmpl.MCP == nil {
		return nil
	}
	for serverName := range tmpl.MCP.Servers {
		t.resetSession(tmpl.Name, serverName)
	}
	return nil
}

// parseToolName splits a (possibly server-qualified) discovered tool name
// into the server it belongs to and the bare tool/resource name. Names
// may carry "<server>.<name>"; when the server segment doesn't match any
// configured server, the whole string is treated as the bare name and
// every configured server is probed, in no defined order (spec.md
// §4.5.9 "Parse tool name").
func parseToolName(tmpl *core.CallTemplate, toolName string) (serverName, bare string, candidates []string) {
	if idx := strings.Index(toolName, "."); idx >= 0 {
		maybeServer, rest := toolName[:idx], toolName[idx+1:]
		if _, ok := tmpl.MCP.Servers[maybeServer]; ok {
			return maybeServer, rest, nil
		}
	}
	for name := range tmpl.MCP.Servers {
		candidates = append(candidates, name)
	}
	return "", toolName, candidates
}

// resolveServer determines which configured server owns toolName, probing
// each candidate server's tool (or resource) list when the name carries
// no resolvable server prefix.
func (t *Transport) resolveServer(ctx context.Context, tmpl *core.CallTemplate, toolName string) (string, string, error) {
	server, bare, candidates := parseToolName(tmpl, toolName)
	if server != "" {
		return server, bare, nil
	}

	isResource := strings.HasPrefix(bare, "resource_")
	method := "tools/list"
	if isResource {
		method = "resources/list"
	}

	for _, candidate := range candidates {
		cfg := tmpl.MCP.Servers[candidate]
		raw, err := t.withRetry(ctx, tmpl.Name, candidate, cfg, func(s *session) (json.RawMessage, error) {
			return s.call(ctx, method, map[string]any{})
		})
		if err != nil {
			continue
		}
		if isResource {
			var res struct {
				Resources []mcpResource `json:"resources"`
			}
			if json.Unmarshal(raw, &res) == nil {
				for _, r := range res.Resources {
					if "resource_"+r.Name == bare {
						return candidate, bare, nil
					}
				}
			}
			continue
		}
		var list struct {
			Tools []mcpTool `json:"tools"`
		}
		if json.Unmarshal(raw, &list) == nil {
			for _, mt := range list.Tools {
				if mt.Name == bare {
					return candidate, bare, nil
				}
			}
		}
	}
	return "", "", fmt.Errorf("mcp tool %q not found on any configured server", toolName)
}

// CallTool invokes a tool via "tools/call", or reads a resource via
// "resources/read" when the name carries the resource_<name> prefix
// (spec.md §4.5.9 "Result shape").
func (t *Transport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (any, error) {
	if tmpl.MCP == nil {
		return nil, fmt.Errorf("mcp transport requires MCP fields")
	}
	serverName, bare, err := t.resolveServer(ctx, tmpl, toolName)
	if err != nil {
		return nil, err
	}
	cfg := tmpl.MCP.Servers[serverName]

	if strings.HasPrefix(bare, "resource_") {
		uri, _ := args["uri"].(string)
		raw, err := t.withRetry(ctx, tmpl.Name, serverName, cfg, func(s *session) (json.RawMessage, error) {
			return s.call(ctx, "resources/read", map[string]any{"uri": uri})
		})
		if err != nil {
			return nil, err
		}
		return decodeResult(raw), nil
	}

	raw, err := t.withRetry(ctx, tmpl.Name, serverName, cfg, func(s *session) (json.RawMessage, error) {
		return s.call(ctx, "tools/call", map[string]any{"name": bare, "arguments": args})
	})
	if err != nil {
		return nil, err
	}
	return decodeResult(raw), nil
}

// mcpContent is one element of a CallToolResult's "content" array.
type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// decodeResult prefers a structured_output field, then flattens a single
// text-content element (parsing it opportunistically as JSON/number),
// then falls back to the list of content elements, then the raw result
// (spec.md §4.5.9 "Result shape").
func decodeResult(raw json.RawMessage) any {
	var withStructured struct {
		StructuredOutput json.RawMessage `json:"structured_output"`
		Content          []mcpContent    `json:"content"`
	}
	if err := json.Unmarshal(raw, &withStructured); err == nil {
		if len(withStructured.StructuredOutput) > 0 {
			var v any
			if json.Unmarshal(withStructured.StructuredOutput, &v) == nil {
				return v
			}
		}
		if len(withStructured.Content) == 1 && withStructured.Content[0].Type == "text" {
			return parseOpportunistic(withStructured.Content[0].Text)
		}
		if len(withStructured.Content) > 1 {
			out := make([]any, len(withStructured.Content))
			for i, c := range withStructured.Content {
				out[i] = parseOpportunistic(c.Text)
			}
			return out
		}
	}
	var v any
	if json.Unmarshal(raw, &v) == nil {
		return v
	}
	return string(raw)
}

// parseOpportunistic tries JSON object/array/number parsing on a text
// body before giving up and returning the raw string, matching the
// original's "looks like JSON/numbers" heuristic.
func parseOpportunistic(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return text
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if json.Unmarshal([]byte(trimmed), &v) == nil {
			return v
		}
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return n
	}
	return text
}

// CallToolStreaming falls back to the unary result: MCP's tools/call is a
// single request/response, with no incremental mode in this transport.
func (t *Transport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (<-chan core.StreamResult, error) {
	ch := make(chan core.StreamResult, 1)
	go func() {
		defer close(ch)
		res, err := t.CallTool(ctx, toolName, args, tmpl)
		ch <- core.StreamResult{Value: res, Err: err}
	}()
	return ch, nil
}
