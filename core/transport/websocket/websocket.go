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

// Package websocket implements the UTCP "websocket" CallTemplate kind
// using gorilla/websocket, mirrored from the teacher pack's server-side
// Upgrader pattern (AltairaLabs-Omnia/internal/facade/connection.go:
// SetReadLimit/SetReadDeadline/SetPongHandler/ping-ticker) to a
// client-side Dialer. A session can be reused across calls when
// KeepAlive is set; discovery uses the `{"type":"utcp"}` handshake the
// teacher pack's websocket-facing services expect before it serves a
// tools manifest.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 60 * time.Second
)

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
	stop chan struct{}
}

func (s *session) runPingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

func (s *session) close() {
	close(s.stop)
	s.conn.Close()
}

// Transport implements core.Transport for the "websocket" kind.
type Transport struct {
	dialer *websocket.Dialer

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a WebSocket transport.
func New() *Transport {
	return &Transport{
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		sessions: make(map[string]*session),
	}
}

func (t *Transport) dial(ctx context.Context, tmpl *core.CallTemplate) (*session, error) {
	f := tmpl.WebSocket

	t.mu.Lock()
	if f.KeepAlive {
		if s, ok := t.sessions[tmpl.Name]; ok {
			t.mu.Unlock()
			return s, nil
		}
	}
	t.mu.Unlock()

	header := map[string][]string{}
	for k, v := range f.Headers {
		header[k] = []string{v}
	}
	conn, _, err := t.dialer.DialContext(ctx, f.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", f.URL, err)
	}
	conn.SetReadLimit(32 * 1024 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s := &session{conn: conn, stop: make(chan struct{})}
	go s.runPingLoop()

	if f.KeepAlive {
		t.mu.Lock()
		t.sessions[tmpl.Name] = s
		t.mu.Unlock()
	}
	return s, nil
}

// RegisterManual performs the `{"type":"utcp"}` discovery handshake and
// decodes the manual document the server replies with.
func (t *Transport) RegisterManual(ctx context.Context, tmpl *core.CallTemplate) (*core.Manual, error) {
	if tmpl.WebSocket == nil {
		return nil, fmt.Errorf("websocket transport requires WebSocket fields")
	}
	s, err := t.dial(ctx, tmpl)
	if err != nil {
		return nil, err
	}
	if !tmpl.WebSocket.KeepAlive {
		defer s.close()
	}

	if err := s.conn.WriteJSON(map[string]string{"type": "utcp"}); err != nil {
		return nil, err
	}
	var manual core.Manual
	if err := s.conn.ReadJSON(&manual); err != nil {
		return nil, fmt.Errorf("reading manual: %w", err)
	}
	for i := range manual.Tools {
		if manual.Tools[i].ToolCallTemplate.Name == "" {
			manual.Tools[i].ToolCallTemplate = *tmpl
		}
	}
	return &manual, nil
}

// DeregisterManual closes and forgets a kept-alive session for tmpl.
func (t *Transport) DeregisterManual(ctx context.Context, tmpl *core.CallTemplate) error {
	t.mu.Lock()
	s, ok := t.sessions[tmpl.Name]
	if ok {
		delete(t.sessions, tmpl.Name)
	}
	t.mu.Unlock()
	if ok {
		s.close()
	}
	return nil
}

func (t *Transport) buildMessage(toolName string, args map[string]any, tmpl *core.CallTemplate) any {
	if tmpl.WebSocket.Message != nil {
		return substituteMessageArgs(tmpl.WebSocket.Message, args)
	}
	return map[string]any{"tool": toolName, "args": args}
}

// substituteMessageArgs recursively replaces each string leaf of a message
// template that consists of exactly one "{{name}}" placeholder with the
// corresponding arg value, keeping that value's type. A placeholder inside
// a longer string, or one naming an absent arg, is left unchanged.
func substituteMessageArgs(tmpl any, args map[string]any) any {
	switch v := tmpl.(type) {
	case string:
		return renderTemplateString(v, args)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = substituteMessageArgs(val, args)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = substituteMessageArgs(val, args)
		}
		return out
	default:
		return v
	}
}

func renderTemplateString(s string, args map[string]any) any {
	if len(s) > 4 && s[:2] == "{{" && s[len(s)-2:] == "}}" {
		name := s[2 : len(s)-2]
		if v, ok := args[name]; ok {
			return v
		}
	}
	return s
}

// CallTool sends one message and waits for one reply.
func (t *Transport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (any, error) {
	s, err := t.dial(ctx, tmpl)
	if err != nil {
		return nil, err
	}
	if !tmpl.WebSocket.KeepAlive {
		defer s.close()
	}

	s.mu.Lock()
	writeErr := s.conn.WriteJSON(t.buildMessage(toolName, args, tmpl))
	s.mu.Unlock()
	if writeErr != nil {
		return nil, writeErr
	}

	var result any
	if err := s.conn.ReadJSON(&result); err != nil {
		return nil, fmt.Errorf("reading response for tool %q: %w", toolName, err)
	}
	return result, nil
}

// CallToolStreaming sends one message and relays every subsequent message
// on the connection as a channel element, until the connection closes or
// a termination marker `{"done": true}` is received.
func (t *Transport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (<-chan core.StreamResult, error) {
	s, err := t.dial(ctx, tmpl)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	writeErr := s.conn.WriteJSON(t.buildMessage(toolName, args, tmpl))
	s.mu.Unlock()
	if writeErr != nil {
		if !tmpl.WebSocket.KeepAlive {
			s.close()
		}
		return nil, writeErr
	}

	ch := make(chan core.StreamResult)
	go func() {
		defer close(ch)
		if !tmpl.WebSocket.KeepAlive {
			defer s.close()
		}
		for {
			var raw json.RawMessage
			if err := s.conn.ReadJSON(&raw); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					ch <- core.StreamResult{Err: err}
				}
				return
			}
			var marker struct {
				Done bool `json:"done"`
			}
			_ = json.Unmarshal(raw, &marker)
			if marker.Done {
				return
			}
			var v any
			_ = json.Unmarshal(raw, &v)
			ch <- core.StreamResult{Value: v}
		}
	}()
	return ch, nil
}
