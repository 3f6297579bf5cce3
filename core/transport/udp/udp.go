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

// Package udp implements the UTCP "udp" CallTemplate kind: one datagram
// request followed by one or more datagram responses. Like tcp, no pack
// repository wires a datagram-framing library, so this uses stdlib net
// directly (see DESIGN.md).
package udp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

const defaultTimeout = 5 * time.Second
const maxDatagramSize = 64 * 1024

// Transport implements core.Transport for the "udp" kind.
type Transport struct{}

// New constructs a UDP transport.
func New() *Transport { return &Transport{} }

func dial(ctx context.Context, f *core.SocketFields) (net.Conn, error) {
	timeout := time.Duration(f.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	addr := fmt.Sprintf("%s:%d", f.Host, f.Port)
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	return conn, nil
}

func encodeRequest(f *core.SocketFields, args map[string]any) ([]byte, error) {
	if f.RequestDataFormat == core.RequestDataText {
		if v, ok := args["data"]; ok {
			return []byte(fmt.Sprintf("%v", v)), nil
		}
		return nil, nil
	}
	return json.Marshal(args)
}

// receiveDatagrams reads the configured number of datagrams (default 1)
// off conn and returns their concatenated bytes.
func receiveDatagrams(conn net.Conn, f *core.SocketFields) ([]byte, error) {
	count := f.NumberOfResponseDatagrams
	if count <= 0 {
		count = 1
	}
	var all []byte
	buf := make([]byte, maxDatagramSize)
	for i := 0; i < count; i++ {
		n, err := conn.Read(buf)
		if err != nil {
			if i > 0 {
				break // partial read across multiple datagrams is acceptable once at least one arrived
			}
			return nil, err
		}
		all = append(all, buf[:n]...)
	}
	return all, nil
}

// RegisterManual sends a discovery datagram and decodes the manual
// document from the reply.
func (t *Transport) RegisterManual(ctx context.Context, tmpl *core.CallTemplate) (*core.Manual, error) {
	if tmpl.UDP == nil {
		return nil, fmt.Errorf("udp transport requires UDP fields")
	}
	conn, err := dial(ctx, tmpl.UDP)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"type":"utcp"}`)); err != nil {
		return nil, err
	}
	resp, err := receiveDatagrams(conn, tmpl.UDP)
	if err != nil {
		return nil, err
	}
	var manual core.Manual
	if err := json.Unmarshal(resp, &manual); err != nil {
		return nil, fmt.Errorf("decoding manual: %w", err)
	}
	for i := range manual.Tools {
		if manual.Tools[i].ToolCallTemplate.Name == "" {
			manual.Tools[i].ToolCallTemplate = *tmpl
		}
	}
	return &manual, nil
}

// DeregisterManual is a no-op: UDP is connectionless between calls.
func (t *Transport) DeregisterManual(ctx context.Context, tmpl *core.CallTemplate) error { return nil }

// CallTool sends one request datagram and reads back the configured
// number of response datagrams.
func (t *Transport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (any, error) {
	if tmpl.UDP == nil {
		return nil, fmt.Errorf("udp transport requires UDP fields")
	}
	conn, err := dial(ctx, tmpl.UDP)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	payload, err := encodeRequest(tmpl.UDP, args)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}
	resp, err := receiveDatagrams(conn, tmpl.UDP)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(resp, &v); err == nil {
		return v, nil
	}
	return string(resp), nil
}

// CallToolStreaming falls back to the unary result.
func (t *Transport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (<-chan core.StreamResult, error) {
	ch := make(chan core.StreamResult, 1)
	go func() {
		defer close(ch)
		res, err := t.CallTool(ctx, toolName, args, tmpl)
		ch <- core.StreamResult{Value: res, Err: err}
	}()
	return ch, nil
}
