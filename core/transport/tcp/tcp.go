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

// Package tcp implements the UTCP "tcp" CallTemplate kind: a raw socket
// request/response with a configurable framing strategy (length-prefixed,
// delimiter-terminated, fixed-length, or read-until-close streaming). No
// pack repository wires a third-party raw-socket framing library, so this
// is built directly on stdlib net/encoding/binary — the justified
// standard-library case recorded in DESIGN.md. Manual discovery here
// resolves the documented fallback for spec.md §9 Open Question 1: a
// discovered tool's own tool_call_template takes precedence, falling back
// to reinterpreting a legacy tool_provider field through
// core.ParseManualOutput, the same decoder the CLI transport uses.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

const defaultTimeout = 10 * time.Second
const defaultMaxResponseSize = 10 * 1024 * 1024

// Transport implements core.Transport for the "tcp" kind.
type Transport struct{}

// New constructs a TCP transport.
func New() *Transport { return &Transport{} }

func dial(ctx context.Context, f *core.SocketFields) (net.Conn, error) {
	timeout := time.Duration(f.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	addr := fmt.Sprintf("%s:%d", f.Host, f.Port)
	return d.DialContext(ctx, "tcp", addr)
}

func encodeRequest(f *core.SocketFields, args map[string]any) ([]byte, error) {
	if f.RequestDataFormat == core.RequestDataText {
		if f.RequestDataTemplate != "" {
			return []byte(renderTemplate(f.RequestDataTemplate, args)), nil
		}
		if v, ok := args["data"]; ok {
			return []byte(fmt.Sprintf("%v", v)), nil
		}
		return nil, fmt.Errorf("text request format requires a %q argument or request_data_template", "data")
	}
	return json.Marshal(args)
}

func renderTemplate(tmpl string, args map[string]any) string {
	out := tmpl
	for k, v := range args {
		out = replaceAll(out, "{"+k+"}", fmt.Sprintf("%v", v))
	}
	return out
}

func replaceAll(s, old, new string) string {
	for {
		i := indexOf(s, old)
		if i < 0 {
			return s
		}
		s = s[:i] + new + s[i+len(old):]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func writeFramed(conn net.Conn, f *core.SocketFields, payload []byte) error {
	switch f.FramingStrategy {
	case core.FramingLengthPrefix:
		n := f.LengthPrefixBytes
		if n == 0 {
			n = 4
		}
		header := make([]byte, n)
		switch n {
		case 2:
			binary.BigEndian.PutUint16(header, uint16(len(payload)))
		case 4:
			binary.BigEndian.PutUint32(header, uint32(len(payload)))
		case 8:
			binary.BigEndian.PutUint64(header, uint64(len(payload)))
		default:
			return fmt.Errorf("unsupported length_prefix_bytes %d", n)
		}
		if f.LengthPrefixEndian == "little" {
			reverse(header)
		}
		if _, err := conn.Write(header); err != nil {
			return err
		}
		_, err := conn.Write(payload)
		return err
	case core.FramingDelimiter:
		delim := f.MessageDelimiter
		if delim == "" {
			delim = "\n"
		}
		_, err := conn.Write(append(payload, []byte(delim)...))
		return err
	case core.FramingFixedLength:
		buf := make([]byte, f.FixedMessageLength)
		copy(buf, payload)
		_, err := conn.Write(buf)
		return err
	default: // stream
		_, err := conn.Write(payload)
		return err
	}
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

func readFramed(conn net.Conn, f *core.SocketFields) ([]byte, error) {
	maxSize := f.MaxResponseSize
	if maxSize == 0 {
		maxSize = defaultMaxResponseSize
	}
	reader := bufio.NewReader(conn)

	switch f.FramingStrategy {
	case core.FramingLengthPrefix:
		n := f.LengthPrefixBytes
		if n == 0 {
			n = 4
		}
		header := make([]byte, n)
		if _, err := readFull(reader, header); err != nil {
			return nil, err
		}
		if f.LengthPrefixEndian == "little" {
			reverse(header)
		}
		var size uint64
		switch n {
		case 2:
			size = uint64(binary.BigEndian.Uint16(header))
		case 4:
			size = uint64(binary.BigEndian.Uint32(header))
		case 8:
			size = binary.BigEndian.Uint64(header)
		default:
			return nil, fmt.Errorf("unsupported length_prefix_bytes %d", n)
		}
		if int(size) > maxSize {
			return nil, fmt.Errorf("response size %d exceeds max_response_size %d", size, maxSize)
		}
		buf := make([]byte, size)
		if _, err := readFull(reader, buf); err != nil {
			return nil, err
		}
		return buf, nil
	case core.FramingDelimiter:
		delim := f.MessageDelimiter
		if delim == "" {
			delim = "\n"
		}
		line, err := reader.ReadString(delim[len(delim)-1])
		if err != nil {
			return nil, err
		}
		return []byte(line[:len(line)-len(delim)]), nil
	case core.FramingFixedLength:
		buf := make([]byte, f.FixedMessageLength)
		if _, err := readFull(reader, buf); err != nil {
			return nil, err
		}
		return buf, nil
	default: // stream: read until the peer closes the connection
		buf := make([]byte, 0, 4096)
		chunk := make([]byte, 4096)
		for {
			n, err := reader.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				if len(buf) > maxSize {
					return nil, fmt.Errorf("response exceeds max_response_size %d", maxSize)
				}
			}
			if err != nil {
				return buf, nil
			}
		}
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// RegisterManual opens a connection, sends a discovery request, and
// decodes the manual document from the framed response.
func (t *Transport) RegisterManual(ctx context.Context, tmpl *core.CallTemplate) (*core.Manual, error) {
	if tmpl.TCP == nil {
		return nil, fmt.Errorf("tcp transport requires TCP fields")
	}
	conn, err := dial(ctx, tmpl.TCP)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeFramed(conn, tmpl.TCP, []byte(`{"type":"utcp"}`)); err != nil {
		return nil, err
	}
	resp, err := readFramed(conn, tmpl.TCP)
	if err != nil {
		return nil, err
	}

	manual, err := core.ParseManualOutput(resp)
	if err != nil {
		return nil, fmt.Errorf("decoding manual: %w", err)
	}
	for i := range manual.Tools {
		if manual.Tools[i].ToolCallTemplate.Kind == "" {
			manual.Tools[i].ToolCallTemplate = *tmpl
		}
	}
	return manual, nil
}

// DeregisterManual is a no-op: each call opens and closes its own
// connection.
func (t *Transport) DeregisterManual(ctx context.Context, tmpl *core.CallTemplate) error { return nil }

// CallTool opens a connection, writes the framed request, and decodes the
// framed response.
func (t *Transport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (any, error) {
	if tmpl.TCP == nil {
		return nil, fmt.Errorf("tcp transport requires TCP fields")
	}
	conn, err := dial(ctx, tmpl.TCP)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	payload, err := encodeRequest(tmpl.TCP, args)
	if err != nil {
		return nil, err
	}
	if err := writeFramed(conn, tmpl.TCP, payload); err != nil {
		return nil, err
	}
	resp, err := readFramed(conn, tmpl.TCP)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(resp, &v); err == nil {
		return v, nil
	}
	return string(resp), nil
}

// CallToolStreaming falls back to the unary result: a single TCP
// round-trip is not an incremental protocol.
func (t *Transport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (<-chan core.StreamResult, error) {
	ch := make(chan core.StreamResult, 1)
	go func() {
		defer close(ch)
		res, err := t.CallTool(ctx, toolName, args, tmpl)
		ch <- core.StreamResult{Value: res, Err: err}
	}()
	return ch, nil
}
