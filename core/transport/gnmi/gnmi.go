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

// Package gnmi implements the UTCP "gnmi" CallTemplate kind: four virtual
// tools (capabilities, get, set, subscribe) synthesized directly from a
// gNMI call template rather than discovered from a server
// (SPEC_FULL.md §3, original_source/.../gnmi_communication_protocol.py).
// Dial-option and TLS/insecure-for-local gating is grounded on
// AltairaLabs-Omnia/internal/runtime/tools/grpc_adapter.go's
// buildDialOptions/buildTLSConfig pattern.
//
// The example pack carries no generated gNMI protobuf stub (the source's
// "stub_module"/"message_module" dynamic import has no Go equivalent to
// load at runtime), so the gNMI message set is hand-rolled here,
// JSON-shaped after the real gnmi.proto field names, and carried over the
// wire with a small JSON grpc codec instead of the binary protobuf wire
// format a generated gnmi.pb.go would use (see DESIGN.md). Values passed
// through Set use structpb for the composite (json_ietf_val) case,
// keeping the real protobuf value-wrapper type in play even though the
// surrounding messages are hand-rolled.
package gnmi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/universal-tool-calling-protocol/utcp-go/core"
)

const dialTimeout = 10 * time.Second

// PathElem is one element of a gNMI path, mirroring gnmi.proto's
// PathElem (name plus optional list-index keys).
type PathElem struct {
	Name string            `json:"name"`
	Key  map[string]string `json:"key,omitempty"`
}

// Path is a gNMI path: a sequence of named elements.
type Path struct {
	Elem []PathElem `json:"elem"`
}

// pathFromString splits a "/"-delimited path string into PathElems
// (spec.md §4.5.10 "get": "paths split on / into PathElem lists").
func pathFromString(raw string) Path {
	var elems []PathElem
	for _, part := range strings.Split(strings.Trim(raw, "/"), "/") {
		if part == "" {
			continue
		}
		elems = append(elems, PathElem{Name: part})
	}
	return Path{Elem: elems}
}

// TypedValue mirrors gnmi.proto's oneof-typed value wrapper, flattened to
// whichever one field is populated.
type TypedValue struct {
	StringVal  *string          `json:"string_val,omitempty"`
	IntVal     *int64           `json:"int_val,omitempty"`
	BoolVal    *bool            `json:"bool_val,omitempty"`
	FloatVal   *float64         `json:"float_val,omitempty"`
	JSONIETFVal *structpb.Value `json:"json_ietf_val,omitempty"`
}

// typedValueFor maps a Go value to the TypedValue variant spec.md §4.5.10
// "set" names: bool -> bool_val, int -> int_val, float -> float_val,
// str -> string_val, composite -> json_ietf_val. A float64 with no
// fractional part (how encoding/json decodes every JSON number) maps to
// int_val.
func typedValueFor(v any) (*TypedValue, error) {
	switch val := v.(type) {
	case bool:
		return &TypedValue{BoolVal: &val}, nil
	case int:
		i := int64(val)
		return &TypedValue{IntVal: &i}, nil
	case int64:
		return &TypedValue{IntVal: &val}, nil
	case float64:
		if val == float64(int64(val)) {
			i := int64(val)
			return &TypedValue{IntVal: &i}, nil
		}
		return &TypedValue{FloatVal: &val}, nil
	case string:
		return &TypedValue{StringVal: &val}, nil
	default:
		sv, err := structpb.NewValue(v)
		if err != nil {
			return nil, fmt.Errorf("encoding json_ietf_val: %w", err)
		}
		return &TypedValue{JSONIETFVal: sv}, nil
	}
}

// Update pairs a path with the value to set or the value read back.
type Update struct {
	Path Path        `json:"path"`
	Val  *TypedValue `json:"val,omitempty"`
}

// GetRequest/GetResponse mirror gnmi.proto's unary Get RPC.
type GetRequest struct {
	Path   []Path `json:"path"`
	Type   string `json:"type,omitempty"`
}
type Notification struct {
	TimestampUnixNano int64    `json:"timestamp"`
	Update            []Update `json:"update,omitempty"`
}
type GetResponse struct {
	Notification []Notification `json:"notification"`
}

// SetRequest/SetResponse mirror gnmi.proto's unary Set RPC.
type SetRequest struct {
	Update  []Update `json:"update,omitempty"`
	Replace []Update `json:"replace,omitempty"`
	Delete  []Path   `json:"delete,omitempty"`
}
type UpdateResult struct {
	Path Path   `json:"path"`
	Op   string `json:"op"`
}
type SetResponse struct {
	Response          []UpdateResult `json:"response"`
	TimestampUnixNano int64          `json:"timestamp"`
}

// CapabilityRequest/CapabilityResponse mirror gnmi.proto's Capabilities RPC.
type CapabilityRequest struct{}
type ModelData struct {
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Version      string `json:"version,omitempty"`
}
type CapabilityResponse struct {
	SupportedModels    []ModelData `json:"supported_models"`
	SupportedEncodings []string    `json:"supported_encodings"`
	GNMIVersion        string      `json:"gNMI_version"`
}

// Subscription/SubscriptionList/SubscribeRequest/SubscribeResponse mirror
// gnmi.proto's streaming Subscribe RPC.
type Subscription struct {
	Path Path `json:"path"`
}
type SubscriptionList struct {
	Subscription []Subscription `json:"subscription"`
	Mode         string         `json:"mode,omitempty"`
}
type SubscribeRequest struct {
	Subscribe *SubscriptionList `json:"subscribe,omitempty"`
}
type SubscribeResponse struct {
	Update       *Notification `json:"update,omitempty"`
	SyncResponse bool          `json:"sync_response,omitempty"`
}

// jsonCodec is a minimal grpc/encoding.Codec that marshals these hand-rolled
// message structs as JSON instead of the protobuf binary wire format a
// generated gnmi.pb.go stub would use (see package doc comment).
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Transport implements core.Transport for the "gnmi" kind.
type Transport struct {
	auth *core.AuthApplier
}

// New constructs a gNMI transport.
func New() *Transport { return &Transport{auth: core.NewAuthApplier()} }

// isLoopback reports whether target's host resolves to a loopback
// address, the only case an insecure (non-TLS) gNMI channel is permitted
// (spec.md §4.5.10, mirroring the HTTP/WebSocket security gate).
func isLoopback(target string) bool {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = target
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func dialOptions(f *core.GNMIFields) ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name()))}
	if f.UseTLS {
		return append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{}))), nil
	}
	if !isLoopback(f.Target) {
		return nil, &core.SecurityViolationError{Reason: fmt.Sprintf("insecure gNMI channel to non-local target %q is not allowed", f.Target)}
	}
	return append(opts, grpc.WithTransportCredentials(insecure.NewCredentials())), nil
}

func dial(ctx context.Context, f *core.GNMIFields) (*grpc.ClientConn, error) {
	opts, err := dialOptions(f)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return grpc.DialContext(ctx, f.Target, opts...)
}

// buildMetadata folds the template's static metadata, the args named by
// MetadataFields, and any resolved auth headers into one map (spec.md
// §4.5.10 "Metadata").
func (t *Transport) buildMetadata(ctx context.Context, tmpl *core.CallTemplate, args map[string]any) (map[string]string, error) {
	md := map[string]string{}
	for k, v := range tmpl.GNMI.Metadata {
		md[k] = v
	}
	for _, name := range tmpl.GNMI.MetadataFields {
		if v, ok := args[name]; ok {
			md[name] = fmt.Sprintf("%v", v)
		}
	}
	resolved, err := t.auth.Resolve(ctx, tmpl.Auth)
	if err != nil {
		return nil, err
	}
	for k, v := range resolved.Headers {
		md[k] = v
	}
	return md, nil
}

// virtualTools are the four tools every gNMI manual synthesizes, one
// manual always yielding exactly these (SPEC_FULL.md §3).
var virtualTools = []struct {
	name        string
	description string
}{
	{"capabilities", "Query the gNMI target's supported models and encodings"},
	{"get", "Read one or more gNMI paths from the target"},
	{"set", "Apply updates, replacements, and deletes to the gNMI target"},
	{"subscribe", "Stream updates for one or more gNMI paths (streaming only)"},
}

// RegisterManual synthesizes the four virtual tools directly from tmpl;
// there is no network discovery step.
func (t *Transport) RegisterManual(ctx context.Context, tmpl *core.CallTemplate) (*core.Manual, error) {
	if tmpl.GNMI == nil {
		return nil, fmt.Errorf("gnmi transport requires GNMI fields")
	}
	tools := make([]core.Tool, 0, len(virtualTools))
	for _, vt := range virtualTools {
		tools = append(tools, core.Tool{
			Name:             vt.name,
			Description:      vt.description,
			Inputs:           core.JsonSchema{Type: "object"},
			Outputs:          core.JsonSchema{Type: "object"},
			ToolCallTemplate: *tmpl,
		})
	}
	return &core.Manual{UTCPVersion: "1.0", ManualVersion: "1.0", Tools: tools}, nil
}

// DeregisterManual is a no-op: each call dials its own short-lived
// channel.
func (t *Transport) DeregisterManual(ctx context.Context, tmpl *core.CallTemplate) error { return nil }

// CallTool dispatches to one of the four gNMI RPCs by toolName.
func (t *Transport) CallTool(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (any, error) {
	if tmpl.GNMI == nil {
		return nil, fmt.Errorf("gnmi transport requires GNMI fields")
	}
	if toolName == "subscribe" {
		return nil, &core.UnsupportedOperationError{Operation: "gnmi subscribe (unary)", Kind: core.KindGNMI}
	}

	conn, err := dial(ctx, tmpl.GNMI)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	md, err := t.buildMetadata(ctx, tmpl, args)
	if err != nil {
		return nil, err
	}
	ctx = metadataContext(ctx, md)

	switch toolName {
	case "capabilities":
		var resp CapabilityResponse
		if err := conn.Invoke(ctx, "/gnmi.gNMI/Capabilities", &CapabilityRequest{}, &resp); err != nil {
			return nil, err
		}
		return toMap(resp), nil
	case "get":
		req, err := buildGetRequest(args)
		if err != nil {
			return nil, err
		}
		var resp GetResponse
		if err := conn.Invoke(ctx, "/gnmi.gNMI/Get", req, &resp); err != nil {
			return nil, err
		}
		return toMap(resp), nil
	case "set":
		req, err := buildSetRequest(args)
		if err != nil {
			return nil, err
		}
		var resp SetResponse
		if err := conn.Invoke(ctx, "/gnmi.gNMI/Set", req, &resp); err != nil {
			return nil, err
		}
		return toMap(resp), nil
	default:
		return nil, &core.UnsupportedOperationError{Operation: toolName, Kind: core.KindGNMI}
	}
}

func buildGetRequest(args map[string]any) (*GetRequest, error) {
	raw, _ := args["paths"].([]any)
	req := &GetRequest{}
	for _, p := range raw {
		s, ok := p.(string)
		if !ok {
			return nil, fmt.Errorf("get: path entries must be strings")
		}
		req.Path = append(req.Path, pathFromString(s))
	}
	return req, nil
}

func buildSetRequest(args map[string]any) (*SetRequest, error) {
	req := &SetRequest{}
	updates, _ := args["update"].([]any)
	for _, u := range updates {
		upd, err := buildUpdate(u)
		if err != nil {
			return nil, err
		}
		req.Update = append(req.Update, upd)
	}
	replaces, _ := args["replace"].([]any)
	for _, u := range replaces {
		upd, err := buildUpdate(u)
		if err != nil {
			return nil, err
		}
		req.Replace = append(req.Replace, upd)
	}
	deletes, _ := args["delete"].([]any)
	for _, d := range deletes {
		s, ok := d.(string)
		if !ok {
			return nil, fmt.Errorf("set: delete entries must be path strings")
		}
		req.Delete = append(req.Delete, pathFromString(s))
	}
	return req, nil
}

func buildUpdate(raw any) (Update, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Update{}, fmt.Errorf("set: each update must be an object with path and val")
	}
	pathStr, _ := m["path"].(string)
	tv, err := typedValueFor(m["val"])
	if err != nil {
		return Update{}, err
	}
	return Update{Path: pathFromString(pathStr), Val: tv}, nil
}

// CallToolStreaming implements "subscribe": it opens a Subscribe stream
// built from args["paths"] and args["mode"], yielding each response
// converted to a plain map (spec.md §4.5.10 "subscribe").
func (t *Transport) CallToolStreaming(ctx context.Context, toolName string, args map[string]any, tmpl *core.CallTemplate) (<-chan core.StreamResult, error) {
	if toolName != "subscribe" {
		ch := make(chan core.StreamResult, 1)
		go func() {
			defer close(ch)
			res, err := t.CallTool(ctx, toolName, args, tmpl)
			ch <- core.StreamResult{Value: res, Err: err}
		}()
		return ch, nil
	}
	if tmpl.GNMI == nil {
		return nil, fmt.Errorf("gnmi transport requires GNMI fields")
	}

	conn, err := dial(ctx, tmpl.GNMI)
	if err != nil {
		return nil, err
	}
	md, err := t.buildMetadata(ctx, tmpl, args)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ctx = metadataContext(ctx, md)

	sub := SubscriptionList{Mode: stringOr(args["mode"], "STREAM")}
	paths, _ := args["paths"].([]any)
	for _, p := range paths {
		s, ok := p.(string)
		if !ok {
			conn.Close()
			return nil, fmt.Errorf("subscribe: path entries must be strings")
		}
		sub.Subscription = append(sub.Subscription, Subscription{Path: pathFromString(s)})
	}

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, "/gnmi.gNMI/Subscribe")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := stream.SendMsg(&SubscribeRequest{Subscribe: &sub}); err != nil {
		conn.Close()
		return nil, err
	}

	ch := make(chan core.StreamResult)
	go func() {
		defer close(ch)
		defer conn.Close()
		for {
			var resp SubscribeResponse
			if err := stream.RecvMsg(&resp); err != nil {
				if !errors.Is(err, io.EOF) {
					ch <- core.StreamResult{Err: err}
				}
				return
			}
			ch <- core.StreamResult{Value: toMap(resp)}
		}
	}()
	return ch, nil
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// toMap round-trips v through JSON to produce the plain map/slice shape
// spec.md asks subscribe responses (and the other RPCs' results) to be
// returned as.
func toMap(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	_ = json.Unmarshal(data, &out)
	return out
}

func metadataContext(ctx context.Context, md map[string]string) context.Context {
	if len(md) == 0 {
		return ctx
	}
	pairs := make([]string, 0, len(md)*2)
	for k, v := range md {
		pairs = append(pairs, k, v)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
