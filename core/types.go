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

// Package core implements the UTCP client: tool repository, variable
// substitution, authentication, and the registration/call dispatch engine
// described by the Universal Tool Calling Protocol.
package core

import (
	"encoding/json"
	"fmt"
)

// CallTemplateKind is the discriminator for the CallTemplate tagged union.
type CallTemplateKind string

const (
	KindHTTP           CallTemplateKind = "http"
	KindSSE            CallTemplateKind = "sse"
	KindStreamableHTTP CallTemplateKind = "streamable_http"
	KindWebSocket      CallTemplateKind = "websocket"
	KindCLI            CallTemplateKind = "cli"
	KindTCP            CallTemplateKind = "tcp"
	KindUDP            CallTemplateKind = "udp"
	KindText           CallTemplateKind = "text"
	KindMCP            CallTemplateKind = "mcp"
	KindGNMI           CallTemplateKind = "gnmi"
)

// AuthKind is the discriminator for the Auth tagged union.
type AuthKind string

const (
	AuthAPIKey AuthKind = "api_key"
	AuthBasic  AuthKind = "basic"
	AuthOAuth2 AuthKind = "oauth2"
)

// APIKeyLocation is where an ApiKey auth value is injected into a request.
type APIKeyLocation string

const (
	LocationHeader APIKeyLocation = "header"
	LocationQuery  APIKeyLocation = "query"
	LocationCookie APIKeyLocation = "cookie"
)

// APIKeyAuth places a static value at a named header/query/cookie slot.
type APIKeyAuth struct {
	APIKey   string         `json:"api_key"`
	VarName  string         `json:"var_name"`
	Location APIKeyLocation `json:"location"`
}

// BasicAuth carries HTTP Basic credentials.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// OAuth2Auth describes a client-credentials OAuth2 flow.
type OAuth2Auth struct {
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope,omitempty"`
}

// Auth is a tagged union over the three credential kinds a CallTemplate can
// carry (spec.md §3).
type Auth struct {
	Kind   AuthKind    `json:"auth_type"`
	APIKey *APIKeyAuth `json:"-"`
	Basic  *BasicAuth  `json:"-"`
	OAuth2 *OAuth2Auth `json:"-"`
}

// NewAPIKeyAuth constructs an Auth wrapping an ApiKey descriptor.
func NewAPIKeyAuth(apiKey, varName string, loc APIKeyLocation) *Auth {
	return &Auth{Kind: AuthAPIKey, APIKey: &APIKeyAuth{APIKey: apiKey, VarName: varName, Location: loc}}
}

// NewBasicAuth constructs an Auth wrapping a Basic descriptor.
func NewBasicAuth(username, password string) *Auth {
	return &Auth{Kind: AuthBasic, Basic: &BasicAuth{Username: username, Password: password}}
}

// NewOAuth2Auth constructs an Auth wrapping an OAuth2 descriptor.
func NewOAuth2Auth(tokenURL, clientID, clientSecret, scope string) *Auth {
	return &Auth{Kind: AuthOAuth2, OAuth2: &OAuth2Auth{TokenURL: tokenURL, ClientID: clientID, ClientSecret: clientSecret, Scope: scope}}
}

// Clone returns a deep copy so that variable substitution never mutates a
// shared template (spec.md §3 Lifecycles: CallTemplates are immutable).
func (a *Auth) Clone() *Auth {
	if a == nil {
		return nil
	}
	out := &Auth{Kind: a.Kind}
	if a.APIKey != nil {
		cp := *a.APIKey
		out.APIKey = &cp
	}
	if a.Basic != nil {
		cp := *a.Basic
		out.Basic = &cp
	}
	if a.OAuth2 != nil {
		cp := *a.OAuth2
		out.OAuth2 = &cp
	}
	return out
}

// MarshalJSON flattens the tagged union into a single object carrying
// auth_type plus the active variant's fields.
func (a Auth) MarshalJSON() ([]byte, error) {
	m := map[string]any{"auth_type": string(a.Kind)}
	switch a.Kind {
	case AuthAPIKey:
		if a.APIKey != nil {
			m["api_key"] = a.APIKey.APIKey
			m["var_name"] = a.APIKey.VarName
			m["location"] = a.APIKey.Location
		}
	case AuthBasic:
		if a.Basic != nil {
			m["username"] = a.Basic.Username
			m["password"] = a.Basic.Password
		}
	case AuthOAuth2:
		if a.OAuth2 != nil {
			m["token_url"] = a.OAuth2.TokenURL
			m["client_id"] = a.OAuth2.ClientID
			m["client_secret"] = a.OAuth2.ClientSecret
			if a.OAuth2.Scope != "" {
				m["scope"] = a.OAuth2.Scope
			}
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the flattened wire form back into the tagged union.
func (a *Auth) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	var kind string
	if raw, ok := m["auth_type"]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return err
		}
	}
	a.Kind = AuthKind(kind)
	switch a.Kind {
	case AuthAPIKey:
		v := &APIKeyAuth{}
		if err := unmarshalInto(m, v); err != nil {
			return err
		}
		a.APIKey = v
	case AuthBasic:
		v := &BasicAuth{}
		if err := unmarshalInto(m, v); err != nil {
			return err
		}
		a.Basic = v
	case AuthOAuth2:
		v := &OAuth2Auth{}
		if err := unmarshalInto(m, v); err != nil {
			return err
		}
		a.OAuth2 = v
	default:
		return fmt.Errorf("unknown auth_type %q", kind)
	}
	return nil
}

// unmarshalInto re-marshals a raw-message map and unmarshals it into dst;
// used to decode a flattened discriminated-union object into its concrete
// variant struct without hand-writing a field-by-field copy.
func unmarshalInto(m map[string]json.RawMessage, dst any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// JsonSchema is a recursive JSON-Schema node (spec.md §3).
type JsonSchema struct {
	Type        string                 `json:"type,omitempty"`
	Properties  map[string]*JsonSchema `json:"properties,omitempty"`
	Items       *JsonSchema            `json:"items,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Enum        []any                  `json:"enum,omitempty"`
	Description string                 `json:"description,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Format      string                 `json:"format,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty"`
	Schema      string                 `json:"$schema,omitempty"`
	ID          string                 `json:"$id,omitempty"`
}

// HTTPFields holds the fields specific to the "http" CallTemplate kind.
type HTTPFields struct {
	URL           string            `json:"url"`
	Method        string            `json:"http_method,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	BodyField     string            `json:"body_field,omitempty"`
	HeaderFields  []string          `json:"header_fields,omitempty"`
}

// StreamableHTTPFields holds the fields for "streamable_http" templates.
type StreamableHTTPFields struct {
	HTTPFields
	ChunkSize int `json:"chunk_size,omitempty"`
	TimeoutMS int `json:"timeout,omitempty"`
}

// SSEFields holds the fields for "sse" templates.
type SSEFields struct {
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyField    string            `json:"body_field,omitempty"`
	HeaderFields []string          `json:"header_fields,omitempty"`
	EventType    string            `json:"event_type,omitempty"`
}

// WebSocketFields holds the fields for "websocket" templates.
type WebSocketFields struct {
	URL            string            `json:"url"`
	Protocol       string            `json:"protocol,omitempty"`
	KeepAlive      bool              `json:"keep_alive,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Message        any               `json:"message,omitempty"`
	ResponseFormat string            `json:"response_format,omitempty"`
	TimeoutMS      int               `json:"timeout,omitempty"`
}

// CLICommand is a single step of a CLI CallTemplate's multi-step script.
type CLICommand struct {
	Command             string `json:"command"`
	AppendToFinalOutput *bool  `json:"append_to_final_output,omitempty"`
}

// CLIFields holds the fields for "cli" templates.
type CLIFields struct {
	Commands   []CLICommand      `json:"commands,omitempty"`
	// CommandName is the legacy single-command form.
	CommandName string            `json:"command_name,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
}

// FramingStrategy selects how the TCP transport delimits messages.
type FramingStrategy string

const (
	FramingLengthPrefix FramingStrategy = "length_prefix"
	FramingDelimiter    FramingStrategy = "delimiter"
	FramingFixedLength  FramingStrategy = "fixed_length"
	FramingStream       FramingStrategy = "stream"
)

// RequestDataFormat selects how TCP/UDP requests are serialized.
type RequestDataFormat string

const (
	RequestDataJSON RequestDataFormat = "json"
	RequestDataText RequestDataFormat = "text"
)

// SocketFields holds the fields shared by "tcp" and "udp" templates.
type SocketFields struct {
	Host                 string            `json:"host"`
	Port                 int               `json:"port"`
	FramingStrategy       FramingStrategy   `json:"framing_strategy,omitempty"`
	LengthPrefixBytes     int               `json:"length_prefix_bytes,omitempty"`
	LengthPrefixEndian    string            `json:"length_prefix_endian,omitempty"`
	MessageDelimiter      string            `json:"message_delimiter,omitempty"`
	FixedMessageLength    int               `json:"fixed_message_length,omitempty"`
	MaxResponseSize       int               `json:"max_response_size,omitempty"`
	RequestDataFormat     RequestDataFormat `json:"request_data_format,omitempty"`
	RequestDataTemplate   string            `json:"request_data_template,omitempty"`
	ResponseByteFormat    string            `json:"response_byte_format,omitempty"`
	TimeoutMS             int               `json:"timeout,omitempty"`
	NumberOfResponseDatagrams int           `json:"number_of_response_datagrams,omitempty"`
}

// TextFields holds the fields for "text" templates.
type TextFields struct {
	FilePath string `json:"file_path"`
}

// MCPServerConfig describes one server entry under an MCP template's
// mcpServers map: either a stdio subprocess or an HTTP/SSE endpoint.
type MCPServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// MCPFields holds the fields for "mcp" templates.
type MCPFields struct {
	Servers                 map[string]MCPServerConfig `json:"mcp_servers"`
	RegisterResourcesAsTools bool                      `json:"register_resources_as_tools,omitempty"`
}

// GNMIFields holds the fields for "gnmi" templates.
type GNMIFields struct {
	Target         string            `json:"target"`
	UseTLS         bool              `json:"use_tls,omitempty"`
	StubModule     string            `json:"stub_module,omitempty"`
	MessageModule  string            `json:"message_module,omitempty"`
	Operation      string            `json:"operation,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	MetadataFields []string          `json:"metadata_fields,omitempty"`
}

// CallTemplate is a tagged union over every transport kind (spec.md §3).
// Exactly one of the kind-specific pointer fields is populated, selected by
// Kind.
type CallTemplate struct {
	Name                          string           `json:"name"`
	Kind                          CallTemplateKind `json:"call_template_type"`
	Auth                          *Auth            `json:"auth,omitempty"`
	AllowedCommunicationProtocols []CallTemplateKind `json:"allowed_communication_protocols,omitempty"`

	HTTP           *HTTPFields           `json:"-"`
	StreamableHTTP *StreamableHTTPFields `json:"-"`
	SSE            *SSEFields            `json:"-"`
	WebSocket      *WebSocketFields      `json:"-"`
	CLI            *CLIFields            `json:"-"`
	TCP            *SocketFields         `json:"-"`
	UDP            *SocketFields         `json:"-"`
	Text           *TextFields           `json:"-"`
	MCP            *MCPFields            `json:"-"`
	GNMI           *GNMIFields           `json:"-"`
}

// AllowedProtocols returns the effective allow-set for dispatch, applying
// the documented default: empty means {Kind} (spec.md §3 Invariants).
func (c *CallTemplate) AllowedProtocols() map[CallTemplateKind]struct{} {
	out := make(map[CallTemplateKind]struct{})
	if len(c.AllowedCommunicationProtocols) == 0 {
		out[c.Kind] = struct{}{}
		return out
	}
	for _, k := range c.AllowedCommunicationProtocols {
		out[k] = struct{}{}
	}
	return out
}

// Clone performs the deep copy required before variable substitution
// mutates a template's strings in place.
func (c *CallTemplate) Clone() *CallTemplate {
	if c == nil {
		return nil
	}
	out := &CallTemplate{
		Name: c.Name,
		Kind: c.Kind,
		Auth: c.Auth.Clone(),
	}
	if c.AllowedCommunicationProtocols != nil {
		out.AllowedCommunicationProtocols = append([]CallTemplateKind(nil), c.AllowedCommunicationProtocols...)
	}
	switch c.Kind {
	case KindHTTP:
		if c.HTTP != nil {
			cp := *c.HTTP
			cp.Headers = cloneStringMap(c.HTTP.Headers)
			cp.HeaderFields = append([]string(nil), c.HTTP.HeaderFields...)
			out.HTTP = &cp
		}
	case KindStreamableHTTP:
		if c.StreamableHTTP != nil {
			cp := *c.StreamableHTTP
			cp.Headers = cloneStringMap(c.StreamableHTTP.Headers)
			cp.HeaderFields = append([]string(nil), c.StreamableHTTP.HeaderFields...)
			out.StreamableHTTP = &cp
		}
	case KindSSE:
		if c.SSE != nil {
			cp := *c.SSE
			cp.Headers = cloneStringMap(c.SSE.Headers)
			cp.HeaderFields = append([]string(nil), c.SSE.HeaderFields...)
			out.SSE = &cp
		}
	case KindWebSocket:
		if c.WebSocket != nil {
			cp := *c.WebSocket
			cp.Headers = cloneStringMap(c.WebSocket.Headers)
			out.WebSocket = &cp
		}
	case KindCLI:
		if c.CLI != nil {
			cp := *c.CLI
			cp.Commands = append([]CLICommand(nil), c.CLI.Commands...)
			cp.EnvVars = cloneStringMap(c.CLI.EnvVars)
			out.CLI = &cp
		}
	case KindTCP:
		if c.TCP != nil {
			cp := *c.TCP
			out.TCP = &cp
		}
	case KindUDP:
		if c.UDP != nil {
			cp := *c.UDP
			out.UDP = &cp
		}
	case KindText:
		if c.Text != nil {
			cp := *c.Text
			out.Text = &cp
		}
	case KindMCP:
		if c.MCP != nil {
			cp := *c.MCP
			cp.Servers = make(map[string]MCPServerConfig, len(c.MCP.Servers))
			for k, v := range c.MCP.Servers {
				v.Args = append([]string(nil), v.Args...)
				v.Env = cloneStringMap(v.Env)
				cp.Servers[k] = v
			}
			out.MCP = &cp
		}
	case KindGNMI:
		if c.GNMI != nil {
			cp := *c.GNMI
			cp.Metadata = cloneStringMap(c.GNMI.Metadata)
			cp.MetadataFields = append([]string(nil), c.GNMI.MetadataFields...)
			out.GNMI = &cp
		}
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Tool is a named operation with a JSON-Schema input/output contract and
// the CallTemplate used to invoke it (spec.md §3).
type Tool struct {
	Name                string       `json:"name"`
	Description         string       `json:"description,omitempty"`
	Inputs              JsonSchema   `json:"inputs"`
	Outputs             JsonSchema   `json:"outputs"`
	Tags                []string     `json:"tags,omitempty"`
	ToolCallTemplate    CallTemplate `json:"tool_call_template"`
	AverageResponseSize *int64       `json:"average_response_size,omitempty"`
}

// Manual is a tool catalog returned by a transport's discovery operation.
type Manual struct {
	UTCPVersion   string `json:"utcp_version"`
	ManualVersion string `json:"manual_version"`
	Tools         []Tool `json:"tools"`
}

// RegisterManualResult is the outcome of registering one manual.
type RegisterManualResult struct {
	ManualCallTemplate CallTemplate `json:"manual_call_template"`
	Manual             *Manual      `json:"manual"`
	Success            bool         `json:"success"`
	Errors             []string     `json:"errors,omitempty"`
}

// callTemplateEnvelope is the flattened wire shape of a CallTemplate: the
// common fields plus whichever kind-specific fields are present, decoded
// generically and then routed by call_template_type.
type callTemplateEnvelope struct {
	Name                          string             `json:"name"`
	Kind                          CallTemplateKind    `json:"call_template_type"`
	Auth                          *Auth              `json:"auth,omitempty"`
	AllowedCommunicationProtocols []CallTemplateKind `json:"allowed_communication_protocols,omitempty"`
}

// MarshalJSON flattens the tagged union into one object carrying the
// common fields plus the active variant's fields, mirroring the wire shape
// UTCP manuals and client configs use for CallTemplate.
func (c CallTemplate) MarshalJSON() ([]byte, error) {
	base := map[string]any{
		"name":               c.Name,
		"call_template_type": string(c.Kind),
	}
	if c.Auth != nil {
		base["auth"] = c.Auth
	}
	if len(c.AllowedCommunicationProtocols) > 0 {
		base["allowed_communication_protocols"] = c.AllowedCommunicationProtocols
	}
	var variant any
	switch c.Kind {
	case KindHTTP:
		variant = c.HTTP
	case KindStreamableHTTP:
		variant = c.StreamableHTTP
	case KindSSE:
		variant = c.SSE
	case KindWebSocket:
		variant = c.WebSocket
	case KindCLI:
		variant = c.CLI
	case KindTCP:
		variant = c.TCP
	case KindUDP:
		variant = c.UDP
	case KindText:
		variant = c.Text
	case KindMCP:
		variant = c.MCP
	case KindGNMI:
		variant = c.GNMI
	}
	if variant != nil {
		raw, err := json.Marshal(variant)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			base[k] = v
		}
	}
	return json.Marshal(base)
}

// UnmarshalJSON reads the flattened wire form back into the tagged union,
// decoding the full object into both the envelope and the kind-specific
// struct selected by call_template_type.
func (c *CallTemplate) UnmarshalJSON(data []byte) error {
	var env callTemplateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.Name = env.Name
	c.Kind = env.Kind
	c.Auth = env.Auth
	c.AllowedCommunicationProtocols = env.AllowedCommunicationProtocols

	switch c.Kind {
	case KindHTTP:
		c.HTTP = &HTTPFields{}
		return json.Unmarshal(data, c.HTTP)
	case KindStreamableHTTP:
		c.StreamableHTTP = &StreamableHTTPFields{}
		return json.Unmarshal(data, c.StreamableHTTP)
	case KindSSE:
		c.SSE = &SSEFields{}
		return json.Unmarshal(data, c.SSE)
	case KindWebSocket:
		c.WebSocket = &WebSocketFields{}
		return json.Unmarshal(data, c.WebSocket)
	case KindCLI:
		c.CLI = &CLIFields{}
		return json.Unmarshal(data, c.CLI)
	case KindTCP:
		c.TCP = &SocketFields{}
		return json.Unmarshal(data, c.TCP)
	case KindUDP:
		c.UDP = &SocketFields{}
		return json.Unmarshal(data, c.UDP)
	case KindText:
		c.Text = &TextFields{}
		return json.Unmarshal(data, c.Text)
	case KindMCP:
		c.MCP = &MCPFields{}
		return json.Unmarshal(data, c.MCP)
	case KindGNMI:
		c.GNMI = &GNMIFields{}
		return json.Unmarshal(data, c.GNMI)
	default:
		return fmt.Errorf("unknown call_template_type %q", env.Kind)
	}
}
