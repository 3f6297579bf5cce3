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
	"os"
	"regexp"
	"strings"
)

// VariableLoader resolves a single variable name against some external
// source (a .env-style file, a secrets manager, etc). Get reports whether
// the name was found at all, distinguishing "not present" from "present
// but empty".
type VariableLoader interface {
	Get(name string) (string, bool)
}

// VariableLoaderFunc adapts a plain function to VariableLoader.
type VariableLoaderFunc func(name string) (string, bool)

func (f VariableLoaderFunc) Get(name string) (string, bool) { return f(name) }

// MapVariableLoader resolves variables from a plain map, used both for a
// client's inline config vars and for file-backed loaders that have
// already been parsed into memory.
type MapVariableLoader map[string]string

func (m MapVariableLoader) Get(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// EnvVariableLoader resolves variables from the process environment. It is
// always consulted last, after every configured loader.
type EnvVariableLoader struct{}

func (EnvVariableLoader) Get(name string) (string, bool) { return os.LookupEnv(name) }

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeName maps any character outside [A-Za-z0-9_] to an underscore.
// Idempotent: SanitizeName(SanitizeName(s)) == SanitizeName(s).
func SanitizeName(s string) string {
	return sanitizeRe.ReplaceAllString(s, "_")
}

// NamespacedVarKey qualifies a variable name to a manual so that two
// manuals can declare a same-named variable (e.g. both a "weather" and a
// "news" manual wanting "BASE") without collision. The key is
// SanitizeName(manualName) + "__" + varName; manual names that sanitize to
// the same string (e.g. "api.v1" and "api_v1") share their keys.
func NamespacedVarKey(manualName, varName string) string {
	return SanitizeName(manualName) + "__" + varName
}

// variableRef matches both $VAR and ${VAR} forms. Names must start with a
// letter or underscore and contain only word characters, matching typical
// shell-variable conventions.
var variableRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// Substitutor resolves `$VAR`/`${VAR}` references inside strings using a
// fixed precedence: the client's inline config map, then each configured
// VariableLoader in order, then the process environment.
type Substitutor struct {
	ConfigVars map[string]string
	Loaders    []VariableLoader
}

// NewSubstitutor builds a Substitutor with the environment loader appended
// last, per the documented resolution order.
func NewSubstitutor(configVars map[string]string, loaders ...VariableLoader) *Substitutor {
	return &Substitutor{
		ConfigVars: configVars,
		Loaders:    append(append([]VariableLoader(nil), loaders...), EnvVariableLoader{}),
	}
}

// resolve looks up a single variable name, trying the manual-namespaced key
// first (when manualName is non-empty) before falling back to the bare
// name at every precedence level.
func (s *Substitutor) resolve(name, manualName string) (string, bool) {
	candidates := []string{name}
	if manualName != "" {
		candidates = []string{NamespacedVarKey(manualName, name), name}
	}
	for _, key := range candidates {
		if v, ok := s.ConfigVars[key]; ok {
			return v, true
		}
	}
	for _, loader := range s.Loaders {
		for _, key := range candidates {
			if v, ok := loader.Get(key); ok {
				return v, true
			}
		}
	}
	return "", false
}

// Substitute replaces every `$VAR`/`${VAR}` reference in s, returning a
// VariableNotFoundError for the first unresolved reference encountered.
func (s *Substitutor) Substitute(str, manualName string) (string, error) {
	var firstErr error
	result := variableRef.ReplaceAllStringFunc(str, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := variableNameOf(match)
		v, ok := s.resolve(name, manualName)
		if !ok {
			firstErr = &VariableNotFoundError{Name: name}
			return match
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// SubstituteMap applies Substitute to every value in a string map, used for
// header/env maps attached to call templates.
func (s *Substitutor) SubstituteMap(m map[string]string, manualName string) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		sv, err := s.Substitute(v, manualName)
		if err != nil {
			return nil, err
		}
		out[k] = sv
	}
	return out, nil
}

// FindRequired returns the distinct variable names referenced anywhere in
// str, in order of first appearance, used to answer get_required_variables_for_* without
// attempting resolution.
func FindRequired(str string) []string {
	matches := variableRef.FindAllString(str, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		name := variableNameOf(m)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

func variableNameOf(match string) string {
	if strings.HasPrefix(match, "${") {
		return strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
	}
	return strings.TrimPrefix(match, "$")
}

// SubstituteCallTemplate returns a deep copy of tmpl with variable
// references resolved in the auth credentials and in these fields: URL and
// headers (http, streamable_http, sse, websocket); commands, command_name,
// env and working_dir (cli); host (tcp, udp); file_path (text); each
// server's command, url, args and env (mcp); target and metadata (gnmi).
// Other string fields (e.g. the websocket message template, body_field,
// the tcp/udp request_data_template) are copied unchanged. The input is
// never mutated
// (spec.md §3 Invariants: CallTemplates are immutable once registered).
func (s *Substitutor) SubstituteCallTemplate(tmpl *CallTemplate, manualName string) (*CallTemplate, error) {
	out := tmpl.Clone()
	sub := func(v string) (string, error) { return s.Substitute(v, manualName) }

	if out.Auth != nil {
		if err := s.substituteAuth(out.Auth, manualName); err != nil {
			return nil, err
		}
	}

	var err error
	switch out.Kind {
	case KindHTTP:
		f := out.HTTP
		if f.URL, err = sub(f.URL); err != nil {
			return nil, err
		}
		if f.Headers, err = s.SubstituteMap(f.Headers, manualName); err != nil {
			return nil, err
		}
	case KindStreamableHTTP:
		f := out.StreamableHTTP
		if f.URL, err = sub(f.URL); err != nil {
			return nil, err
		}
		if f.Headers, err = s.SubstituteMap(f.Headers, manualName); err != nil {
			return nil, err
		}
	case KindSSE:
		f := out.SSE
		if f.URL, err = sub(f.URL); err != nil {
			return nil, err
		}
		if f.Headers, err = s.SubstituteMap(f.Headers, manualName); err != nil {
			return nil, err
		}
	case KindWebSocket:
		f := out.WebSocket
		if f.URL, err = sub(f.URL); err != nil {
			return nil, err
		}
		if f.Headers, err = s.SubstituteMap(f.Headers, manualName); err != nil {
			return nil, err
		}
	case KindCLI:
		f := out.CLI
		for i, c := range f.Commands {
			if f.Commands[i].Command, err = sub(c.Command); err != nil {
				return nil, err
			}
		}
		if f.CommandName, err = sub(f.CommandName); err != nil {
			return nil, err
		}
		if f.EnvVars, err = s.SubstituteMap(f.EnvVars, manualName); err != nil {
			return nil, err
		}
		if f.WorkingDir, err = sub(f.WorkingDir); err != nil {
			return nil, err
		}
	case KindTCP:
		f := out.TCP
		if f.Host, err = sub(f.Host); err != nil {
			return nil, err
		}
	case KindUDP:
		f := out.UDP
		if f.Host, err = sub(f.Host); err != nil {
			return nil, err
		}
	case KindText:
		f := out.Text
		if f.FilePath, err = sub(f.FilePath); err != nil {
			return nil, err
		}
	case KindMCP:
		f := out.MCP
		for name, srv := range f.Servers {
			if srv.Command, err = sub(srv.Command); err != nil {
				return nil, err
			}
			if srv.URL, err = sub(srv.URL); err != nil {
				return nil, err
			}
			for i, a := range srv.Args {
				if srv.Args[i], err = sub(a); err != nil {
					return nil, err
				}
			}
			if srv.Env, err = s.SubstituteMap(srv.Env, manualName); err != nil {
				return nil, err
			}
			f.Servers[name] = srv
		}
	case KindGNMI:
		f := out.GNMI
		if f.Target, err = sub(f.Target); err != nil {
			return nil, err
		}
		if f.Metadata, err = s.SubstituteMap(f.Metadata, manualName); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RequiredVariablesForTemplate returns the distinct variable names
// referenced anywhere in tmpl (URL, headers, commands, auth credentials,
// ...), used to answer get_required_variables_for_* without attempting
// resolution.
func RequiredVariablesForTemplate(tmpl *CallTemplate) []string {
	var parts []string
	collect := func(s string) { parts = append(parts, s) }
	collectMap := func(m map[string]string) {
		for _, v := range m {
			parts = append(parts, v)
		}
	}

	if tmpl.Auth != nil {
		switch tmpl.Auth.Kind {
		case AuthAPIKey:
			collect(tmpl.Auth.APIKey.APIKey)
		case AuthBasic:
			collect(tmpl.Auth.Basic.Username)
			collect(tmpl.Auth.Basic.Password)
		case AuthOAuth2:
			collect(tmpl.Auth.OAuth2.TokenURL)
			collect(tmpl.Auth.OAuth2.ClientID)
			collect(tmpl.Auth.OAuth2.ClientSecret)
		}
	}

	switch tmpl.Kind {
	case KindHTTP:
		if f := tmpl.HTTP; f != nil {
			collect(f.URL)
			collectMap(f.Headers)
		}
	case KindStreamableHTTP:
		if f := tmpl.StreamableHTTP; f != nil {
			collect(f.URL)
			collectMap(f.Headers)
		}
	case KindSSE:
		if f := tmpl.SSE; f != nil {
			collect(f.URL)
			collectMap(f.Headers)
		}
	case KindWebSocket:
		if f := tmpl.WebSocket; f != nil {
			collect(f.URL)
			collectMap(f.Headers)
		}
	case KindCLI:
		if f := tmpl.CLI; f != nil {
			for _, c := range f.Commands {
				collect(c.Command)
			}
			collect(f.CommandName)
			collect(f.WorkingDir)
			collectMap(f.EnvVars)
		}
	case KindTCP:
		if f := tmpl.TCP; f != nil {
			collect(f.Host)
		}
	case KindUDP:
		if f := tmpl.UDP; f != nil {
			collect(f.Host)
		}
	case KindText:
		if f := tmpl.Text; f != nil {
			collect(f.FilePath)
		}
	case KindMCP:
		if f := tmpl.MCP; f != nil {
			for _, srv := range f.Servers {
				collect(srv.Command)
				collect(srv.URL)
				parts = append(parts, srv.Args...)
				collectMap(srv.Env)
			}
		}
	case KindGNMI:
		if f := tmpl.GNMI; f != nil {
			collect(f.Target)
			collectMap(f.Metadata)
		}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, p := range parts {
		for _, name := range FindRequired(p) {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out
}

func (s *Substitutor) substituteAuth(a *Auth, manualName string) error {
	var err error
	switch a.Kind {
	case AuthAPIKey:
		if a.APIKey.APIKey, err = s.Substitute(a.APIKey.APIKey, manualName); err != nil {
			return err
		}
	case AuthBasic:
		if a.Basic.Username, err = s.Substitute(a.Basic.Username, manualName); err != nil {
			return err
		}
		if a.Basic.Password, err = s.Substitute(a.Basic.Password, manualName); err != nil {
			return err
		}
	case AuthOAuth2:
		if a.OAuth2.TokenURL, err = s.Substitute(a.OAuth2.TokenURL, manualName); err != nil {
			return err
		}
		if a.OAuth2.ClientID, err = s.Substitute(a.OAuth2.ClientID, manualName); err != nil {
			return err
		}
		if a.OAuth2.ClientSecret, err = s.Substitute(a.OAuth2.ClientSecret, manualName); err != nil {
			return err
		}
	}
	return nil
}
